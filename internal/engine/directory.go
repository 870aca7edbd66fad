package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// UpsertActor adds or updates a directory entry. Only admins may do so,
// except for the very first entry, which bootstraps an empty directory.
func (e Engine) UpsertActor(ctx context.Context, callerID string, a domain.ActorRef) (domain.ActorRef, error) {
	a.ID = strings.TrimSpace(a.ID)
	a.DisplayName = strings.TrimSpace(a.DisplayName)
	a.Email = strings.TrimSpace(a.Email)
	var verr domain.ValidationError
	if a.ID == "" {
		verr.Add("id", "must not be empty")
	}
	if !a.Role.Valid() {
		verr.Add("role", "must be employee, team_lead, manager or admin")
	}
	if err := verr.Err(); err != nil {
		return domain.ActorRef{}, refuse(err)
	}
	existing, err := e.Repo.ListActors(ctx, "")
	if err != nil {
		return domain.ActorRef{}, err
	}
	if len(existing) > 0 {
		caller, err := e.Auth.Resolve(ctx, callerID)
		if err != nil {
			return domain.ActorRef{}, refuse(err)
		}
		if err := e.Auth.CanAdminister(caller); err != nil {
			return domain.ActorRef{}, refuse(err)
		}
	}
	if callerID == "" {
		callerID = a.ID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActorRef{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertActorTx(ctx, tx, a, e.now()); err != nil {
		return domain.ActorRef{}, fmt.Errorf("upsert actor: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.ActorUpserted, events.EntityActor, a.ID, callerID, events.EventPayload{"role": a.Role}); err != nil {
		return domain.ActorRef{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActorRef{}, err
	}
	return a, nil
}

func (e Engine) ListActors(ctx context.Context, role domain.Role) ([]domain.ActorRef, error) {
	return e.Repo.ListActors(ctx, string(role))
}

// CreateAPIKey issues a key for forActorID and returns the raw secret once.
// Actors may issue their own keys; admins may issue keys for anyone.
func (e Engine) CreateAPIKey(ctx context.Context, callerID, forActorID, name string) (string, domain.APIKey, error) {
	caller, err := e.Auth.Resolve(ctx, callerID)
	if err != nil {
		return "", domain.APIKey{}, refuse(err)
	}
	if forActorID == "" {
		forActorID = caller.ID
	}
	if forActorID != caller.ID {
		if err := e.Auth.CanAdminister(caller); err != nil {
			return "", domain.APIKey{}, refuse(err)
		}
	}
	if _, err := e.Auth.Resolve(ctx, forActorID); err != nil {
		return "", domain.APIKey{}, refuse(err)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	raw := "crew_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   forActorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.now().Format("2006-01-02T15:04:05Z07:00"),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.APIKeyCreated, events.EntityActor, forActorID, caller.ID, events.EventPayload{"key_id": key.ID}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, nil
}

// ListAPIKeys lists forActorID's keys, or every key when forActorID is
// empty. Only admins may list keys other than their own.
func (e Engine) ListAPIKeys(ctx context.Context, callerID, forActorID string) ([]domain.APIKey, error) {
	caller, err := e.Auth.Resolve(ctx, callerID)
	if err != nil {
		return nil, refuse(err)
	}
	if forActorID != caller.ID {
		if err := e.Auth.CanAdminister(caller); err != nil {
			return nil, refuse(err)
		}
	}
	return e.Repo.ListAPIKeys(ctx, forActorID)
}

// RevokeAPIKey deletes a key. Owners may revoke their own keys; admins may
// revoke any key.
func (e Engine) RevokeAPIKey(ctx context.Context, callerID, keyID string) error {
	caller, err := e.Auth.Resolve(ctx, callerID)
	if err != nil {
		return refuse(err)
	}
	key, err := e.Repo.GetAPIKey(ctx, keyID)
	if err != nil {
		return err
	}
	if key.ActorID != caller.ID {
		if err := e.Auth.CanAdminister(caller); err != nil {
			return refuse(err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKeyTx(ctx, tx, key.ID); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.APIKeyRevoked, events.EntityActor, key.ActorID, caller.ID, events.EventPayload{"key_id": key.ID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

func (e Engine) ListNotifications(ctx context.Context, f repo.NotificationFilters) ([]domain.Notification, error) {
	return e.Repo.ListNotifications(ctx, f)
}
