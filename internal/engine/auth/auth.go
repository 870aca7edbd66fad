// Package auth resolves actors against the directory and decides who may
// create, edit and administer work items.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/repo"
)

// Directory resolves actor ids. The actors table is the only implementation
// in this module; tests may substitute a map.
type Directory interface {
	GetActor(ctx context.Context, id string) (domain.ActorRef, error)
}

// Service provides role checks backed by the directory.
type Service struct {
	Directory Directory
	Config    *config.Config
}

// Resolve returns the directory entry for the acting actor. Unknown actors
// are forbidden rather than not found.
func (s Service) Resolve(ctx context.Context, actorID string) (domain.ActorRef, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.ActorRef{}, domain.ForbiddenError{Reason: "actor id required"}
	}
	a, err := s.Directory.GetActor(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ActorRef{}, domain.ForbiddenError{ActorID: actorID, Reason: "is not in the directory"}
	}
	if err != nil {
		return domain.ActorRef{}, fmt.Errorf("resolve actor %s: %w", actorID, err)
	}
	return a, nil
}

// ResolveAssignees replaces each requested reference with its directory
// entry. A requested role that disagrees with the directory is rejected.
func (s Service) ResolveAssignees(ctx context.Context, requested []domain.ActorRef) ([]domain.ActorRef, error) {
	var verr domain.ValidationError
	out := make([]domain.ActorRef, 0, len(requested))
	for i, ref := range requested {
		id := strings.TrimSpace(ref.ID)
		if id == "" {
			verr.Add(fmt.Sprintf("assignees[%d].id", i), "must not be empty")
			continue
		}
		a, err := s.Directory.GetActor(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			verr.Add(fmt.Sprintf("assignees[%d].id", i), "unknown actor "+id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve assignee %s: %w", id, err)
		}
		if ref.Role != "" && ref.Role != a.Role {
			verr.Add(fmt.Sprintf("assignees[%d].role", i), fmt.Sprintf("%s is %s in the directory", id, a.Role))
			continue
		}
		out = append(out, a)
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CanCreate checks the configured creator roles.
func (s Service) CanCreate(actor domain.ActorRef) error {
	if s.Config != nil && s.Config.CanCreate(actor.Role) {
		return nil
	}
	return domain.ForbiddenError{ActorID: actor.ID, Reason: "may not create work items as " + string(actor.Role)}
}

// CanEdit allows the creator, admins, and anyone who outranks the creator.
// Deletion follows the same rule.
func (s Service) CanEdit(actor domain.ActorRef, item domain.WorkItem) error {
	switch {
	case actor.ID == item.CreatedBy.ID:
		return nil
	case actor.Role == domain.RoleAdmin:
		return nil
	case actor.Role.Outranks(item.CreatedBy.Role):
		return nil
	}
	return domain.ForbiddenError{ActorID: actor.ID, Reason: "may not modify work item " + item.ID}
}

// CanAdminister gates directory and API key administration.
func (s Service) CanAdminister(actor domain.ActorRef) error {
	if actor.Role == domain.RoleAdmin {
		return nil
	}
	return domain.ForbiddenError{ActorID: actor.ID, Reason: "must be admin"}
}
