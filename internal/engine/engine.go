package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"crewline/internal/changes"
	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/engine/auth"
	"crewline/internal/events"
	"crewline/internal/metrics"
	"crewline/internal/notify"
	"crewline/internal/planner"
	"crewline/internal/repo"
)

const defaultCASRetries = 5

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Log    *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Auth:   auth.Service{Directory: r, Config: cfg},
		Config: cfg,
		Log:    slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) casRetries() int {
	if e.Config != nil && e.Config.Engine.CASRetries > 0 {
		return e.Config.Engine.CASRetries
	}
	return defaultCASRetries
}

// WorkItemInput carries the caller-editable fields of a work item and its
// intended assignees. Only assignee ids are required; roles are checked
// against the directory when given.
type WorkItemInput struct {
	Kind               domain.Kind
	ParentID           *string
	Title              string
	Description        string
	Priority           domain.Priority
	Schedule           domain.Schedule
	TotalQuotaRequired *int
	Assignees          []domain.ActorRef
}

// WorkItemDetail is a work item with its assignment records.
type WorkItemDetail struct {
	Item        domain.WorkItem
	Assignments []domain.Assignment
}

func (in WorkItemInput) apply(w domain.WorkItem) domain.WorkItem {
	w.Title = strings.TrimSpace(in.Title)
	w.Description = strings.TrimSpace(in.Description)
	w.Priority = in.Priority
	if w.Priority == "" {
		w.Priority = domain.PriorityMedium
	}
	w.Schedule = in.Schedule.Normalize()
	w.TotalQuotaRequired = in.TotalQuotaRequired
	w.ParentID = nil
	if in.ParentID != nil && strings.TrimSpace(*in.ParentID) != "" {
		p := strings.TrimSpace(*in.ParentID)
		w.ParentID = &p
	}
	return w
}

func assigneeIDs(refs []domain.ActorRef) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	return ids
}

// refuse counts a refused operation and passes err through.
func refuse(err error) error {
	var (
		verr domain.ValidationError
		ferr domain.ForbiddenError
		terr domain.TransitionError
		cerr domain.ConflictError
	)
	reason := ""
	switch {
	case errors.As(err, &verr):
		reason = "validation"
	case errors.As(err, &ferr):
		reason = "forbidden"
	case errors.As(err, &terr):
		reason = "transition"
	case errors.As(err, &cerr):
		reason = "conflict"
	}
	if reason != "" {
		metrics.Refused.WithLabelValues(reason).Inc()
	}
	return err
}

func (e Engine) checkParent(ctx context.Context, w domain.WorkItem) error {
	if w.ParentID == nil {
		return nil
	}
	if *w.ParentID == w.ID {
		return domain.NewValidationError("parent_id", "a work item cannot be its own parent")
	}
	parent, err := e.Repo.GetWorkItem(ctx, *w.ParentID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && parent.Deleted()) {
		return domain.NewValidationError("parent_id", "unknown work item "+*w.ParentID)
	}
	if err != nil {
		return err
	}
	if parent.Kind != domain.KindTask {
		return domain.NewValidationError("parent_id", "parent must be a task")
	}
	return nil
}

// CreateWorkItem validates, plans and stores a new work item with one
// pending record per distinct assignee.
func (e Engine) CreateWorkItem(ctx context.Context, actorID string, in WorkItemInput) (WorkItemDetail, error) {
	actor, err := e.Auth.Resolve(ctx, actorID)
	if err != nil {
		return WorkItemDetail{}, refuse(err)
	}
	if err := e.Auth.CanCreate(actor); err != nil {
		return WorkItemDetail{}, refuse(err)
	}
	now := e.now()
	item := in.apply(domain.WorkItem{
		ID:        uuid.NewString(),
		CreatedBy: actor,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	})
	item.Kind = in.Kind
	if item.Kind == "" {
		item.Kind = domain.KindTask
		if item.ParentID != nil {
			item.Kind = domain.KindSubtask
		}
	}
	if err := domain.Validate(item, assigneeIDs(in.Assignees)); err != nil {
		return WorkItemDetail{}, refuse(err)
	}
	if err := e.checkParent(ctx, item); err != nil {
		return WorkItemDetail{}, refuse(err)
	}
	assignees, err := e.Auth.ResolveAssignees(ctx, in.Assignees)
	if err != nil {
		return WorkItemDetail{}, refuse(err)
	}
	records, err := planner.Plan(item, assignees, item.TotalQuotaRequired, now)
	if err != nil {
		return WorkItemDetail{}, refuse(err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WorkItemDetail{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkItemTx(ctx, tx, item); err != nil {
		return WorkItemDetail{}, fmt.Errorf("insert work item: %w", err)
	}
	for _, rec := range records {
		if err := e.Repo.InsertAssignmentTx(ctx, tx, rec); err != nil {
			return WorkItemDetail{}, fmt.Errorf("insert assignment %s: %w", rec.Actor.ID, err)
		}
	}
	evtID, err := e.Events.Append(ctx, tx, events.WorkItemCreated, events.EntityWorkItem, item.ID, actor.ID, events.EventPayload{
		"title":     item.Title,
		"kind":      item.Kind,
		"assignees": assigneeIDs(actorsOf(records)),
		"quota":     planner.PerAssignee(item.TotalQuotaRequired, len(records)),
	})
	if err != nil {
		return WorkItemDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return WorkItemDetail{}, err
	}
	metrics.WorkItemOps.WithLabelValues("create").Inc()
	e.enqueue(ctx, notify.Event{ID: evtID, Kind: notify.EventCreated, Item: item, Assignees: actorsOf(records)})
	return WorkItemDetail{Item: item, Assignments: records}, nil
}

// EditWorkItem applies in to the stored item. A proposal identical to what
// is stored is refused with a ConflictError, as is a stale expectedVersion.
func (e Engine) EditWorkItem(ctx context.Context, actorID, id string, in WorkItemInput, expectedVersion *int) (WorkItemDetail, error) {
	actor, err := e.Auth.Resolve(ctx, actorID)
	if err != nil {
		return WorkItemDetail{}, refuse(err)
	}
	item, err := e.liveItem(ctx, id)
	if err != nil {
		return WorkItemDetail{}, err
	}
	if err := e.Auth.CanEdit(actor, item); err != nil {
		return WorkItemDetail{}, refuse(err)
	}
	if expectedVersion != nil && *expectedVersion != item.Version {
		return WorkItemDetail{}, refuse(domain.ConflictError{
			Reason:    fmt.Sprintf("work item %s is at version %d, not %d", id, item.Version, *expectedVersion),
			Retryable: true,
		})
	}
	if in.Kind != "" && in.Kind != item.Kind {
		return WorkItemDetail{}, refuse(domain.NewValidationError("kind", "cannot change kind of an existing work item"))
	}
	now := e.now()
	proposed := in.apply(item)
	proposed.UpdatedAt = now
	if err := domain.Validate(proposed, assigneeIDs(in.Assignees)); err != nil {
		return WorkItemDetail{}, refuse(err)
	}
	if err := e.checkParent(ctx, proposed); err != nil {
		return WorkItemDetail{}, refuse(err)
	}
	assignees, err := e.Auth.ResolveAssignees(ctx, in.Assignees)
	if err != nil {
		return WorkItemDetail{}, refuse(err)
	}
	existing, err := e.Repo.ListAssignments(ctx, id, false)
	if err != nil {
		return WorkItemDetail{}, err
	}
	cs := changes.Diff(changes.SnapshotOf(item, existing), changes.Snapshot{Item: proposed, Assignees: planner.Dedupe(assignees)})
	if cs.IsEmpty() {
		return WorkItemDetail{}, refuse(domain.ConflictError{Reason: "edit changes nothing"})
	}
	plan, err := planner.Merge(proposed, existing, assignees, proposed.TotalQuotaRequired, now)
	if err != nil {
		return WorkItemDetail{}, refuse(err)
	}
	before := make(map[string]domain.Assignment, len(existing))
	for _, rec := range existing {
		before[rec.Actor.ID] = rec
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WorkItemDetail{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkItemTx(ctx, tx, proposed, item.Version); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return WorkItemDetail{}, refuse(domain.ConflictError{Reason: "work item " + id + " was modified concurrently", Retryable: true})
		}
		return WorkItemDetail{}, fmt.Errorf("update work item: %w", err)
	}
	for _, rec := range plan.Keep {
		old := before[rec.Actor.ID]
		// Quotas only move when the total or the head count changed.
		if !cs.RequiresQuotaRedistribution {
			rec.QuotaAssigned = old.QuotaAssigned
		}
		if old.QuotaAssigned == rec.QuotaAssigned && old.Actor == rec.Actor {
			continue
		}
		if err := e.Repo.UpdateAssignmentQuotaTx(ctx, tx, rec); err != nil {
			return WorkItemDetail{}, fmt.Errorf("refresh assignment %s: %w", rec.Actor.ID, err)
		}
	}
	for _, rec := range plan.Add {
		if err := e.Repo.InsertAssignmentTx(ctx, tx, rec); err != nil {
			return WorkItemDetail{}, fmt.Errorf("insert assignment %s: %w", rec.Actor.ID, err)
		}
	}
	for _, rec := range plan.Remove {
		if err := e.Repo.DeleteAssignmentTx(ctx, tx, id, rec.Actor.ID); err != nil {
			return WorkItemDetail{}, fmt.Errorf("remove assignment %s: %w", rec.Actor.ID, err)
		}
	}
	evtID, err := e.Events.Append(ctx, tx, events.WorkItemUpdated, events.EntityWorkItem, id, actor.ID, events.EventPayload{
		"changes": cs,
		"version": item.Version + 1,
	})
	if err != nil {
		return WorkItemDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return WorkItemDetail{}, err
	}
	metrics.WorkItemOps.WithLabelValues("edit").Inc()

	detail, err := e.GetWorkItem(ctx, id)
	if err != nil {
		return WorkItemDetail{}, err
	}
	e.enqueue(ctx, notify.Event{
		ID:        evtID,
		Kind:      notify.EventUpdated,
		Item:      detail.Item,
		Assignees: actorsOf(detail.Assignments),
		Changes:   &cs,
		Removed:   actorsOf(plan.Remove),
	})
	return detail, nil
}

// DeleteWorkItem soft-deletes the item, its records and every live
// subtask, notifying each item's assignees.
func (e Engine) DeleteWorkItem(ctx context.Context, actorID, id string) error {
	actor, err := e.Auth.Resolve(ctx, actorID)
	if err != nil {
		return refuse(err)
	}
	item, err := e.liveItem(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Auth.CanEdit(actor, item); err != nil {
		return refuse(err)
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ids, err := e.Repo.LiveSubtreeIDsTx(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("collect subtasks: %w", err)
	}
	var pending []notify.Event
	for _, itemID := range ids {
		w, err := e.Repo.GetWorkItemTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		records, err := e.Repo.ListAssignmentsTx(ctx, tx, itemID, false)
		if err != nil {
			return err
		}
		if err := e.Repo.SoftDeleteWorkItemTx(ctx, tx, itemID, now); err != nil {
			return fmt.Errorf("delete work item %s: %w", itemID, err)
		}
		payload := events.EventPayload{"assignees": assigneeIDs(actorsOf(records))}
		if itemID != id {
			payload["cascade_from"] = id
		}
		evtID, err := e.Events.Append(ctx, tx, events.WorkItemDeleted, events.EntityWorkItem, itemID, actor.ID, payload)
		if err != nil {
			return err
		}
		deletedAt := now
		w.DeletedAt = &deletedAt
		pending = append(pending, notify.Event{ID: evtID, Kind: notify.EventDeleted, Item: w, Assignees: actorsOf(records)})
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.WorkItemOps.WithLabelValues("delete").Add(float64(len(ids)))
	for _, evt := range pending {
		e.enqueue(ctx, evt)
	}
	return nil
}

// GetWorkItem returns the item, deleted or not, with its live records.
func (e Engine) GetWorkItem(ctx context.Context, id string) (WorkItemDetail, error) {
	item, err := e.Repo.GetWorkItem(ctx, id)
	if err != nil {
		return WorkItemDetail{}, fmt.Errorf("work item %s: %w", id, err)
	}
	records, err := e.Repo.ListAssignments(ctx, id, item.Deleted())
	if err != nil {
		return WorkItemDetail{}, err
	}
	return WorkItemDetail{Item: item, Assignments: records}, nil
}

func (e Engine) ListWorkItems(ctx context.Context, f repo.WorkItemFilters) ([]domain.WorkItem, error) {
	return e.Repo.ListWorkItems(ctx, f)
}

// liveItem loads a work item that has not been deleted.
func (e Engine) liveItem(ctx context.Context, id string) (domain.WorkItem, error) {
	item, err := e.Repo.GetWorkItem(ctx, id)
	if err != nil {
		return item, fmt.Errorf("work item %s: %w", id, err)
	}
	if item.Deleted() {
		return item, fmt.Errorf("work item %s is deleted: %w", id, repo.ErrNotFound)
	}
	return item, nil
}

func actorsOf(records []domain.Assignment) []domain.ActorRef {
	out := make([]domain.ActorRef, 0, len(records))
	for _, r := range records {
		out = append(out, r.Actor)
	}
	return out
}
