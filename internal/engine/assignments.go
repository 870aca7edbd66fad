package engine

import (
	"context"
	"errors"
	"fmt"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/metrics"
	"crewline/internal/notify"
	"crewline/internal/repo"
	"crewline/internal/status"
)

// StatusUpdate is the self-reported change an assignee submits.
type StatusUpdate = status.Update

// UpdateAssignmentStatus moves targetActorID's record on workItemID through
// its state machine on behalf of actorID. Writes use a compare-and-swap on
// the record version; a lost race re-reads and re-applies the update.
func (e Engine) UpdateAssignmentStatus(ctx context.Context, actorID, workItemID, targetActorID string, u StatusUpdate) (domain.Assignment, error) {
	actor, err := e.Auth.Resolve(ctx, actorID)
	if err != nil {
		return domain.Assignment{}, refuse(err)
	}
	item, err := e.liveItem(ctx, workItemID)
	if err != nil {
		return domain.Assignment{}, err
	}
	return e.casLoop(ctx, item, actor, targetActorID, events.AssignmentUpdated, func(rec domain.Assignment) (domain.Assignment, error) {
		return status.Apply(rec, actor, u, e.now())
	})
}

// ApproveAssignment escalates a completed record to approved. Approving an
// already approved record is a no-op.
func (e Engine) ApproveAssignment(ctx context.Context, approverID, workItemID, targetActorID string, feedback *string) (domain.Assignment, error) {
	approver, err := e.Auth.Resolve(ctx, approverID)
	if err != nil {
		return domain.Assignment{}, refuse(err)
	}
	item, err := e.liveItem(ctx, workItemID)
	if err != nil {
		return domain.Assignment{}, err
	}
	return e.casLoop(ctx, item, approver, targetActorID, events.AssignmentApproved, func(rec domain.Assignment) (domain.Assignment, error) {
		return status.Approve(rec, approver, feedback, e.now())
	})
}

func (e Engine) casLoop(ctx context.Context, item domain.WorkItem, actor domain.ActorRef, targetActorID, evtType string, apply func(domain.Assignment) (domain.Assignment, error)) (domain.Assignment, error) {
	for attempt := 0; attempt < e.casRetries(); attempt++ {
		rec, err := e.Repo.GetAssignment(ctx, item.ID, targetActorID)
		if err != nil {
			return domain.Assignment{}, fmt.Errorf("assignment %s/%s: %w", item.ID, targetActorID, err)
		}
		next, err := apply(rec)
		if err != nil {
			return rec, refuse(err)
		}
		if sameProgress(rec, next) {
			return rec, nil
		}
		evtID, err := e.writeAssignment(ctx, next, rec, actor, evtType)
		if errors.Is(err, repo.ErrStaleVersion) {
			metrics.CASRetries.Inc()
			e.logger().Debug("assignment write lost a race; retrying",
				"work_item", item.ID, "actor", targetActorID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return domain.Assignment{}, err
		}
		next.Version = rec.Version + 1
		if rec.Status != next.Status {
			metrics.Transitions.WithLabelValues(string(rec.Status), string(next.Status)).Inc()
		}
		kind := notify.EventFeedbackSubmitted
		if rec.Status != next.Status {
			kind = notify.EventStatusChanged
		}
		e.enqueue(ctx, notify.Event{ID: evtID, Kind: kind, Item: item, Record: &next, From: rec.Status, ChangedBy: actor})
		return next, nil
	}
	return domain.Assignment{}, refuse(domain.ConflictError{
		Reason:    fmt.Sprintf("assignment %s/%s kept changing; retry", item.ID, targetActorID),
		Retryable: true,
	})
}

func (e Engine) writeAssignment(ctx context.Context, next, prev domain.Assignment, actor domain.ActorRef, evtType string) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAssignmentCASTx(ctx, tx, next); err != nil {
		return 0, err
	}
	payload := events.EventPayload{
		"actor_id":        next.Actor.ID,
		"from":            prev.Status,
		"to":              next.Status,
		"quota_completed": next.QuotaCompleted,
	}
	if next.Feedback != prev.Feedback {
		payload["feedback"] = next.Feedback
	}
	if added := len(next.SubmittedArtifacts) - len(prev.SubmittedArtifacts); added > 0 {
		payload["artifacts_added"] = added
	}
	evtID, err := e.Events.Append(ctx, tx, evtType, events.EntityAssignment, next.WorkItemID+"/"+next.Actor.ID, actor.ID, payload)
	if err != nil {
		return 0, err
	}
	return evtID, tx.Commit()
}

// sameProgress reports whether apply left every stored field untouched.
func sameProgress(a, b domain.Assignment) bool {
	return a.Status == b.Status &&
		a.Feedback == b.Feedback &&
		a.QuotaCompleted == b.QuotaCompleted &&
		len(a.SubmittedArtifacts) == len(b.SubmittedArtifacts) &&
		(a.CompletedAt == nil) == (b.CompletedAt == nil)
}

// Aggregate is the derived status of one work item.
type Aggregate struct {
	Item        domain.WorkItem
	View        domain.StatusHierarchyView
	Statistics  domain.CompletionStatistics
	Assignments []domain.Assignment
}

// GetAggregate rolls up a work item's records. Deleted items report
// system=deleted over the records they had when deleted.
func (e Engine) GetAggregate(ctx context.Context, workItemID string) (Aggregate, error) {
	detail, err := e.GetWorkItem(ctx, workItemID)
	if err != nil {
		return Aggregate{}, err
	}
	view, stats := status.Aggregate(detail.Item, detail.Assignments)
	return Aggregate{Item: detail.Item, View: view, Statistics: stats, Assignments: detail.Assignments}, nil
}

// MyAssignment pairs a record with the work item it belongs to.
type MyAssignment struct {
	Assignment domain.Assignment
	Item       domain.WorkItem
}

// ListMyAssignments returns actorID's live records, most recently touched
// first, optionally filtered by status.
func (e Engine) ListMyAssignments(ctx context.Context, actorID string, st domain.AssignmentStatus, limit int) ([]MyAssignment, error) {
	actor, err := e.Auth.Resolve(ctx, actorID)
	if err != nil {
		return nil, refuse(err)
	}
	if st != "" && !st.Valid() {
		return nil, refuse(domain.NewValidationError("status", "unknown status "+string(st)))
	}
	records, err := e.Repo.ListAssignmentsByActor(ctx, repo.AssignmentFilters{ActorID: actor.ID, Status: string(st), Limit: limit})
	if err != nil {
		return nil, err
	}
	items := map[string]domain.WorkItem{}
	out := make([]MyAssignment, 0, len(records))
	for _, rec := range records {
		item, ok := items[rec.WorkItemID]
		if !ok {
			if item, err = e.Repo.GetWorkItem(ctx, rec.WorkItemID); err != nil {
				return nil, err
			}
			items[rec.WorkItemID] = item
		}
		out = append(out, MyAssignment{Assignment: rec, Item: item})
	}
	return out, nil
}

func (e Engine) ListAssignments(ctx context.Context, workItemID string) ([]domain.Assignment, error) {
	detail, err := e.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	return detail.Assignments, nil
}
