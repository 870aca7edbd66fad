// Package notify turns engine events into notification intents and
// delivers queued intents through pluggable sinks.
package notify

import (
	"fmt"

	"github.com/google/uuid"

	"crewline/internal/changes"
	"crewline/internal/domain"
)

type EventKind string

const (
	EventCreated           EventKind = "created"
	EventUpdated           EventKind = "updated"
	EventDeleted           EventKind = "deleted"
	EventStatusChanged     EventKind = "status_changed"
	EventFeedbackSubmitted EventKind = "feedback_submitted"
)

// Intent kinds as seen by sinks.
const (
	KindCreated           = domain.NotifyWorkItemCreated
	KindUpdated           = domain.NotifyWorkItemUpdated
	KindDeleted           = domain.NotifyWorkItemDeleted
	KindUnassigned        = domain.NotifyWorkItemUnassigned
	KindStatusChanged     = domain.NotifyAssignmentStatus
	KindFeedbackSubmitted = domain.NotifyAssignmentFeedback
)

// Event is a committed transition. ID is the audit event id.
type Event struct {
	ID        int64
	Kind      EventKind
	Item      domain.WorkItem
	Assignees []domain.ActorRef
	// Updated only.
	Changes *changes.ChangeSet
	Removed []domain.ActorRef
	// StatusChanged and FeedbackSubmitted only.
	Record    *domain.Assignment
	From      domain.AssignmentStatus
	ChangedBy domain.ActorRef
}

// OnTransition computes the intents for e. It has no side effects; each
// intent gets a fresh id and a dedup key derived from the event and the
// recipient.
func OnTransition(e Event) []domain.NotificationIntent {
	switch e.Kind {
	case EventCreated:
		return fanout(e, KindCreated, assigneesAndCreator(e), itemPayload(e))
	case EventUpdated:
		payload := itemPayload(e)
		if e.Changes != nil {
			payload["changed_fields"] = e.Changes.FieldNames()
			payload["added"] = e.Changes.AddedActors()
			payload["removed"] = e.Changes.RemovedActors()
			payload["assignees_changed"] = e.Changes.AssigneesChanged()
		}
		out := fanout(e, KindUpdated, assigneesAndCreator(e), payload)
		for _, a := range e.Removed {
			if stillAssigned(e.Assignees, a.ID) {
				continue
			}
			out = append(out, intent(e, KindUnassigned, a, itemPayload(e), ":unassigned"))
		}
		return out
	case EventDeleted:
		return fanout(e, KindDeleted, assigneesAndCreator(e), itemPayload(e))
	case EventStatusChanged, EventFeedbackSubmitted:
		if e.Record == nil {
			return nil
		}
		kind := KindStatusChanged
		if e.Kind == EventFeedbackSubmitted {
			kind = KindFeedbackSubmitted
		}
		recipients := []domain.ActorRef{e.Item.CreatedBy}
		if e.ChangedBy.ID != e.Record.Actor.ID {
			recipients = append(recipients, e.Record.Actor)
		}
		var kept []domain.ActorRef
		for _, r := range dedupe(recipients) {
			if r.ID != e.ChangedBy.ID {
				kept = append(kept, r)
			}
		}
		return fanout(e, kind, kept, recordPayload(e))
	}
	return nil
}

func fanout(e Event, kind string, recipients []domain.ActorRef, payload map[string]any) []domain.NotificationIntent {
	out := make([]domain.NotificationIntent, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, intent(e, kind, r, payload, ""))
	}
	return out
}

func intent(e Event, kind string, recipient domain.ActorRef, payload map[string]any, suffix string) domain.NotificationIntent {
	return domain.NotificationIntent{
		ID:         uuid.NewString(),
		DedupKey:   fmt.Sprintf("%d:%s%s", e.ID, recipient.ID, suffix),
		Recipient:  recipient,
		Kind:       kind,
		WorkItemID: e.Item.ID,
		Payload:    payload,
	}
}

func assigneesAndCreator(e Event) []domain.ActorRef {
	all := make([]domain.ActorRef, 0, len(e.Assignees)+1)
	all = append(all, e.Assignees...)
	if e.Item.CreatedBy.ID != "" {
		all = append(all, e.Item.CreatedBy)
	}
	return dedupe(all)
}

func dedupe(actors []domain.ActorRef) []domain.ActorRef {
	seen := make(map[string]struct{}, len(actors))
	out := make([]domain.ActorRef, 0, len(actors))
	for _, a := range actors {
		if a.ID == "" {
			continue
		}
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

func stillAssigned(actors []domain.ActorRef, id string) bool {
	for _, a := range actors {
		if a.ID == id {
			return true
		}
	}
	return false
}

func itemPayload(e Event) map[string]any {
	return map[string]any{
		"event_id": e.ID,
		"title":    e.Item.Title,
		"priority": string(e.Item.Priority),
		"kind":     string(e.Item.Kind),
		"version":  e.Item.Version,
	}
}

func recordPayload(e Event) map[string]any {
	p := itemPayload(e)
	p["actor_id"] = e.Record.Actor.ID
	p["changed_by"] = e.ChangedBy.ID
	p["from"] = string(e.From)
	p["to"] = string(e.Record.Status)
	p["quota_completed"] = e.Record.QuotaCompleted
	p["quota_assigned"] = e.Record.QuotaAssigned
	if e.Record.Feedback != "" {
		p["feedback"] = e.Record.Feedback
	}
	return p
}
