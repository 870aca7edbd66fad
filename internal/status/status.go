package status

import (
	"strings"
	"time"

	"crewline/internal/domain"
)

// Update is a self-reported change to an assignment record.
type Update struct {
	Status         domain.AssignmentStatus
	Feedback       *string
	Artifacts      []domain.ArtifactRef
	QuotaCompleted *int
}

// selfTransitions lists the moves an actor may make on their own record.
// approved is absent: it is only reachable through Approve.
var selfTransitions = map[domain.AssignmentStatus][]domain.AssignmentStatus{
	domain.StatusPending:    {domain.StatusInProgress},
	domain.StatusInProgress: {domain.StatusCompleted, domain.StatusRejected},
}

// CanTransition reports whether from -> to is a legal self transition.
func CanTransition(from, to domain.AssignmentStatus) bool {
	for _, s := range selfTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Apply runs u through the record's state machine on behalf of actor.
// Repeating the current status is idempotent: feedback is replaced when
// given, artifacts are appended and nothing else moves.
func Apply(rec domain.Assignment, actor domain.ActorRef, u Update, now time.Time) (domain.Assignment, error) {
	if actor.ID != rec.Actor.ID {
		return rec, domain.ForbiddenError{ActorID: actor.ID, Reason: "may only update their own assignment"}
	}
	if !u.Status.Valid() {
		return rec, domain.NewValidationError("status", "unknown status "+string(u.Status))
	}
	if err := checkQuota(rec, u.QuotaCompleted); err != nil {
		return rec, err
	}
	feedback := ""
	if u.Feedback != nil {
		feedback = strings.TrimSpace(*u.Feedback)
	}

	if u.Status == rec.Status {
		changed := false
		if u.Feedback != nil && feedback != rec.Feedback {
			if rec.Status == domain.StatusRejected && feedback == "" {
				return rec, domain.TransitionError{From: rec.Status, To: u.Status, Rule: "rejected assignments must keep their feedback"}
			}
			rec.Feedback = feedback
			changed = true
		}
		if len(u.Artifacts) > 0 {
			rec.SubmittedArtifacts = appendArtifacts(rec.SubmittedArtifacts, u.Artifacts)
			changed = true
		}
		if u.QuotaCompleted != nil && *u.QuotaCompleted != rec.QuotaCompleted {
			if rec.Status != domain.StatusPending && rec.Status != domain.StatusInProgress {
				return rec, domain.TransitionError{From: rec.Status, To: u.Status, Rule: "progress is frozen once the assignment is " + string(rec.Status)}
			}
			rec.QuotaCompleted = *u.QuotaCompleted
			changed = true
		}
		if changed {
			rec.UpdatedAt = now
		}
		return rec, nil
	}

	switch {
	case rec.Status == domain.StatusApproved:
		return rec, domain.TransitionError{From: rec.Status, To: u.Status, Rule: "approved is final"}
	case u.Status == domain.StatusApproved:
		return rec, domain.TransitionError{From: rec.Status, To: u.Status, Rule: "approval requires an actor with higher authority"}
	case !CanTransition(rec.Status, u.Status):
		return rec, domain.TransitionError{From: rec.Status, To: u.Status, Rule: "not an allowed transition"}
	case u.Status == domain.StatusRejected && feedback == "":
		return rec, domain.TransitionError{From: rec.Status, To: u.Status, Rule: "rejecting requires feedback"}
	}

	rec.Status = u.Status
	if u.Feedback != nil {
		rec.Feedback = feedback
	}
	if len(u.Artifacts) > 0 {
		rec.SubmittedArtifacts = appendArtifacts(rec.SubmittedArtifacts, u.Artifacts)
	}
	if u.QuotaCompleted != nil {
		rec.QuotaCompleted = *u.QuotaCompleted
	}
	rec.UpdatedAt = now
	markCompleted(&rec, now)
	return rec, nil
}

// Approve escalates a completed record to approved. The approver must
// outrank the record's actor.
func Approve(rec domain.Assignment, approver domain.ActorRef, feedback *string, now time.Time) (domain.Assignment, error) {
	if approver.ID == rec.Actor.ID {
		return rec, domain.ForbiddenError{ActorID: approver.ID, Reason: "cannot approve their own assignment"}
	}
	if !approver.Role.Outranks(rec.Actor.Role) {
		return rec, domain.ForbiddenError{ActorID: approver.ID, Reason: "needs more authority than " + string(rec.Actor.Role) + " to approve"}
	}
	if rec.Status == domain.StatusApproved {
		return rec, nil
	}
	if rec.Status != domain.StatusCompleted {
		return rec, domain.TransitionError{From: rec.Status, To: domain.StatusApproved, Rule: "only completed assignments can be approved"}
	}
	rec.Status = domain.StatusApproved
	if feedback != nil && strings.TrimSpace(*feedback) != "" {
		rec.Feedback = strings.TrimSpace(*feedback)
	}
	rec.UpdatedAt = now
	markCompleted(&rec, now)
	return rec, nil
}

func markCompleted(rec *domain.Assignment, now time.Time) {
	if rec.Status.Done() && rec.CompletedAt == nil {
		t := now
		rec.CompletedAt = &t
	}
}

func checkQuota(rec domain.Assignment, completed *int) error {
	if completed == nil {
		return nil
	}
	if *completed < 0 {
		return domain.NewValidationError("quota_completed", "must not be negative")
	}
	if *completed > rec.QuotaAssigned {
		return domain.NewValidationError("quota_completed", "must not exceed quota_assigned")
	}
	return nil
}

func appendArtifacts(existing, added []domain.ArtifactRef) []domain.ArtifactRef {
	out := make([]domain.ArtifactRef, 0, len(existing)+len(added))
	out = append(out, existing...)
	return append(out, added...)
}
