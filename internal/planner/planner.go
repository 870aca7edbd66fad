// Package planner turns a requested assignee set into assignment records.
//
// Quotas are split with ceil(total/n) per assignee, so the sum handed out may
// exceed the total. The surplus is kept on purpose: an assignee who finishes
// their own share is never short because of a remainder elsewhere.
package planner

import (
	"strings"
	"time"

	"crewline/internal/domain"
)

// PerAssignee returns the quota each of n assignees receives.
func PerAssignee(totalQuota *int, n int) int {
	if totalQuota == nil || n <= 0 || *totalQuota <= 0 {
		return 0
	}
	return (*totalQuota + n - 1) / n
}

// Dedupe drops repeated actor ids. The last occurrence wins on metadata but
// the first occurrence fixes the position.
func Dedupe(requested []domain.ActorRef) []domain.ActorRef {
	index := make(map[string]int, len(requested))
	out := make([]domain.ActorRef, 0, len(requested))
	for _, a := range requested {
		a.ID = strings.TrimSpace(a.ID)
		if i, ok := index[a.ID]; ok {
			out[i] = a
			continue
		}
		index[a.ID] = len(out)
		out = append(out, a)
	}
	return out
}

func checkRequest(requested []domain.ActorRef, totalQuota *int) error {
	var verr domain.ValidationError
	if len(requested) == 0 {
		verr.Add("assignees", "at least one assignee is required")
	}
	for _, a := range requested {
		if strings.TrimSpace(a.ID) == "" {
			verr.Add("assignees", "actor id must not be empty")
			break
		}
	}
	for _, a := range requested {
		if !a.Role.Valid() {
			verr.Add("assignees", "actor "+a.ID+" has unknown role "+string(a.Role))
			break
		}
	}
	if totalQuota != nil && *totalQuota < 0 {
		verr.Add("total_quota_required", "must not be negative")
	}
	return verr.Err()
}

// Plan builds fresh pending records for every requested assignee.
func Plan(item domain.WorkItem, requested []domain.ActorRef, totalQuota *int, now time.Time) ([]domain.Assignment, error) {
	if err := checkRequest(requested, totalQuota); err != nil {
		return nil, err
	}
	actors := Dedupe(requested)
	per := PerAssignee(totalQuota, len(actors))
	records := make([]domain.Assignment, 0, len(actors))
	for _, a := range actors {
		records = append(records, newRecord(item.ID, a, per, now))
	}
	return records, nil
}

func newRecord(workItemID string, actor domain.ActorRef, quota int, now time.Time) domain.Assignment {
	return domain.Assignment{
		WorkItemID:         workItemID,
		Actor:              actor,
		QuotaAssigned:      quota,
		Status:             domain.StatusPending,
		SubmittedArtifacts: []domain.ArtifactRef{},
		AssignedAt:         now,
		UpdatedAt:          now,
		Version:            1,
	}
}

// MergePlan is the outcome of re-planning an edited work item.
type MergePlan struct {
	// Keep holds surviving records with refreshed quota and actor metadata;
	// their progress fields are untouched.
	Keep []domain.Assignment
	// Add holds fresh pending records for newly requested actors.
	Add []domain.Assignment
	// Remove holds records of actors no longer requested.
	Remove []domain.Assignment
}

// Records returns the post-merge record set.
func (m MergePlan) Records() []domain.Assignment {
	out := make([]domain.Assignment, 0, len(m.Keep)+len(m.Add))
	out = append(out, m.Keep...)
	out = append(out, m.Add...)
	return out
}

// Merge re-plans an item against its existing records. Records of actors
// present in both sets keep status, completed quota, feedback and
// artifacts; new actors start pending; missing actors are removed.
func Merge(item domain.WorkItem, existing []domain.Assignment, requested []domain.ActorRef, totalQuota *int, now time.Time) (MergePlan, error) {
	if err := checkRequest(requested, totalQuota); err != nil {
		return MergePlan{}, err
	}
	actors := Dedupe(requested)
	per := PerAssignee(totalQuota, len(actors))

	current := make(map[string]domain.Assignment, len(existing))
	for _, rec := range existing {
		current[rec.Actor.ID] = rec
	}
	wanted := make(map[string]struct{}, len(actors))
	var plan MergePlan
	for _, a := range actors {
		wanted[a.ID] = struct{}{}
		rec, ok := current[a.ID]
		if !ok {
			plan.Add = append(plan.Add, newRecord(item.ID, a, per, now))
			continue
		}
		rec.Actor = a
		rec.QuotaAssigned = per
		if rec.QuotaCompleted > rec.QuotaAssigned {
			rec.QuotaAssigned = rec.QuotaCompleted
		}
		plan.Keep = append(plan.Keep, rec)
	}
	for _, rec := range existing {
		if _, ok := wanted[rec.Actor.ID]; !ok {
			plan.Remove = append(plan.Remove, rec)
		}
	}
	return plan, nil
}
