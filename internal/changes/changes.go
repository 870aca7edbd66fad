// Package changes decides whether an edit to a work item is material.
package changes

import (
	"sort"
	"strings"

	"crewline/internal/domain"
)

// Snapshot is a work item together with its assignee set.
type Snapshot struct {
	Item      domain.WorkItem
	Assignees []domain.ActorRef
}

// SnapshotOf builds a snapshot from stored records.
func SnapshotOf(item domain.WorkItem, records []domain.Assignment) Snapshot {
	actors := make([]domain.ActorRef, 0, len(records))
	for _, r := range records {
		actors = append(actors, r.Actor)
	}
	return Snapshot{Item: item, Assignees: actors}
}

type FieldDelta struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

type SetDelta struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
}

func (d SetDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// ChangeSet describes how a proposed edit differs from the stored item.
type ChangeSet struct {
	Fields                      []FieldDelta             `json:"fields"`
	Assignees                   map[domain.Role]SetDelta `json:"assignees"`
	RequiresQuotaRedistribution bool                     `json:"requires_quota_redistribution"`
}

// IsEmpty is true only when no field and no assignee set changed.
func (c ChangeSet) IsEmpty() bool {
	if len(c.Fields) > 0 {
		return false
	}
	for _, d := range c.Assignees {
		if !d.Empty() {
			return false
		}
	}
	return true
}

// AssigneesChanged reports whether any role's assignee set moved.
func (c ChangeSet) AssigneesChanged() bool {
	for _, d := range c.Assignees {
		if !d.Empty() {
			return true
		}
	}
	return false
}

func (c ChangeSet) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		names = append(names, f.Field)
	}
	return names
}

// AddedActors flattens added ids across roles. An actor whose role changed
// shows up as added under the new role and removed under the old one.
func (c ChangeSet) AddedActors() []string {
	return c.collect(func(d SetDelta) []string { return d.Added })
}

func (c ChangeSet) RemovedActors() []string {
	return c.collect(func(d SetDelta) []string { return d.Removed })
}

func (c ChangeSet) collect(pick func(SetDelta) []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, role := range domain.Roles {
		for _, id := range pick(c.Assignees[role]) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Diff compares original and proposed field by field and, per role, as
// sets of actor ids.
func Diff(original, proposed Snapshot) ChangeSet {
	cs := ChangeSet{Assignees: make(map[domain.Role]SetDelta, len(domain.Roles))}
	o, p := original.Item, proposed.Item

	addString := func(field, a, b string) {
		if a != b {
			cs.Fields = append(cs.Fields, FieldDelta{Field: field, Old: a, New: b})
		}
	}
	addString("title", strings.TrimSpace(o.Title), strings.TrimSpace(p.Title))
	addString("description", strings.TrimSpace(o.Description), strings.TrimSpace(p.Description))
	addString("priority", string(o.Priority), string(p.Priority))
	addString("parent_id", deref(o.ParentID), deref(p.ParentID))

	os, ps := o.Schedule.Normalize(), p.Schedule.Normalize()
	addString("schedule.start_date", os.StartDate, ps.StartDate)
	addString("schedule.end_date", os.EndDate, ps.EndDate)
	addString("schedule.start_time", os.StartTime, ps.StartTime)
	addString("schedule.end_time", os.EndTime, ps.EndTime)

	quotaChanged := !sameQuota(o.TotalQuotaRequired, p.TotalQuotaRequired)
	if quotaChanged {
		cs.Fields = append(cs.Fields, FieldDelta{Field: "total_quota_required", Old: quotaValue(o.TotalQuotaRequired), New: quotaValue(p.TotalQuotaRequired)})
	}

	before, after := byRole(original.Assignees), byRole(proposed.Assignees)
	for _, role := range domain.Roles {
		cs.Assignees[role] = setDelta(before[role], after[role])
	}
	cs.RequiresQuotaRedistribution = quotaChanged || countIDs(original.Assignees) != countIDs(proposed.Assignees)
	return cs
}

func setDelta(before, after map[string]struct{}) SetDelta {
	d := SetDelta{Added: []string{}, Removed: []string{}, Unchanged: []string{}}
	for id := range after {
		if _, ok := before[id]; ok {
			d.Unchanged = append(d.Unchanged, id)
		} else {
			d.Added = append(d.Added, id)
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Unchanged)
	return d
}

func byRole(actors []domain.ActorRef) map[domain.Role]map[string]struct{} {
	out := make(map[domain.Role]map[string]struct{})
	for _, a := range actors {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			continue
		}
		if out[a.Role] == nil {
			out[a.Role] = map[string]struct{}{}
		}
		out[a.Role][id] = struct{}{}
	}
	return out
}

func countIDs(actors []domain.ActorRef) int {
	ids := map[string]struct{}{}
	for _, a := range actors {
		if id := strings.TrimSpace(a.ID); id != "" {
			ids[id] = struct{}{}
		}
	}
	return len(ids)
}

func sameQuota(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func quotaValue(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
