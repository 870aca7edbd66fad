package changes_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/changes"
	"crewline/internal/domain"
)

func intPtr(v int) *int { return &v }

func baseSnapshot() changes.Snapshot {
	return changes.Snapshot{
		Item: domain.WorkItem{
			ID:                 "w1",
			Kind:               domain.KindTask,
			Title:              "Quarterly audit",
			Description:        "Count everything",
			Priority:           domain.PriorityMedium,
			Schedule:           domain.Schedule{StartDate: "2024-03-01", EndDate: "2024-03-05"},
			TotalQuotaRequired: intPtr(10),
		},
		Assignees: []domain.ActorRef{
			{ID: "emp-1", Role: domain.RoleEmployee},
			{ID: "emp-2", Role: domain.RoleEmployee},
			{ID: "lead-1", Role: domain.RoleTeamLead},
		},
	}
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	a := baseSnapshot()
	b := baseSnapshot()
	// order and default times must not matter
	b.Assignees = []domain.ActorRef{b.Assignees[2], b.Assignees[1], b.Assignees[0]}
	b.Item.Schedule.StartTime = "00:00"
	b.Item.Schedule.EndTime = "23:59"

	cs := changes.Diff(a, b)
	assert.True(t, cs.IsEmpty())
	assert.False(t, cs.AssigneesChanged())
	assert.False(t, cs.RequiresQuotaRedistribution)
	assert.Empty(t, cs.AddedActors())
	assert.Empty(t, cs.RemovedActors())
}

func TestDiffFields(t *testing.T) {
	a := baseSnapshot()
	b := baseSnapshot()
	b.Item.Title = "Annual audit"
	b.Item.Priority = domain.PriorityHigh
	b.Item.Schedule.EndTime = "17:00"

	cs := changes.Diff(a, b)
	require.False(t, cs.IsEmpty())
	assert.Equal(t, []string{"title", "priority", "schedule.end_time"}, cs.FieldNames())
	assert.False(t, cs.RequiresQuotaRedistribution)
	assert.False(t, cs.AssigneesChanged())
}

func TestDiffQuotaRequiresRedistribution(t *testing.T) {
	a := baseSnapshot()
	b := baseSnapshot()
	b.Item.TotalQuotaRequired = nil

	cs := changes.Diff(a, b)
	assert.True(t, cs.RequiresQuotaRedistribution)
	require.Len(t, cs.Fields, 1)
	assert.Equal(t, "total_quota_required", cs.Fields[0].Field)
	assert.Equal(t, 10, cs.Fields[0].Old)
	assert.Nil(t, cs.Fields[0].New)
}

func TestDiffAssignees(t *testing.T) {
	a := baseSnapshot()
	b := baseSnapshot()
	b.Assignees = []domain.ActorRef{
		{ID: "emp-1", Role: domain.RoleEmployee},
		{ID: "emp-3", Role: domain.RoleEmployee},
		{ID: "lead-1", Role: domain.RoleTeamLead},
	}

	cs := changes.Diff(a, b)
	emp := cs.Assignees[domain.RoleEmployee]
	assert.Equal(t, []string{"emp-3"}, emp.Added)
	assert.Equal(t, []string{"emp-2"}, emp.Removed)
	assert.Equal(t, []string{"emp-1"}, emp.Unchanged)
	assert.True(t, cs.Assignees[domain.RoleTeamLead].Empty())
	assert.Equal(t, []string{"emp-3"}, cs.AddedActors())
	assert.Equal(t, []string{"emp-2"}, cs.RemovedActors())
	// same headcount, same total
	assert.False(t, cs.RequiresQuotaRedistribution)
	assert.False(t, cs.IsEmpty())
}

func TestDiffRoleChangeShowsOnBothSides(t *testing.T) {
	a := baseSnapshot()
	b := baseSnapshot()
	b.Assignees[1].Role = domain.RoleTeamLead

	cs := changes.Diff(a, b)
	assert.Equal(t, []string{"emp-2"}, cs.Assignees[domain.RoleEmployee].Removed)
	assert.Equal(t, []string{"emp-2"}, cs.Assignees[domain.RoleTeamLead].Added)
	assert.Equal(t, []string{"emp-2"}, cs.AddedActors())
	assert.Equal(t, []string{"emp-2"}, cs.RemovedActors())
}

func TestDiffHeadcountChangeRedistributes(t *testing.T) {
	a := baseSnapshot()
	b := baseSnapshot()
	b.Assignees = b.Assignees[:2]

	cs := changes.Diff(a, b)
	assert.True(t, cs.RequiresQuotaRedistribution)
	assert.Equal(t, []string{"lead-1"}, cs.RemovedActors())
}

func TestSnapshotOf(t *testing.T) {
	item := domain.WorkItem{ID: "w1"}
	snap := changes.SnapshotOf(item, []domain.Assignment{
		{WorkItemID: "w1", Actor: domain.ActorRef{ID: "a", Role: domain.RoleAdmin}},
	})
	require.Len(t, snap.Assignees, 1)
	assert.Equal(t, "a", snap.Assignees[0].ID)
}
