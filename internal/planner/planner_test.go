package planner_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/domain"
	"crewline/internal/planner"
)

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func employees(ids ...string) []domain.ActorRef {
	out := make([]domain.ActorRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.ActorRef{ID: id, Role: domain.RoleEmployee})
	}
	return out
}

func intPtr(v int) *int { return &v }

func TestPlanQuotaCeiling(t *testing.T) {
	item := domain.WorkItem{ID: "w1"}
	for total := 0; total <= 25; total++ {
		for n := 1; n <= 7; n++ {
			ids := make([]string, n)
			for i := range ids {
				ids[i] = string(rune('a' + i))
			}
			records, err := planner.Plan(item, employees(ids...), intPtr(total), now)
			require.NoError(t, err)
			require.Len(t, records, n)
			want := (total + n - 1) / n
			sum := 0
			for _, r := range records {
				assert.Equal(t, want, r.QuotaAssigned, "total=%d n=%d", total, n)
				sum += r.QuotaAssigned
			}
			assert.GreaterOrEqual(t, sum, total)
		}
	}
}

func TestPlanTenAcrossThree(t *testing.T) {
	records, err := planner.Plan(domain.WorkItem{ID: "w1"}, employees("a", "b", "c"), intPtr(10), now)
	require.NoError(t, err)
	for _, r := range records {
		assert.Equal(t, 4, r.QuotaAssigned)
		assert.Equal(t, domain.StatusPending, r.Status)
		assert.Equal(t, "w1", r.WorkItemID)
		assert.Equal(t, now, r.AssignedAt)
	}
}

func TestPlanWithoutQuota(t *testing.T) {
	records, err := planner.Plan(domain.WorkItem{ID: "w1"}, employees("a", "b"), nil, now)
	require.NoError(t, err)
	for _, r := range records {
		assert.Zero(t, r.QuotaAssigned)
	}
}

func TestPlanDeduplicatesLastWins(t *testing.T) {
	requested := []domain.ActorRef{
		{ID: "a", Role: domain.RoleEmployee, DisplayName: "old"},
		{ID: "b", Role: domain.RoleManager},
		{ID: "a", Role: domain.RoleTeamLead, DisplayName: "new"},
	}
	records, err := planner.Plan(domain.WorkItem{ID: "w1"}, requested, intPtr(9), now)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].Actor.ID)
	assert.Equal(t, domain.RoleTeamLead, records[0].Actor.Role)
	assert.Equal(t, "new", records[0].Actor.DisplayName)
	assert.Equal(t, 5, records[0].QuotaAssigned)
}

func TestPlanRejectsEmptyRequest(t *testing.T) {
	_, err := planner.Plan(domain.WorkItem{ID: "w1"}, nil, nil, now)
	var verr domain.ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestMergePreservesProgress(t *testing.T) {
	item := domain.WorkItem{ID: "w1"}
	completedAt := now.Add(2 * time.Hour)
	existing := []domain.Assignment{
		{
			WorkItemID: "w1", Actor: domain.ActorRef{ID: "a", Role: domain.RoleEmployee},
			QuotaAssigned: 10, QuotaCompleted: 5, Status: domain.StatusInProgress,
			Feedback:           "halfway",
			SubmittedArtifacts: []domain.ArtifactRef{{URL: "https://files/a.pdf", Name: "a.pdf"}},
			AssignedAt:         now, UpdatedAt: now, Version: 4,
		},
		{
			WorkItemID: "w1", Actor: domain.ActorRef{ID: "b", Role: domain.RoleEmployee},
			QuotaAssigned: 10, QuotaCompleted: 10, Status: domain.StatusCompleted,
			AssignedAt: now, UpdatedAt: completedAt, CompletedAt: &completedAt, Version: 3,
		},
		{
			WorkItemID: "w1", Actor: domain.ActorRef{ID: "c", Role: domain.RoleEmployee},
			Status: domain.StatusPending, AssignedAt: now, UpdatedAt: now, Version: 1,
		},
	}
	later := now.Add(24 * time.Hour)
	plan, err := planner.Merge(item, existing, employees("a", "b", "d"), intPtr(12), later)
	require.NoError(t, err)

	require.Len(t, plan.Keep, 2)
	a := plan.Keep[0]
	assert.Equal(t, domain.StatusInProgress, a.Status)
	assert.Equal(t, 5, a.QuotaCompleted)
	assert.Equal(t, "halfway", a.Feedback)
	assert.Len(t, a.SubmittedArtifacts, 1)
	assert.Equal(t, now, a.AssignedAt)
	assert.Equal(t, 4, a.Version)
	assert.Equal(t, 4, a.QuotaAssigned)

	b := plan.Keep[1]
	assert.Equal(t, domain.StatusCompleted, b.Status)
	assert.Equal(t, 10, b.QuotaCompleted)
	assert.Equal(t, 10, b.QuotaAssigned, "quota never drops below completed work")
	require.NotNil(t, b.CompletedAt)
	assert.Equal(t, completedAt, *b.CompletedAt)

	require.Len(t, plan.Add, 1)
	assert.Equal(t, "d", plan.Add[0].Actor.ID)
	assert.Equal(t, domain.StatusPending, plan.Add[0].Status)
	assert.Equal(t, 4, plan.Add[0].QuotaAssigned)
	assert.Equal(t, later, plan.Add[0].AssignedAt)

	require.Len(t, plan.Remove, 1)
	assert.Equal(t, "c", plan.Remove[0].Actor.ID)
	assert.Len(t, plan.Records(), 3)
}
