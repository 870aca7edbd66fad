package status_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"crewline/internal/domain"
	"crewline/internal/status"
)

func TestRollupPrecedence(t *testing.T) {
	cases := []struct {
		name     string
		statuses []domain.AssignmentStatus
		want     domain.RollupStatus
	}{
		{"none", nil, domain.RollupNotApplicable},
		{"all completed", []domain.AssignmentStatus{domain.StatusCompleted, domain.StatusApproved}, domain.RollupCompleted},
		{"rejected with nothing active", []domain.AssignmentStatus{domain.StatusRejected, domain.StatusCompleted}, domain.RollupRejected},
		{"rejected while one pending", []domain.AssignmentStatus{domain.StatusRejected, domain.StatusPending}, domain.RollupPending},
		{"rejected while one in progress", []domain.AssignmentStatus{domain.StatusRejected, domain.StatusInProgress}, domain.RollupInProgress},
		{"completed beats pending", []domain.AssignmentStatus{domain.StatusCompleted, domain.StatusPending, domain.StatusPending}, domain.RollupInProgress},
		{"all pending", []domain.AssignmentStatus{domain.StatusPending, domain.StatusPending}, domain.RollupPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var records []domain.Assignment
			for i, st := range tc.statuses {
				records = append(records, record(string(rune('a'+i)), domain.RoleManager, st))
			}
			records = append(records, record("emp", domain.RoleEmployee, domain.StatusRejected))
			assert.Equal(t, tc.want, status.RollupFor(domain.RoleManager, records))
		})
	}
}

func TestAggregateViewAndStatistics(t *testing.T) {
	done := t0.Add(4 * time.Hour)
	approvedAt := t0.Add(8 * time.Hour)
	emp1 := record("emp-1", domain.RoleEmployee, domain.StatusCompleted)
	emp1.QuotaCompleted = 3
	emp1.CompletedAt = &done
	lead := record("lead-1", domain.RoleTeamLead, domain.StatusApproved)
	lead.CompletedAt = &approvedAt
	records := []domain.Assignment{
		emp1,
		record("emp-2", domain.RoleEmployee, domain.StatusPending),
		record("emp-3", domain.RoleEmployee, domain.StatusInProgress),
		lead,
		record("mgr-1", domain.RoleManager, domain.StatusRejected),
	}
	view, stats := status.Aggregate(domain.WorkItem{ID: "w1"}, records)

	assert.Equal(t, domain.SystemActive, view.System)
	assert.Equal(t, domain.RollupInProgress, view.Employee)
	assert.Equal(t, domain.RollupCompleted, view.TeamLead)
	assert.Equal(t, domain.RollupRejected, view.Manager)
	assert.Equal(t, domain.RollupNotApplicable, view.Admin)

	assert.Equal(t, 5, stats.TotalAssignees)
	assert.Equal(t, 2, stats.CompletedCount)
	assert.Equal(t, 1, stats.ApprovedCount)
	assert.Equal(t, 1, stats.PendingCount)
	assert.Equal(t, 1, stats.InProgressCount)
	assert.Equal(t, 1, stats.RejectedCount)
	assert.InDelta(t, 0.4, stats.CompletionRate, 1e-9)
	assert.InDelta(t, 6.0, stats.AverageCompletionTimeHours, 1e-9)
	assert.Equal(t, 15, stats.QuotaAssigned)
	assert.Equal(t, 3, stats.QuotaCompleted)
}

func TestAggregateEmptyAndDeleted(t *testing.T) {
	deletedAt := t0
	view, stats := status.Aggregate(domain.WorkItem{ID: "w1", DeletedAt: &deletedAt}, nil)
	assert.Equal(t, domain.SystemDeleted, view.System)
	assert.Zero(t, stats.TotalAssignees)
	assert.Zero(t, stats.CompletionRate)
	assert.Zero(t, stats.AverageCompletionTimeHours)
}

func TestCompletionRateBounds(t *testing.T) {
	all := []domain.AssignmentStatus{
		domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted, domain.StatusRejected, domain.StatusApproved,
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := rng.Intn(12)
		records := make([]domain.Assignment, 0, n)
		for j := 0; j < n; j++ {
			records = append(records, record(string(rune('a'+j)), domain.Roles[rng.Intn(len(domain.Roles))], all[rng.Intn(len(all))]))
		}
		_, stats := status.Aggregate(domain.WorkItem{ID: "w"}, records)
		assert.GreaterOrEqual(t, stats.CompletionRate, 0.0)
		assert.LessOrEqual(t, stats.CompletionRate, 1.0)
		if n == 0 {
			assert.Zero(t, stats.CompletionRate)
		}
	}
}
