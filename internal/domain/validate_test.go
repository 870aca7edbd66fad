package domain_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/domain"
)

func validItem() domain.WorkItem {
	return domain.WorkItem{
		Kind:     domain.KindTask,
		Title:    "Call back leads",
		Priority: domain.PriorityMedium,
		Schedule: domain.Schedule{StartDate: "2024-03-01", EndDate: "2024-03-02"},
	}
}

func problemFields(t *testing.T, err error) []string {
	t.Helper()
	var verr domain.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	var fields []string
	for _, p := range verr.Problems {
		fields = append(fields, p.Field)
	}
	return fields
}

func TestValidateAcceptsWellFormedItem(t *testing.T) {
	assert.NoError(t, domain.Validate(validItem(), []string{"emp-1"}))
}

func TestValidateRejectsEmptyTitleAndMissingAssignees(t *testing.T) {
	w := validItem()
	w.Title = "   "
	fields := problemFields(t, domain.Validate(w, nil))
	assert.Contains(t, fields, "title")
	assert.Contains(t, fields, "assignees")
}

func TestValidateScheduleOrdering(t *testing.T) {
	t.Run("same instant", func(t *testing.T) {
		w := validItem()
		w.Schedule = domain.Schedule{StartDate: "2024-03-01", EndDate: "2024-03-01", StartTime: "10:00", EndTime: "10:00"}
		assert.Contains(t, problemFields(t, domain.Validate(w, []string{"a"})), "schedule")
	})
	t.Run("end before start", func(t *testing.T) {
		w := validItem()
		w.Schedule = domain.Schedule{StartDate: "2024-03-02", EndDate: "2024-03-01"}
		assert.Contains(t, problemFields(t, domain.Validate(w, []string{"a"})), "schedule")
	})
	t.Run("same day later time", func(t *testing.T) {
		w := validItem()
		w.Schedule = domain.Schedule{StartDate: "2024-03-01", EndDate: "2024-03-01", StartTime: "09:00", EndTime: "09:30"}
		assert.NoError(t, domain.Validate(w, []string{"a"}))
	})
	t.Run("bad format", func(t *testing.T) {
		w := validItem()
		w.Schedule = domain.Schedule{StartDate: "03/01/2024", EndDate: "2024-03-01", EndTime: "25:00"}
		fields := problemFields(t, domain.Validate(w, []string{"a"}))
		assert.Contains(t, fields, "schedule.start_date")
		assert.Contains(t, fields, "schedule.end_time")
	})
}

func TestValidateQuotaMustBePositive(t *testing.T) {
	w := validItem()
	zero := 0
	w.TotalQuotaRequired = &zero
	assert.Contains(t, problemFields(t, domain.Validate(w, []string{"a"})), "total_quota_required")
}

func TestValidateSubtaskNeedsParent(t *testing.T) {
	w := validItem()
	w.Kind = domain.KindSubtask
	assert.Contains(t, problemFields(t, domain.Validate(w, []string{"a"})), "parent_id")
	parent := "task-1"
	w.ParentID = &parent
	assert.NoError(t, domain.Validate(w, []string{"a"}))
}

func TestHierarchyViewForRole(t *testing.T) {
	v := domain.StatusHierarchyView{
		System:   domain.SystemActive,
		Admin:    domain.RollupNotApplicable,
		Manager:  domain.RollupCompleted,
		TeamLead: domain.RollupInProgress,
		Employee: domain.RollupPending,
	}
	assert.Equal(t, domain.RollupNotApplicable, v.ForRole(domain.RoleAdmin))
	assert.Equal(t, domain.RollupCompleted, v.ForRole(domain.RoleManager))
	assert.Equal(t, domain.RollupInProgress, v.ForRole(domain.RoleTeamLead))
	assert.Equal(t, domain.RollupPending, v.ForRole(domain.RoleEmployee))
	assert.Equal(t, domain.RollupNotApplicable, v.ForRole(domain.Role("intern")))
}

func TestNotificationKinds(t *testing.T) {
	for _, k := range domain.NotificationKinds {
		assert.True(t, domain.KnownNotificationKind(k), k)
	}
	assert.False(t, domain.KnownNotificationKind("work_item.create"))
	assert.False(t, domain.KnownNotificationKind(""))
}
