package status

import (
	"crewline/internal/domain"
)

// Aggregate rolls a work item's records up into the per-role hierarchy
// view and completion statistics. It never fails: an item without records
// reports zero rates and not_applicable roles.
func Aggregate(item domain.WorkItem, records []domain.Assignment) (domain.StatusHierarchyView, domain.CompletionStatistics) {
	view := domain.StatusHierarchyView{
		System:   domain.SystemActive,
		Admin:    RollupFor(domain.RoleAdmin, records),
		Manager:  RollupFor(domain.RoleManager, records),
		TeamLead: RollupFor(domain.RoleTeamLead, records),
		Employee: RollupFor(domain.RoleEmployee, records),
	}
	if item.Deleted() {
		view.System = domain.SystemDeleted
	}
	return view, Statistics(records)
}

// RollupFor computes one role's hierarchy value. Rejected only wins when
// nothing is still active, and in_progress beats pending.
func RollupFor(role domain.Role, records []domain.Assignment) domain.RollupStatus {
	var total, done, rejected, active, started int
	for _, r := range records {
		if r.Actor.Role != role {
			continue
		}
		total++
		switch r.Status {
		case domain.StatusCompleted, domain.StatusApproved:
			done++
			started++
		case domain.StatusRejected:
			rejected++
		case domain.StatusInProgress:
			active++
			started++
		case domain.StatusPending:
			active++
		}
	}
	switch {
	case total == 0:
		return domain.RollupNotApplicable
	case done == total:
		return domain.RollupCompleted
	case rejected > 0 && active == 0:
		return domain.RollupRejected
	case started > 0:
		return domain.RollupInProgress
	default:
		return domain.RollupPending
	}
}

// Statistics counts statuses across every record regardless of role.
func Statistics(records []domain.Assignment) domain.CompletionStatistics {
	var s domain.CompletionStatistics
	var hours float64
	var finished int
	for _, r := range records {
		s.TotalAssignees++
		s.QuotaAssigned += r.QuotaAssigned
		s.QuotaCompleted += r.QuotaCompleted
		switch r.Status {
		case domain.StatusCompleted:
			s.CompletedCount++
		case domain.StatusApproved:
			s.CompletedCount++
			s.ApprovedCount++
		case domain.StatusPending:
			s.PendingCount++
		case domain.StatusInProgress:
			s.InProgressCount++
		case domain.StatusRejected:
			s.RejectedCount++
		}
		if r.CompletedAt != nil {
			hours += r.CompletedAt.Sub(r.AssignedAt).Hours()
			finished++
		}
	}
	if s.TotalAssignees > 0 {
		s.CompletionRate = float64(s.CompletedCount) / float64(s.TotalAssignees)
	}
	if finished > 0 {
		s.AverageCompletionTimeHours = hours / float64(finished)
	}
	return s
}
