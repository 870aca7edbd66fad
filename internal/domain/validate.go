package domain

import (
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	defaultStartTime = "00:00"
	defaultEndTime   = "23:59"
)

// Normalize fills default times.
func (s Schedule) Normalize() Schedule {
	s.StartDate = strings.TrimSpace(s.StartDate)
	s.EndDate = strings.TrimSpace(s.EndDate)
	s.StartTime = strings.TrimSpace(s.StartTime)
	s.EndTime = strings.TrimSpace(s.EndTime)
	if s.StartTime == "" {
		s.StartTime = defaultStartTime
	}
	if s.EndTime == "" {
		s.EndTime = defaultEndTime
	}
	return s
}

// Bounds parses the schedule into UTC instants.
func (s Schedule) Bounds() (time.Time, time.Time, error) {
	s = s.Normalize()
	start, err := time.Parse(DateLayout+" "+TimeLayout, s.StartDate+" "+s.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := time.Parse(DateLayout+" "+TimeLayout, s.EndDate+" "+s.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// Validate checks a work item before it is persisted. assigneeIDs are the
// intended assignees; an item without any is rejected.
func Validate(w WorkItem, assigneeIDs []string) error {
	var verr ValidationError
	if strings.TrimSpace(w.Title) == "" {
		verr.Add("title", "must not be empty")
	}
	switch w.Kind {
	case KindTask:
		if w.ParentID != nil {
			verr.Add("parent_id", "only subtasks have a parent")
		}
	case KindSubtask:
		if w.ParentID == nil || strings.TrimSpace(*w.ParentID) == "" {
			verr.Add("parent_id", "required for subtasks")
		}
	default:
		verr.Add("kind", "must be task or subtask")
	}
	if !w.Priority.Valid() {
		verr.Add("priority", "must be low, medium or high")
	}
	validateSchedule(w.Schedule, &verr)
	if w.TotalQuotaRequired != nil && *w.TotalQuotaRequired <= 0 {
		verr.Add("total_quota_required", "must be greater than zero when set")
	}
	hasAssignee := false
	for _, id := range assigneeIDs {
		if strings.TrimSpace(id) != "" {
			hasAssignee = true
			break
		}
	}
	if !hasAssignee {
		verr.Add("assignees", "at least one assignee is required")
	}
	return verr.Err()
}

func validateSchedule(s Schedule, verr *ValidationError) {
	s = s.Normalize()
	ok := true
	if _, err := time.Parse(DateLayout, s.StartDate); err != nil {
		verr.Add("schedule.start_date", "must be YYYY-MM-DD")
		ok = false
	}
	if _, err := time.Parse(DateLayout, s.EndDate); err != nil {
		verr.Add("schedule.end_date", "must be YYYY-MM-DD")
		ok = false
	}
	if _, err := time.Parse(TimeLayout, s.StartTime); err != nil {
		verr.Add("schedule.start_time", "must be HH:MM")
		ok = false
	}
	if _, err := time.Parse(TimeLayout, s.EndTime); err != nil {
		verr.Add("schedule.end_time", "must be HH:MM")
		ok = false
	}
	if !ok {
		return
	}
	start, end, err := s.Bounds()
	if err != nil {
		verr.Add("schedule", err.Error())
		return
	}
	if !end.After(start) {
		verr.Add("schedule", "end must be strictly after start")
	}
}
