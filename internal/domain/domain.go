package domain

import (
	"time"
)

type Role string

const (
	RoleEmployee Role = "employee"
	RoleTeamLead Role = "team_lead"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
)

// Roles lists every role from least to most authority.
var Roles = []Role{RoleEmployee, RoleTeamLead, RoleManager, RoleAdmin}

func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleTeamLead, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// Rank orders roles by authority; unknown roles rank lowest.
func (r Role) Rank() int {
	for i, known := range Roles {
		if known == r {
			return i + 1
		}
	}
	return 0
}

// Outranks reports whether r has strictly more authority than other.
func (r Role) Outranks(other Role) bool {
	return r.Rank() > other.Rank()
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Kind string

const (
	KindTask    Kind = "task"
	KindSubtask Kind = "subtask"
)

type AssignmentStatus string

const (
	StatusPending    AssignmentStatus = "pending"
	StatusInProgress AssignmentStatus = "in_progress"
	StatusCompleted  AssignmentStatus = "completed"
	StatusRejected   AssignmentStatus = "rejected"
	StatusApproved   AssignmentStatus = "approved"
)

func (s AssignmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusRejected, StatusApproved:
		return true
	}
	return false
}

// Done reports whether the status counts toward completion.
func (s AssignmentStatus) Done() bool {
	return s == StatusCompleted || s == StatusApproved
}

// ActorRef is an immutable reference to an identity owned by the directory.
type ActorRef struct {
	ID           string `json:"id"`
	Role         Role   `json:"role" enum:"employee,team_lead,manager,admin"`
	DisplayName  string `json:"display_name,omitempty"`
	Email        string `json:"email,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
}

type Schedule struct {
	StartDate string `json:"start_date" example:"2024-03-01"`
	EndDate   string `json:"end_date" example:"2024-03-08"`
	StartTime string `json:"start_time,omitempty" example:"09:00"`
	EndTime   string `json:"end_time,omitempty" example:"17:30"`
}

type WorkItem struct {
	ID                 string     `json:"id"`
	Kind               Kind       `json:"kind" enum:"task,subtask"`
	ParentID           *string    `json:"parent_id,omitempty"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Priority           Priority   `json:"priority" enum:"low,medium,high"`
	Schedule           Schedule   `json:"schedule"`
	TotalQuotaRequired *int       `json:"total_quota_required,omitempty"`
	CreatedBy          ActorRef   `json:"created_by"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Version            int        `json:"version"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
}

func (w WorkItem) Deleted() bool { return w.DeletedAt != nil }

type ArtifactRef struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Assignment is one actor's progress record against a work item.
type Assignment struct {
	WorkItemID         string           `json:"work_item_id"`
	Actor              ActorRef         `json:"actor"`
	QuotaAssigned      int              `json:"quota_assigned"`
	QuotaCompleted     int              `json:"quota_completed"`
	Status             AssignmentStatus `json:"status" enum:"pending,in_progress,completed,rejected,approved"`
	Feedback           string           `json:"feedback,omitempty"`
	SubmittedArtifacts []ArtifactRef    `json:"submitted_artifacts"`
	AssignedAt         time.Time        `json:"assigned_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	Version            int              `json:"version"`
}

type RollupStatus string

const (
	RollupNotApplicable RollupStatus = "not_applicable"
	RollupPending       RollupStatus = "pending"
	RollupInProgress    RollupStatus = "in_progress"
	RollupCompleted     RollupStatus = "completed"
	RollupRejected      RollupStatus = "rejected"
)

const (
	SystemActive  = "active"
	SystemDeleted = "deleted"
)

// StatusHierarchyView is derived per request and never stored.
type StatusHierarchyView struct {
	System   string       `json:"system" enum:"active,deleted"`
	Admin    RollupStatus `json:"admin"`
	Manager  RollupStatus `json:"manager"`
	TeamLead RollupStatus `json:"team_lead"`
	Employee RollupStatus `json:"employee"`
}

// ForRole returns the rollup value for r.
func (v StatusHierarchyView) ForRole(r Role) RollupStatus {
	switch r {
	case RoleAdmin:
		return v.Admin
	case RoleManager:
		return v.Manager
	case RoleTeamLead:
		return v.TeamLead
	case RoleEmployee:
		return v.Employee
	}
	return RollupNotApplicable
}

type CompletionStatistics struct {
	TotalAssignees             int     `json:"total_assignees"`
	CompletedCount             int     `json:"completed_count"`
	PendingCount               int     `json:"pending_count"`
	InProgressCount            int     `json:"in_progress_count"`
	RejectedCount              int     `json:"rejected_count"`
	ApprovedCount              int     `json:"approved_count"`
	CompletionRate             float64 `json:"completion_rate"`
	AverageCompletionTimeHours float64 `json:"average_completion_time_hours"`
	QuotaAssigned              int     `json:"quota_assigned"`
	QuotaCompleted             int     `json:"quota_completed"`
}

// Notification kinds as seen by sinks and webhook filters.
const (
	NotifyWorkItemCreated    = "work_item.created"
	NotifyWorkItemUpdated    = "work_item.updated"
	NotifyWorkItemDeleted    = "work_item.deleted"
	NotifyWorkItemUnassigned = "work_item.unassigned"
	NotifyAssignmentStatus   = "assignment.status_changed"
	NotifyAssignmentFeedback = "assignment.feedback_submitted"
)

var NotificationKinds = []string{
	NotifyWorkItemCreated,
	NotifyWorkItemUpdated,
	NotifyWorkItemDeleted,
	NotifyWorkItemUnassigned,
	NotifyAssignmentStatus,
	NotifyAssignmentFeedback,
}

func KnownNotificationKind(kind string) bool {
	for _, k := range NotificationKinds {
		if k == kind {
			return true
		}
	}
	return false
}

type NotificationIntent struct {
	ID         string         `json:"id"`
	DedupKey   string         `json:"dedup_key"`
	Recipient  ActorRef       `json:"recipient"`
	Kind       string         `json:"kind"`
	WorkItemID string         `json:"work_item_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Notification is an outbox row tracking delivery of one intent.
type Notification struct {
	NotificationIntent
	Status        string     `json:"status" enum:"pending,delivered,failed"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
