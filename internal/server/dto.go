package server

import (
	"crewline/internal/domain"
	"crewline/internal/engine"
)

// Request payloads

type AssigneeRequest struct {
	ID   string      `json:"id"`
	Role domain.Role `json:"role,omitempty" enum:"employee,team_lead,manager,admin"`
}

type WorkItemRequest struct {
	Kind               domain.Kind       `json:"kind,omitempty" enum:"task,subtask"`
	ParentID           *string           `json:"parent_id,omitempty"`
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	Priority           domain.Priority   `json:"priority,omitempty" enum:"low,medium,high"`
	Schedule           domain.Schedule   `json:"schedule"`
	TotalQuotaRequired *int              `json:"total_quota_required,omitempty" minimum:"1"`
	Assignees          []AssigneeRequest `json:"assignees"`
}

type EditWorkItemRequest struct {
	WorkItemRequest
	ExpectedVersion *int `json:"expected_version,omitempty"`
}

type UpdateAssignmentRequest struct {
	Status         domain.AssignmentStatus `json:"status" enum:"pending,in_progress,completed,rejected,approved"`
	Feedback       *string                 `json:"feedback,omitempty"`
	Artifacts      []domain.ArtifactRef    `json:"artifacts,omitempty"`
	QuotaCompleted *int                    `json:"quota_completed,omitempty" minimum:"0"`
}

type ApproveAssignmentRequest struct {
	Feedback *string `json:"feedback,omitempty"`
}

type UpsertActorRequest struct {
	ID           string      `json:"id"`
	Role         domain.Role `json:"role" enum:"employee,team_lead,manager,admin"`
	DisplayName  string      `json:"display_name,omitempty"`
	Email        string      `json:"email,omitempty"`
	DepartmentID string      `json:"department_id,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Responses

type WorkItemResponse struct {
	domain.WorkItem
	Assignments []domain.Assignment `json:"assignments,omitempty"`
}

type AggregateResponse struct {
	WorkItem    domain.WorkItem             `json:"work_item"`
	Hierarchy   domain.StatusHierarchyView  `json:"hierarchy"`
	Statistics  domain.CompletionStatistics `json:"statistics"`
	Assignments []domain.Assignment         `json:"assignments"`
}

type MyAssignmentResponse struct {
	Assignment domain.Assignment `json:"assignment"`
	WorkItem   domain.WorkItem   `json:"work_item"`
}

type APIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

// APIKeyInfo describes a stored key without its hash.
type APIKeyInfo struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role,omitempty"`
	Source  string      `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedWorkItems struct {
	Items      []domain.WorkItem `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (r WorkItemRequest) input() engine.WorkItemInput {
	in := engine.WorkItemInput{
		Kind:               r.Kind,
		ParentID:           r.ParentID,
		Title:              r.Title,
		Description:        r.Description,
		Priority:           r.Priority,
		Schedule:           r.Schedule,
		TotalQuotaRequired: r.TotalQuotaRequired,
	}
	for _, a := range r.Assignees {
		in.Assignees = append(in.Assignees, domain.ActorRef{ID: a.ID, Role: a.Role})
	}
	return in
}

func workItemResponse(d engine.WorkItemDetail) WorkItemResponse {
	return WorkItemResponse{WorkItem: d.Item, Assignments: nonNilSlice(d.Assignments)}
}

func aggregateResponse(a engine.Aggregate) AggregateResponse {
	return AggregateResponse{
		WorkItem:    a.Item,
		Hierarchy:   a.View,
		Statistics:  a.Statistics,
		Assignments: nonNilSlice(a.Assignments),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
