package crewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal Crewline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set; servers
	// only honor it in development mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// ConflictRetries bounds retries of writes refused with a retryable 409.
	ConflictRetries uint64
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:         baseURL,
		BasePath:        "/v1",
		Timeout:         10 * time.Second,
		ConflictRetries: 3,
	}
}

type ActorRef struct {
	ID           string `json:"id"`
	Role         string `json:"role,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Email        string `json:"email,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
}

type Schedule struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
}

type ArtifactRef struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// WorkItemInput is the body of create and edit requests.
type WorkItemInput struct {
	Kind               string     `json:"kind,omitempty"`
	ParentID           *string    `json:"parent_id,omitempty"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Priority           string     `json:"priority,omitempty"`
	Schedule           Schedule   `json:"schedule"`
	TotalQuotaRequired *int       `json:"total_quota_required,omitempty"`
	Assignees          []ActorRef `json:"assignees"`
	ExpectedVersion    *int       `json:"expected_version,omitempty"`
}

type Assignment struct {
	WorkItemID         string        `json:"work_item_id"`
	Actor              ActorRef      `json:"actor"`
	QuotaAssigned      int           `json:"quota_assigned"`
	QuotaCompleted     int           `json:"quota_completed"`
	Status             string        `json:"status"`
	Feedback           string        `json:"feedback,omitempty"`
	SubmittedArtifacts []ArtifactRef `json:"submitted_artifacts"`
	AssignedAt         time.Time     `json:"assigned_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	Version            int           `json:"version"`
}

type WorkItem struct {
	ID                 string       `json:"id"`
	Kind               string       `json:"kind"`
	ParentID           *string      `json:"parent_id,omitempty"`
	Title              string       `json:"title"`
	Description        string       `json:"description,omitempty"`
	Priority           string       `json:"priority"`
	Schedule           Schedule     `json:"schedule"`
	TotalQuotaRequired *int         `json:"total_quota_required,omitempty"`
	CreatedBy          ActorRef     `json:"created_by"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	Version            int          `json:"version"`
	DeletedAt          *time.Time   `json:"deleted_at,omitempty"`
	Assignments        []Assignment `json:"assignments,omitempty"`
}

type StatusUpdate struct {
	Status         string        `json:"status"`
	Feedback       *string       `json:"feedback,omitempty"`
	Artifacts      []ArtifactRef `json:"artifacts,omitempty"`
	QuotaCompleted *int          `json:"quota_completed,omitempty"`
}

type Hierarchy struct {
	System   string `json:"system"`
	Admin    string `json:"admin"`
	Manager  string `json:"manager"`
	TeamLead string `json:"team_lead"`
	Employee string `json:"employee"`
}

type Statistics struct {
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

type Aggregate struct {
	WorkItem    WorkItem     `json:"work_item"`
	Hierarchy   Hierarchy    `json:"hierarchy"`
	Statistics  Statistics   `json:"statistics"`
	Assignments []Assignment `json:"assignments"`
}

type MyAssignment struct {
	Assignment Assignment `json:"assignment"`
	WorkItem   WorkItem   `json:"work_item"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PaginatedWorkItems struct {
	Items      []WorkItem `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// APIKey is returned by CreateAPIKey (with Key set) and ListAPIKeys
// (with CreatedAt set).
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the server marked a conflict as worth retrying.
func (e *APIError) Retryable() bool {
	if e.StatusCode != http.StatusConflict {
		return false
	}
	v, _ := e.Details["retryable"].(bool)
	return v
}

func (c *Client) CreateWorkItem(ctx context.Context, in WorkItemInput) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "work-items", in, &resp)
	return resp, err
}

func (c *Client) EditWorkItem(ctx context.Context, id string, in WorkItemInput) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPut, "work-items/"+url.PathEscape(id), in, &resp)
	return resp, err
}

func (c *Client) DeleteWorkItem(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "work-items/"+url.PathEscape(id), nil, nil)
}

func (c *Client) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "work-items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListWorkItems pages through work items newest first.
func (c *Client) ListWorkItems(ctx context.Context, limit int, cursor string) (PaginatedWorkItems, error) {
	var resp PaginatedWorkItems
	err := c.do(ctx, http.MethodGet, withQuery("work-items", limit, cursor), nil, &resp)
	return resp, err
}

func (c *Client) Aggregate(ctx context.Context, id string) (Aggregate, error) {
	var resp Aggregate
	err := c.do(ctx, http.MethodGet, "work-items/"+url.PathEscape(id)+"/aggregate", nil, &resp)
	return resp, err
}

// UpdateAssignment reports progress on actorID's record. Retryable
// conflicts are retried with exponential backoff.
func (c *Client) UpdateAssignment(ctx context.Context, workItemID, actorID string, u StatusUpdate) (Assignment, error) {
	var resp Assignment
	endpoint := fmt.Sprintf("work-items/%s/assignments/%s", url.PathEscape(workItemID), url.PathEscape(actorID))
	err := c.retryConflicts(ctx, func() error {
		return c.do(ctx, http.MethodPatch, endpoint, u, &resp)
	})
	return resp, err
}

func (c *Client) ApproveAssignment(ctx context.Context, workItemID, actorID string, feedback *string) (Assignment, error) {
	var resp Assignment
	endpoint := fmt.Sprintf("work-items/%s/assignments/%s/approve", url.PathEscape(workItemID), url.PathEscape(actorID))
	err := c.retryConflicts(ctx, func() error {
		return c.do(ctx, http.MethodPost, endpoint, struct {
			Feedback *string `json:"feedback,omitempty"`
		}{feedback}, &resp)
	})
	return resp, err
}

func (c *Client) MyAssignments(ctx context.Context, status string) ([]MyAssignment, error) {
	endpoint := "me/assignments"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []MyAssignment
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) UpsertActor(ctx context.Context, a ActorRef) (ActorRef, error) {
	var resp ActorRef
	err := c.do(ctx, http.MethodPost, "actors", a, &resp)
	return resp, err
}

func (c *Client) ListActors(ctx context.Context) ([]ActorRef, error) {
	var resp []ActorRef
	err := c.do(ctx, http.MethodGet, "actors", nil, &resp)
	return resp, err
}

func (c *Client) CreateAPIKey(ctx context.Context, actorID, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, "api-keys", map[string]string{"actor_id": actorID, "name": name}, &resp)
	return resp, err
}

// ListAPIKeys lists actorID's keys; empty means the caller's own.
func (c *Client) ListAPIKeys(ctx context.Context, actorID string) ([]APIKey, error) {
	endpoint := "api-keys"
	if actorID != "" {
		endpoint += "?actor_id=" + url.QueryEscape(actorID)
	}
	var resp []APIKey
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) RevokeAPIKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "api-keys/"+url.PathEscape(id), nil, nil)
}

// DevLogin exchanges an actor id for a development JWT and stores it on
// the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]string{"actor_id": actorID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", limit, cursor), nil, &resp)
	return resp, err
}

func (c *Client) retryConflicts(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.ConflictRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
}

func withQuery(endpoint string, limit int, cursor string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
