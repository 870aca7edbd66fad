package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	crewlinesdk "crewline/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// sdk returns a client acting as actorID through the legacy header.
func (s *testServer) sdk(actorID string) *crewlinesdk.Client {
	c := crewlinesdk.New(s.URL)
	c.ActorID = actorID
	return c
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("crewline"))
	e.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, a := range []domain.ActorRef{
		{ID: "root", Role: domain.RoleAdmin},
		{ID: "mona", Role: domain.RoleManager},
		{ID: "lee", Role: domain.RoleTeamLead},
		{ID: "eve", Role: domain.RoleEmployee},
		{ID: "ed", Role: domain.RoleEmployee},
	} {
		if _, err := e.UpsertActor(ctx, "root", a); err != nil {
			t.Fatalf("seed actor %s: %v", a.ID, err)
		}
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
		DevLogin:               true,
		Logger:                 e.Log,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func workItemBody(assignees ...string) map[string]any {
	refs := make([]map[string]any, 0, len(assignees))
	for _, id := range assignees {
		refs = append(refs, map[string]any{"id": id})
	}
	return map[string]any{
		"title":                "Inventory count",
		"priority":             "high",
		"schedule":             map[string]any{"start_date": "2024-03-01", "end_date": "2024-03-08"},
		"total_quota_required": 10,
		"assignees":            refs,
	}
}

func expectCode(t *testing.T, res *http.Response, body []byte, status int, code string) {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected %d, got %d: %s", status, res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(body))
	}
	if envelope.Error.Code != code {
		t.Fatalf("expected code %s, got %s", code, envelope.Error.Code)
	}
}

func TestWorkItemLifecycleThroughSDK(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	item, err := srv.sdk("mona").CreateWorkItem(ctx, crewlinesdk.WorkItemInput{
		Title:              "Inventory count",
		Schedule:           crewlinesdk.Schedule{StartDate: "2024-03-01", EndDate: "2024-03-08"},
		TotalQuotaRequired: intPtr(10),
		Assignees:          []crewlinesdk.ActorRef{{ID: "eve"}, {ID: "ed"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(item.Assignments) != 2 || item.Assignments[0].QuotaAssigned != 5 {
		t.Fatalf("unexpected assignments %+v", item.Assignments)
	}

	eve := srv.sdk("eve")
	if _, err := eve.UpdateAssignment(ctx, item.ID, "eve", crewlinesdk.StatusUpdate{Status: "in_progress"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eve.UpdateAssignment(ctx, item.ID, "eve", crewlinesdk.StatusUpdate{Status: "completed", QuotaCompleted: intPtr(5)}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	approved, err := srv.sdk("lee").ApproveAssignment(ctx, item.ID, "eve", nil)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != "approved" {
		t.Fatalf("expected approved, got %s", approved.Status)
	}

	agg, err := srv.sdk("mona").Aggregate(ctx, item.ID)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.Hierarchy.Employee != "in_progress" || agg.Statistics.CompletedCount != 1 || agg.Statistics.ApprovedCount != 1 {
		t.Fatalf("unexpected aggregate %+v", agg)
	}
	if agg.Statistics.CompletionRate != 0.5 {
		t.Fatalf("completion rate = %v", agg.Statistics.CompletionRate)
	}

	mine, err := srv.sdk("ed").MyAssignments(ctx, "pending")
	if err != nil {
		t.Fatalf("my assignments: %v", err)
	}
	if len(mine) != 1 || mine[0].WorkItem.ID != item.ID {
		t.Fatalf("unexpected my assignments %+v", mine)
	}

	if err := srv.sdk("mona").DeleteWorkItem(ctx, item.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	agg, err = srv.sdk("mona").Aggregate(ctx, item.ID)
	if err != nil {
		t.Fatalf("aggregate after delete: %v", err)
	}
	if agg.Hierarchy.System != "deleted" {
		t.Fatalf("expected deleted system status, got %s", agg.Hierarchy.System)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1"

	res, data := doJSON(t, client, http.MethodPost, base+"/work-items", workItemBody("eve"), as("mona"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created WorkItemResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode work item: %v", err)
	}
	itemURL := base + "/work-items/" + created.ID

	res, data = doJSON(t, client, http.MethodPost, base+"/work-items", workItemBody("eve"), nil)
	expectCode(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, client, http.MethodPost, base+"/work-items", workItemBody("eve"), as("eve"))
	expectCode(t, res, data, http.StatusForbidden, "forbidden")

	bad := workItemBody("eve")
	bad["schedule"] = map[string]any{"start_date": "2024-03-08", "end_date": "2024-03-01"}
	res, data = doJSON(t, client, http.MethodPost, base+"/work-items", bad, as("mona"))
	expectCode(t, res, data, http.StatusBadRequest, "validation_failed")

	res, data = doJSON(t, client, http.MethodPut, itemURL, workItemBody("eve"), as("mona"))
	expectCode(t, res, data, http.StatusConflict, "conflict")

	res, data = doJSON(t, client, http.MethodPatch, itemURL+"/assignments/eve", map[string]any{"status": "in_progress"}, as("mona"))
	expectCode(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPatch, itemURL+"/assignments/eve", map[string]any{"status": "completed"}, as("eve"))
	expectCode(t, res, data, http.StatusUnprocessableEntity, "invalid_transition")

	res, data = doJSON(t, client, http.MethodGet, base+"/work-items/missing", nil, as("mona"))
	expectCode(t, res, data, http.StatusNotFound, "not_found")
}

func TestStaleEditIsRetryableConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	mona := srv.sdk("mona")
	item, err := mona.CreateWorkItem(ctx, crewlinesdk.WorkItemInput{
		Title:     "Audit",
		Schedule:  crewlinesdk.Schedule{StartDate: "2024-03-01", EndDate: "2024-03-02"},
		Assignees: []crewlinesdk.ActorRef{{ID: "eve"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = mona.EditWorkItem(ctx, item.ID, crewlinesdk.WorkItemInput{
		Title:           "Audit v2",
		Schedule:        item.Schedule,
		Assignees:       []crewlinesdk.ActorRef{{ID: "eve"}},
		ExpectedVersion: intPtr(item.Version + 1),
	})
	var apiErr *crewlinesdk.APIError
	if !errors.As(err, &apiErr) || !apiErr.Retryable() {
		t.Fatalf("expected retryable conflict, got %v", err)
	}
}

func TestDevLoginAndAPIKeys(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	c := crewlinesdk.New(srv.URL)
	if _, err := c.DevLogin(ctx, "nobody"); err == nil {
		t.Fatalf("expected dev login for unknown actor to fail")
	}
	if _, err := c.DevLogin(ctx, "lee"); err != nil {
		t.Fatalf("dev login: %v", err)
	}
	key, err := c.CreateAPIKey(ctx, "", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if key.ActorID != "lee" || !strings.HasPrefix(key.Key, "crew_") {
		t.Fatalf("unexpected key %+v", key)
	}

	keyed := crewlinesdk.New(srv.URL)
	keyed.APIKey = key.Key
	actors, err := keyed.ListActors(ctx)
	if err != nil {
		t.Fatalf("list actors with key: %v", err)
	}
	if len(actors) != 5 {
		t.Fatalf("expected 5 actors, got %d", len(actors))
	}
	if _, err := keyed.UpsertActor(ctx, crewlinesdk.ActorRef{ID: "new", Role: "employee"}); err == nil {
		t.Fatalf("team lead must not administer the directory")
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "crew_bogus"})
	expectCode(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}

func TestAPIKeyRevocation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	lee := srv.sdk("lee")
	key, err := lee.CreateAPIKey(ctx, "", "laptop")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	keyed := crewlinesdk.New(srv.URL)
	keyed.APIKey = key.Key
	if _, err := keyed.ListActors(ctx); err != nil {
		t.Fatalf("key should authenticate: %v", err)
	}

	keys, err := lee.ListAPIKeys(ctx, "")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != key.ID || keys[0].Key != "" || keys[0].CreatedAt == "" {
		t.Fatalf("unexpected keys %+v", keys)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/api-keys", nil, as("lee"))
	if res.StatusCode != http.StatusOK || strings.Contains(string(data), "key_hash") {
		t.Fatalf("list must not expose hashes: %d %s", res.StatusCode, string(data))
	}

	eve := srv.sdk("eve")
	var apiErr *crewlinesdk.APIError
	if _, err := eve.ListAPIKeys(ctx, "lee"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 listing another actor's keys, got %v", err)
	}
	if err := eve.RevokeAPIKey(ctx, key.ID); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 revoking another actor's key, got %v", err)
	}
	all, err := srv.sdk("root").ListAPIKeys(ctx, "lee")
	if err != nil || len(all) != 1 {
		t.Fatalf("admin list: %v %+v", err, all)
	}

	if err := lee.RevokeAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := keyed.ListActors(ctx); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key still authenticates: %v", err)
	}
	if err := lee.RevokeAPIKey(ctx, key.ID); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a revoked key, got %v", err)
	}
}

func TestNotificationsScopedToCaller(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1"
	res, data := doJSON(t, client, http.MethodPost, base+"/work-items", workItemBody("eve", "ed"), as("mona"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/notifications", nil, as("eve"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var mine []domain.Notification
	if err := json.Unmarshal(data, &mine); err != nil {
		t.Fatalf("decode notifications: %v", err)
	}
	if len(mine) != 1 || mine[0].Recipient.ID != "eve" || mine[0].Kind != "work_item.created" {
		t.Fatalf("unexpected notifications %+v", mine)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/notifications?recipient_id=ed", nil, as("eve"))
	expectCode(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodGet, base+"/notifications", nil, as("root"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin list status %d: %s", res.StatusCode, string(data))
	}
	var all []domain.Notification
	_ = json.Unmarshal(data, &all)
	if len(all) != 3 {
		t.Fatalf("admin expected 3 notifications, got %d", len(all))
	}
}

func TestWorkItemPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	mona := srv.sdk("mona")
	for i := 0; i < 5; i++ {
		if _, err := mona.CreateWorkItem(ctx, crewlinesdk.WorkItemInput{
			Title:     "Batch",
			Schedule:  crewlinesdk.Schedule{StartDate: "2024-03-01", EndDate: "2024-03-02"},
			Assignees: []crewlinesdk.ActorRef{{ID: "eve"}},
		}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	seen := map[string]bool{}
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		page, err := mona.ListWorkItems(ctx, 2, cursor)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, w := range page.Items {
			if seen[w.ID] {
				t.Fatalf("item %s returned twice", w.ID)
			}
			seen[w.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 items across pages, got %d", len(seen))
	}
}

func TestPublicEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for _, path := range []string{"/v1/health", "/v1/openapi.json", "/docs", "/metrics"} {
		res, data := doJSON(t, client, http.MethodGet, srv.URL+path, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", path, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "crewline_") {
		t.Fatalf("metrics missing crewline series: %s", string(data))
	}
}

func intPtr(v int) *int { return &v }

func TestInternalErrorsHideDetails(t *testing.T) {
	err := handleError(errors.New("sqlite: database disk image is malformed"))
	apiErr, ok := err.(*apiError)
	if !ok {
		t.Fatalf("unexpected error type %T", err)
	}
	if apiErr.GetStatus() != http.StatusInternalServerError || apiErr.Body.Code != "internal_error" {
		t.Fatalf("unexpected mapping %+v", apiErr)
	}
	body, _ := json.Marshal(apiErr)
	if strings.Contains(string(body), "malformed") || apiErr.Body.Details != nil {
		t.Fatalf("internal error text leaked: %s", body)
	}
}
