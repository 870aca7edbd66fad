package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/notify"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu   sync.Mutex
	rows map[string]*domain.Notification
}

func newMemStore(ns ...domain.Notification) *memStore {
	s := &memStore{rows: map[string]*domain.Notification{}}
	for i := range ns {
		n := ns[i]
		n.Status = notify.StatusPending
		n.NextAttemptAt = now
		s.rows[n.ID] = &n
	}
	return s
}

func (s *memStore) DueNotifications(_ context.Context, at time.Time, limit int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Notification
	for _, n := range s.rows {
		if n.Status == notify.StatusPending && !n.NextAttemptAt.After(at) && len(out) < limit {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (s *memStore) MarkNotificationDelivered(_ context.Context, id string, attempts int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.rows[id]
	n.Status, n.Attempts, n.DeliveredAt = notify.StatusDelivered, attempts, &at
	return nil
}

func (s *memStore) MarkNotificationRetry(_ context.Context, id string, attempts int, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.rows[id]
	n.Attempts, n.NextAttemptAt, n.LastError = attempts, next, lastErr
	return nil
}

func (s *memStore) MarkNotificationFailed(_ context.Context, id string, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.rows[id]
	n.Status, n.Attempts, n.LastError = notify.StatusFailed, attempts, lastErr
	return nil
}

type flakySink struct {
	failures int
	calls    int
}

func (f *flakySink) Name() string        { return "flaky" }
func (f *flakySink) Accepts(string) bool { return true }
func (f *flakySink) Deliver(context.Context, domain.Notification) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("unavailable")
	}
	return nil
}

func sampleNotification(id string) domain.Notification {
	return domain.Notification{NotificationIntent: domain.NotificationIntent{
		ID:         id,
		DedupKey:   "1:" + id,
		Recipient:  domain.ActorRef{ID: "emp-1", Role: domain.RoleEmployee},
		Kind:       notify.KindCreated,
		WorkItemID: "w1",
		Payload:    map[string]any{"title": "Audit"},
	}}
}

func TestDispatcherRetriesThenDelivers(t *testing.T) {
	store := newMemStore(sampleNotification("n1"))
	sink := &flakySink{failures: 1}
	clock := now
	d := &notify.Dispatcher{
		Store:   store,
		Sinks:   []notify.Sink{sink},
		Now:     func() time.Time { return clock },
		Backoff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Minute) },
	}

	delivered, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, delivered)
	row := store.rows["n1"]
	assert.Equal(t, notify.StatusPending, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.Equal(t, now.Add(time.Minute), row.NextAttemptAt)
	assert.Equal(t, "unavailable", row.LastError)

	// not due yet
	delivered, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, 1, sink.calls)

	clock = now.Add(2 * time.Minute)
	delivered, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, notify.StatusDelivered, row.Status)
	assert.Equal(t, 2, row.Attempts)
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	store := newMemStore(sampleNotification("n1"))
	d := &notify.Dispatcher{
		Store:       store,
		Sinks:       []notify.Sink{&flakySink{failures: 100}},
		MaxAttempts: 2,
		Now:         func() time.Time { return now.Add(time.Hour) },
		Backoff:     func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
	for i := 0; i < 3; i++ {
		_, err := d.DispatchOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, notify.StatusFailed, store.rows["n1"].Status)
	assert.Equal(t, 2, store.rows["n1"].Attempts)
}

func TestWebhookSinkPostsWithHeaders(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := notify.NewWebhookSink(config.WebhookConfig{URL: srv.URL, Secret: "s3cret", Events: []string{notify.KindCreated}})
	assert.True(t, sink.Accepts(notify.KindCreated))
	assert.False(t, sink.Accepts(notify.KindDeleted))

	require.NoError(t, sink.Deliver(context.Background(), sampleNotification("n1")))
	assert.Equal(t, notify.KindCreated, gotHeaders.Get("X-Crewline-Event"))
	assert.Equal(t, "1:n1", gotHeaders.Get("X-Crewline-Delivery"))
	assert.Equal(t, "s3cret", gotHeaders.Get("X-Crewline-Secret"))
	assert.Equal(t, "emp-1", gotHeaders.Get("X-Crewline-Recipient"))
	assert.Equal(t, "w1", gotBody["work_item_id"])
	assert.EqualValues(t, 1, gotBody["attempt"])
}

func TestWebhookSinkReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := notify.NewWebhookSink(config.WebhookConfig{URL: srv.URL}).Deliver(context.Background(), sampleNotification("n1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

type capturePublisher struct {
	msgs []*nats.Msg
}

func (c *capturePublisher) PublishMsg(m *nats.Msg) error {
	c.msgs = append(c.msgs, m)
	return nil
}

func TestNATSSinkSubjectAndMsgID(t *testing.T) {
	pub := &capturePublisher{}
	sink := &notify.NATSSink{Conn: pub, Prefix: "acme.crew."}
	require.NoError(t, sink.Deliver(context.Background(), sampleNotification("n1")))

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "acme.crew.work_item.created", msg.Subject)
	assert.Equal(t, "1:n1", msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "crewline.work_item.deleted", (&notify.NATSSink{}).Subject(notify.KindDeleted))
}
