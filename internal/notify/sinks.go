package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"crewline/internal/config"
	"crewline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Sink delivers one notification. A returned error schedules a retry.
type Sink interface {
	Name() string
	Accepts(kind string) bool
	Deliver(ctx context.Context, n domain.Notification) error
}

type delivery struct {
	ID         string          `json:"id"`
	DedupKey   string          `json:"dedup_key"`
	Kind       string          `json:"kind"`
	WorkItemID string          `json:"work_item_id"`
	Recipient  domain.ActorRef `json:"recipient"`
	Payload    map[string]any  `json:"payload"`
	Attempt    int             `json:"attempt"`
	CreatedAt  string          `json:"created_at"`
}

func encode(n domain.Notification) ([]byte, error) {
	payload := n.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(delivery{
		ID:         n.ID,
		DedupKey:   n.DedupKey,
		Kind:       n.Kind,
		WorkItemID: n.WorkItemID,
		Recipient:  n.Recipient,
		Payload:    payload,
		Attempt:    n.Attempts + 1,
		CreatedAt:  n.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// WebhookSink POSTs notifications as JSON to a configured URL.
type WebhookSink struct {
	Hook   config.WebhookConfig
	Client *http.Client
	filter kindFilter
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		Hook:   hook,
		Client: &http.Client{Timeout: timeout},
		filter: newKindFilter(hook.Events),
	}
}

func (s *WebhookSink) Name() string { return "webhook:" + s.Hook.URL }

func (s *WebhookSink) Accepts(kind string) bool { return s.filter.match(kind) }

func (s *WebhookSink) Deliver(ctx context.Context, n domain.Notification) error {
	data, err := encode(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Crewline-Event", n.Kind)
	req.Header.Set("X-Crewline-Delivery", n.DedupKey)
	req.Header.Set("X-Crewline-Recipient", n.Recipient.ID)
	if strings.TrimSpace(s.Hook.Secret) != "" {
		req.Header.Set("X-Crewline-Secret", s.Hook.Secret)
	}
	res, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Publisher is the part of *nats.Conn the NATS sink needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes each notification to <prefix>.<kind>.
type NATSSink struct {
	Conn   Publisher
	Prefix string
}

// DialNATS connects to url and returns a sink bound to the connection.
// The caller closes the returned connection.
func DialNATS(cfg config.NATSConfig) (*NATSSink, *nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("crewline-notify"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return &NATSSink{Conn: nc, Prefix: cfg.SubjectPrefix}, nc, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Accepts(string) bool { return true }

func (s *NATSSink) Subject(kind string) string {
	prefix := strings.TrimSuffix(strings.TrimSpace(s.Prefix), ".")
	if prefix == "" {
		prefix = "crewline"
	}
	return prefix + "." + kind
}

func (s *NATSSink) Deliver(ctx context.Context, n domain.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(n)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(s.Subject(n.Kind))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, n.DedupKey)
	msg.Header.Set("Crewline-Recipient", n.Recipient.ID)
	return s.Conn.PublishMsg(msg)
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Accepts(string) bool { return true }

func (s LogSink) Deliver(_ context.Context, n domain.Notification) error {
	logger := s.Log
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"kind", n.Kind,
		"recipient", n.Recipient.ID,
		"work_item", n.WorkItemID,
		"dedup_key", n.DedupKey)
	return nil
}

type kindFilter struct {
	all bool
	set map[string]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
