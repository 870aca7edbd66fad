package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"crewline/internal/domain"
	"crewline/internal/metrics"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 8

	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Store is the outbox the dispatcher drains.
type Store interface {
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error)
	MarkNotificationDelivered(ctx context.Context, id string, attempts int, at time.Time) error
	MarkNotificationRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkNotificationFailed(ctx context.Context, id string, attempts int, lastErr string) error
}

// Dispatcher polls the outbox and hands due rows to every accepting sink.
// Delivery is at-least-once: a row is retried until all accepting sinks
// succeed in the same attempt or MaxAttempts is reached.
type Dispatcher struct {
	Store       Store
	Sinks       []Sink
	Log         *slog.Logger
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Now         func() time.Time

	// Backoff shapes retry delays; nil uses an exponential policy
	// starting at one second and capped at ten minutes.
	Backoff func() backoff.BackOff
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

// Run drains the outbox every Interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger().Error("notify: dispatch failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch of due rows and reports how many were
// delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	limit := d.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	due, err := d.Store.DueNotifications(ctx, d.now(), limit)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, n := range due {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		ok, err := d.deliver(ctx, n)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) (bool, error) {
	attempts := n.Attempts + 1
	var failure error
	for _, sink := range d.Sinks {
		if !sink.Accepts(n.Kind) {
			continue
		}
		if err := sink.Deliver(ctx, n); err != nil {
			metrics.NotificationsFailed.WithLabelValues(sink.Name()).Inc()
			d.logger().Warn("notify: delivery failed",
				"sink", sink.Name(), "notification", n.ID, "kind", n.Kind, "attempt", attempts, "err", err)
			failure = errors.Join(failure, err)
			continue
		}
		metrics.NotificationsDelivered.WithLabelValues(sink.Name()).Inc()
	}
	if failure == nil {
		return true, d.Store.MarkNotificationDelivered(ctx, n.ID, attempts, d.now())
	}
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if attempts >= maxAttempts {
		d.logger().Error("notify: giving up", "notification", n.ID, "attempts", attempts, "err", failure)
		return false, d.Store.MarkNotificationFailed(ctx, n.ID, attempts, failure.Error())
	}
	return false, d.Store.MarkNotificationRetry(ctx, n.ID, attempts, d.now().Add(d.delay(attempts)), failure.Error())
}

// delay returns the wait before the attempt following attempt number n.
func (d *Dispatcher) delay(n int) time.Duration {
	var b backoff.BackOff
	if d.Backoff != nil {
		b = d.Backoff()
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = time.Second
		exp.MaxInterval = 10 * time.Minute
		exp.MaxElapsedTime = 0
		b = exp
	}
	b.Reset()
	wait := b.NextBackOff()
	for i := 1; i < n; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		wait = next
	}
	if wait == backoff.Stop || wait < 0 {
		return 0
	}
	return wait
}
