package engine

import (
	"context"
	"time"

	"crewline/internal/metrics"
	"crewline/internal/notify"
)

// enqueue computes the intents for a committed event and writes them to
// the outbox. Failures are logged and never reach the caller: the mutation
// has already committed.
func (e Engine) enqueue(ctx context.Context, evt notify.Event) {
	intents := notify.OnTransition(evt)
	if len(intents) == 0 {
		return
	}
	added, err := e.Repo.EnqueueNotifications(context.WithoutCancel(ctx), intents, e.now())
	if err != nil {
		e.logger().Error("notify: enqueue failed",
			"event", evt.ID, "kind", evt.Kind, "work_item", evt.Item.ID, "intents", len(intents), "err", err)
		return
	}
	for _, in := range intents {
		metrics.NotificationsEnqueued.WithLabelValues(in.Kind).Inc()
	}
	e.logger().Debug("notify: enqueued", "event", evt.ID, "kind", evt.Kind, "added", added)
}

// Dispatcher builds an outbox dispatcher over this engine's repository.
func (e Engine) Dispatcher(sinks ...notify.Sink) *notify.Dispatcher {
	d := &notify.Dispatcher{
		Store: e.Repo,
		Sinks: sinks,
		Log:   e.logger(),
		Now:   e.Now,
	}
	if e.Config != nil {
		n := e.Config.Notifications
		d.BatchSize = n.BatchSize
		d.MaxAttempts = n.MaxAttempts
		if n.DispatchIntervalSeconds > 0 {
			d.Interval = time.Duration(n.DispatchIntervalSeconds) * time.Second
		}
	}
	return d
}
