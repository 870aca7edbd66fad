// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crewline"

var (
	Registry = prometheus.NewRegistry()

	WorkItemOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "work_item_operations_total",
		Help:      "Committed work item mutations by operation.",
	}, []string{"op"})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assignment_transitions_total",
		Help:      "Committed assignment status transitions.",
	}, []string{"from", "to"})

	CASRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assignment_cas_retries_total",
		Help:      "Assignment writes retried after losing a version race.",
	})

	Refused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refused_operations_total",
		Help:      "Operations refused by validation, authorization or state rules.",
	}, []string{"reason"})

	NotificationsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_enqueued_total",
		Help:      "Notification intents written to the outbox.",
	}, []string{"kind"})

	NotificationsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_delivered_total",
		Help:      "Notifications handed to a sink successfully.",
	}, []string{"sink"})

	NotificationsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_failed_total",
		Help:      "Failed delivery attempts, by sink.",
	}, []string{"sink"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		WorkItemOps,
		Transitions,
		CASRetries,
		Refused,
		NotificationsEnqueued,
		NotificationsDelivered,
		NotificationsFailed,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
