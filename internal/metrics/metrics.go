// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agencyops"

var (
	EventsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_detected_total",
		Help:      "Events produced by detection sources.",
	}, []string{"source"})

	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_errors_total",
		Help:      "Detection cycles that failed.",
	}, []string{"source"})

	EventsRetained = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "events_retained",
		Help:      "Detected events waiting to be enqueued again after a failure.",
	}, []string{"source"})

	ConversationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversation_fetch_errors_total",
		Help:      "Per-conversation fetch failures in the chat poller.",
	})

	NotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_created_total",
		Help:      "Notification records enqueued.",
	}, []string{"category", "priority"})

	NotificationsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_suppressed_total",
		Help:      "Recipients skipped by the factory.",
	}, []string{"category", "reason"})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_attempts_total",
		Help:      "Send attempts by outcome.",
	}, []string{"outcome"})

	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "send_duration_seconds",
		Help:      "Latency of channel sends.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_records",
		Help:      "Notification records per status.",
	}, []string{"status"})

	LoopPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loop_panics_total",
		Help:      "Recovered panics per loop.",
	}, []string{"loop"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
