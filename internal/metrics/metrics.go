// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alertcore"

var (
	// Ingest
	IngestEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_events_total",
		Help:      "Inbound events by source and outcome (accepted, duplicate, rejected)",
	}, []string{"source", "outcome"})

	EnvelopesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_processed_total",
		Help:      "Ingest envelopes finished by source and final status",
	}, []string{"source", "status"})

	// Alert lifecycle
	AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_transitions_total",
		Help:      "Alert lifecycle transitions (created, coalesced, acknowledged, resolved, suppressed)",
	}, []string{"transition"})

	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_total",
		Help:      "Escalation evaluations by result (advanced, conflict, not_active, exhausted, error)",
	}, []string{"result"})

	OpenAlerts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_alerts",
		Help:      "Active alerts seen by the last scheduler sweep",
	})

	// Notifications
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification attempts by channel and resulting status",
	}, []string{"channel", "status"})

	NotificationSendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "notification_send_duration_seconds",
		Help:      "Channel adapter call latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"channel"})

	NotificationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_retries_total",
		Help:      "Retry sweep outcomes by channel (sent, failed, abandoned)",
	}, []string{"channel", "result"})

	DeliveryCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_callbacks_total",
		Help:      "Delivery status callbacks by reported status and whether they advanced a log",
	}, []string{"status", "applied"})

	ChannelBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_breaker_state",
		Help:      "Circuit breaker state per channel (0 closed, 1 half-open, 2 open)",
	}, []string{"channel"})
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
