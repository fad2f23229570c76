// internal/messaging/metrics.go

package messaging

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_messages_sent_total",
			Help: "Total number of messages sent",
		},
		[]string{"type"},
	)

	messagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_messages_deleted_total",
			Help: "Total number of message deletions",
		},
		[]string{"scope"},
	)

	conversationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_conversations_created_total",
			Help: "Total number of conversations created or reused",
		},
		[]string{"type", "outcome"},
	)

	policyDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_policy_denials_total",
			Help: "Total number of requests denied by the access policy",
		},
		[]string{"action"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_events_published_total",
			Help: "Total number of realtime events published",
		},
		[]string{"type", "status"},
	)

	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_events_dropped_total",
			Help: "Events dropped for slow local subscribers",
		},
	)

	publishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "messaging_publish_duration_seconds",
			Help:    "Time spent publishing a realtime event",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_websocket_connections",
			Help: "Number of open websocket connections",
		},
	)

	blobsCleaned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_blobs_cleaned_total",
			Help: "Attachment blobs removed by the cleanup worker",
		},
		[]string{"status"},
	)
)

func observePublish(eventType string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	eventsPublished.WithLabelValues(eventType, status).Inc()
	publishLatency.Observe(time.Since(started).Seconds())
}
