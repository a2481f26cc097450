// Package metrics provides Prometheus metrics for the Fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal tracks namespace scans by outcome
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scanner",
			Name:      "scans_total",
			Help:      "Total number of namespace scans by status",
		},
		[]string{"status"},
	)

	// ScanDuration tracks namespace scan duration in seconds
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "scanner",
			Name:      "scan_duration_seconds",
			Help:      "Duration of namespace scans in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// RecordsDetected tracks newly persisted dead-letter records
	RecordsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scanner",
			Name:      "records_detected_total",
			Help:      "Total number of new dead-letter records detected by category",
		},
		[]string{"category"},
	)

	// EntityErrors tracks per-entity scan failures
	EntityErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scanner",
			Name:      "entity_errors_total",
			Help:      "Total number of entity scans that failed and were skipped",
		},
	)

	// NamespacesActive tracks namespaces currently in the active polling mode
	NamespacesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "scheduler",
			Name:      "namespaces_active",
			Help:      "Number of namespaces polled at the active interval",
		},
	)

	// ReplaysTotal tracks per-message replay outcomes
	ReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "replay",
			Name:      "messages_total",
			Help:      "Total number of replayed messages by outcome",
		},
		[]string{"outcome"},
	)

	// ReplayGroups tracks destination-group broker calls
	ReplayGroups = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "replay",
			Name:      "groups_total",
			Help:      "Total number of destination-group replay operations",
		},
	)

	// RateLimitHits tracks replay-all runs skipped by the per-rule limit
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ratelimit",
			Name:      "hits_total",
			Help:      "Total number of replay runs limited by max replays per hour",
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

// RecordScan records a namespace scan metric
func RecordScan(status string, durationSeconds float64) {
	ScansTotal.WithLabelValues(status).Inc()
	ScanDuration.Observe(durationSeconds)
}

// RecordDetection records one newly persisted record
func RecordDetection(category string) {
	RecordsDetected.WithLabelValues(category).Inc()
}

// RecordReplay records a per-message replay outcome
func RecordReplay(outcome string) {
	ReplaysTotal.WithLabelValues(outcome).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
