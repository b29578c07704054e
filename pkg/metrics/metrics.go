// Package metrics provides Prometheus metrics for the Fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsProcessedTotal tracks records processed per batch outcome
	RecordsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "conformance",
			Name:      "records_total",
			Help:      "Total number of records processed by outcome",
		},
		[]string{"tenant_id", "entity_type", "outcome"},
	)

	// BatchDuration tracks batch processing duration in seconds
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "conformance",
			Name:      "batch_duration_seconds",
			Help:      "Duration of batch runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"tenant_id"},
	)

	// DedupConfidence tracks the confidence distribution of resolutions
	DedupConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "resolver",
			Name:      "confidence",
			Help:      "Distribution of dedup match confidence scores",
			Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"tenant_id", "entity_type", "basis"},
	)

	// QualityScore tracks the data quality score distribution
	QualityScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "quality",
			Name:      "score",
			Help:      "Distribution of data quality scores",
			Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"tenant_id", "entity_type"},
	)

	// PersistenceRetriesTotal tracks retried entity persists
	PersistenceRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "conformance",
			Name:      "persistence_retries_total",
			Help:      "Total number of retried entity persists",
		},
		[]string{"tenant_id"},
	)

	// QuarantineTotal tracks quarantined records by error class
	QuarantineTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "conformance",
			Name:      "quarantine_total",
			Help:      "Total number of quarantined records by error class",
		},
		[]string{"tenant_id", "entity_type", "error_class"},
	)

	// EntitiesInFlight tracks entities currently being applied
	EntitiesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "conformance",
			Name:      "entities_in_flight",
			Help:      "Number of entities currently being applied",
		},
	)

	// KafkaMessagesTotal tracks consumed bronze messages by result
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_total",
			Help:      "Total number of consumed bronze messages by result",
		},
		[]string{"topic", "result"},
	)
)
