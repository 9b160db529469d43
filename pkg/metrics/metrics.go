// Package metrics provides Prometheus metrics for the Fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MergeOperationsTotal tracks merge engine operations by op and status
	MergeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total number of merge engine operations by op and status",
		},
		[]string{"op", "status"},
	)

	// ContradictionsTotal tracks detected partition contradictions
	ContradictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "engine",
			Name:      "contradictions_total",
			Help:      "Total number of partition contradictions detected",
		},
	)

	// EntitiesGauge tracks the current entity count
	EntitiesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "engine",
			Name:      "entities",
			Help:      "Number of merged entities currently in the partition",
		},
	)

	// RecordsIngestedTotal tracks records ingested by source
	RecordsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingestion",
			Name:      "records_total",
			Help:      "Total number of source records ingested by source and status",
		},
		[]string{"source_id", "status"},
	)

	// FetchCycleDuration tracks adapter fetch cycle duration
	FetchCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "ingestion",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of adapter fetch cycles in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"source_id"},
	)

	// FetchCyclesSkipped tracks fetch cycles skipped because the adapter was unreachable
	FetchCyclesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingestion",
			Name:      "cycles_skipped_total",
			Help:      "Total number of fetch cycles skipped by source and reason",
		},
		[]string{"source_id", "reason"},
	)

	// PersistRetriesTotal tracks mirror write retries inside the critical section
	PersistRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "persistence",
			Name:      "retries_total",
			Help:      "Total number of durable mirror write retries",
		},
	)

	// PersistFailuresTotal tracks mirror writes that exhausted all retries
	PersistFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "persistence",
			Name:      "failures_total",
			Help:      "Total number of durable mirror writes that exhausted retries",
		},
	)

	// PersistDuration tracks durable mirror write duration
	PersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "persistence",
			Name:      "write_duration_seconds",
			Help:      "Duration of durable mirror writes in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
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

	// DirectivesConsumed tracks merge directives consumed from Kafka
	DirectivesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "directives_consumed_total",
			Help:      "Total number of merge directives consumed by status",
		},
		[]string{"status"},
	)
)

// RecordMergeOperation records a merge engine operation
func RecordMergeOperation(op, status string) {
	MergeOperationsTotal.WithLabelValues(op, status).Inc()
}

// RecordContradiction records a detected partition contradiction
func RecordContradiction() {
	ContradictionsTotal.Inc()
}

// RecordIngest records an ingested source record
func RecordIngest(sourceID, status string) {
	RecordsIngestedTotal.WithLabelValues(sourceID, status).Inc()
}

// RecordFetchCycle records a completed adapter fetch cycle
func RecordFetchCycle(sourceID string, durationSeconds float64) {
	FetchCycleDuration.WithLabelValues(sourceID).Observe(durationSeconds)
}

// RecordSkippedCycle records a fetch cycle skipped because the adapter was unreachable
func RecordSkippedCycle(sourceID, reason string) {
	FetchCyclesSkipped.WithLabelValues(sourceID, reason).Inc()
}

// RecordPersist records a durable mirror write attempt outcome
func RecordPersist(durationSeconds float64, retries int, failed bool) {
	PersistDuration.Observe(durationSeconds)
	if retries > 0 {
		PersistRetriesTotal.Add(float64(retries))
	}
	if failed {
		PersistFailuresTotal.Inc()
	}
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}

// RecordDirective records a consumed merge directive
func RecordDirective(status string) {
	DirectivesConsumed.WithLabelValues(status).Inc()
}
