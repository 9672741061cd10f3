// Package metrics exposes Prometheus instrumentation for the capture
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InteractionsTotal counts capture submissions by outcome.
	// Labels: status (stored, duplicate, skipped, buffered)
	InteractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "capture",
			Name:      "interactions_total",
			Help:      "Total number of submitted interactions by outcome",
		},
		[]string{"status"},
	)

	// PatternsExtracted counts extracted pattern occurrences by type.
	// Labels: type (keyword, tool_usage, intent)
	PatternsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "capture",
			Name:      "patterns_extracted_total",
			Help:      "Total number of pattern occurrences extracted from interactions",
		},
		[]string{"type"},
	)

	// SubmitDuration tracks end-to-end submission latency.
	SubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "recalld",
			Subsystem: "capture",
			Name:      "submit_duration_seconds",
			Help:      "Duration of interaction submissions in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// BufferEnqueued counts interactions diverted to the recovery buffer.
	BufferEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "buffer",
			Name:      "enqueued_total",
			Help:      "Total number of interactions written to the recovery buffer",
		},
	)

	// BufferDrained counts records replayed out of the recovery buffer.
	BufferDrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "buffer",
			Name:      "drained_total",
			Help:      "Total number of buffered interactions successfully replayed",
		},
	)

	// BufferPending gauges records currently awaiting replay.
	BufferPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recalld",
			Subsystem: "buffer",
			Name:      "pending_records",
			Help:      "Number of records currently in the recovery buffer",
		},
	)

	// EmbeddingRequests counts embedding calls by backend and result.
	// Labels: backend (fastembed, tei), result (success, error)
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "embeddings",
			Name:      "requests_total",
			Help:      "Total number of embedding requests by backend and result",
		},
		[]string{"backend", "result"},
	)

	// SearchRequests counts similarity searches by serving backend.
	// Labels: backend (qdrant, local)
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Total number of similarity searches by serving backend",
		},
		[]string{"backend"},
	)

	// IndexBackendUp indicates whether the remote index answered the last
	// liveness probe (1=up, 0=down).
	IndexBackendUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recalld",
			Subsystem: "search",
			Name:      "qdrant_up",
			Help:      "Whether the Qdrant backend answered the last liveness probe (1=up, 0=down)",
		},
	)
)

// RecordSubmit records one submission outcome.
func RecordSubmit(status string) {
	InteractionsTotal.WithLabelValues(status).Inc()
}

// RecordEmbedding records one embedding call outcome.
func RecordEmbedding(backend string, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	EmbeddingRequests.WithLabelValues(backend, result).Inc()
}

// RecordSearch records which backend served a similarity query.
func RecordSearch(backend string) {
	SearchRequests.WithLabelValues(backend).Inc()
	if backend == "qdrant" {
		IndexBackendUp.Set(1)
	} else {
		IndexBackendUp.Set(0)
	}
}
