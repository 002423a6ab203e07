// Package metrics exposes Prometheus instrumentation for the AICO
// core: handshake outcomes, protected-queue behavior, and memory
// pipeline counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Handshake / encrypted channel.
	HandshakesInitiated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aico",
		Subsystem: "secure",
		Name:      "handshakes_initiated_total",
		Help:      "Handshake requests received.",
	})
	HandshakesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aico",
		Subsystem: "secure",
		Name:      "handshakes_completed_total",
		Help:      "Handshakes that established a session.",
	})
	HandshakesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aico",
		Subsystem: "secure",
		Name:      "handshakes_rejected_total",
		Help:      "Handshakes refused (bad signature, stale timestamp, replay).",
	})

	// Protected request queue.
	QueueProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aico",
		Subsystem: "queue",
		Name:      "processed_total",
		Help:      "Requests completed by the protected queue.",
	}, []string{"operation"})
	QueueFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aico",
		Subsystem: "queue",
		Name:      "failed_total",
		Help:      "Requests that terminally failed.",
	}, []string{"operation"})
	QueueRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aico",
		Subsystem: "queue",
		Name:      "rate_limited_total",
		Help:      "Submissions refused by the token bucket.",
	})
	QueueCircuitBroken = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aico",
		Subsystem: "queue",
		Name:      "circuit_broken_total",
		Help:      "Submissions refused while the circuit breaker was open.",
	})
	QueueFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aico",
		Subsystem: "queue",
		Name:      "fallbacks_total",
		Help:      "Degraded fallback results returned.",
	}, []string{"operation"})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aico",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Items waiting in the priority queue.",
	})
	QueueBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aico",
		Subsystem: "queue",
		Name:      "batch_size",
		Help:      "Items per fired batch.",
		Buckets:   prometheus.LinearBuckets(1, 2, 10),
	})

	// Memory pipeline.
	SegmentsStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aico",
		Subsystem: "memory",
		Name:      "segments_stored_total",
		Help:      "Conversation segments written to the vector store.",
	})
	FactsStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aico",
		Subsystem: "memory",
		Name:      "facts_stored_total",
		Help:      "User facts written to the vector store.",
	})
	RecallQueries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aico",
		Subsystem: "memory",
		Name:      "recall_queries_total",
		Help:      "Semantic recall queries served.",
	})
)
