// Package metrics holds the Prometheus collectors for review, recall and
// feedback processing. Collectors register on the default registry and are
// served by cmd/server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "recall"

var (
	// ReviewsTotal counts RunReview outcomes.
	// Labels: outcome (posted, held, skipped, failed)
	ReviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reviews_total",
		Help:      "Completed review runs by outcome.",
	}, []string{"outcome"})

	// ChunksTotal counts agentic chunk reviews by terminal state.
	// Labels: state (submitted, failed, implicit_empty)
	ChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_total",
		Help:      "Reviewed chunks by terminal state.",
	}, []string{"state"})

	ChunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "chunk_duration_seconds",
		Help:      "Time spent in the tool-use loop per chunk.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool calls made by the model.",
	}, []string{"tool", "status"})

	// KnowledgeErrorsTotal counts failed calls into the vector or graph store.
	// Labels: store (vector, graph), op (store, search, update_approval, ...)
	KnowledgeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "knowledge_errors_total",
		Help:      "Knowledge store call failures.",
	}, []string{"store", "op"})

	DeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_lettered_tasks_total",
		Help:      "Background tasks that failed and were dead-lettered.",
	}, []string{"task"})

	FeedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feedback_signals_total",
		Help:      "Feedback signals recorded.",
	}, []string{"type"})

	GateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_transitions_total",
		Help:      "Pending review state changes.",
	}, []string{"status"})

	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_tokens_total",
		Help:      "LLM tokens by direction.",
	}, []string{"direction"})
)
