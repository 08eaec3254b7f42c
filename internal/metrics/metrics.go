// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_turns_total",
		Help: "Completed user turns by outcome.",
	}, []string{"status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_stage_duration_seconds",
		Help:    "Wall time per pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	streamChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_stream_chunks_total",
		Help: "Assistant stream chunks emitted to clients.",
	})

	expertConsultationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_expert_consultations_total",
		Help: "Expert consultations by outcome.",
	}, []string{"outcome"})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_connections",
		Help: "Currently open client connections.",
	})

	llmTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_llm_tokens_total",
		Help: "LLM tokens consumed.",
	}, []string{"kind"})
)

// Turn outcome labels.
const (
	TurnCompleted = "completed"
	TurnFailSoft  = "fail_soft"
	TurnFailHard  = "fail_hard"
	TurnCanceled  = "canceled"
)

// Expert consultation outcome labels.
const (
	ExpertSuccess = "success"
	ExpertFailed  = "failed"
	ExpertSkipped = "skipped"
)

func RecordTurn(status string) {
	turnsTotal.WithLabelValues(status).Inc()
}

func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordStreamChunk() {
	streamChunksTotal.Inc()
}

func RecordExpertConsultation(outcome string) {
	expertConsultationsTotal.WithLabelValues(outcome).Inc()
}

func ConnectionOpened() {
	activeConnections.Inc()
}

func ConnectionClosed() {
	activeConnections.Dec()
}

func RecordTokens(prompt, completion int) {
	if prompt > 0 {
		llmTokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		llmTokensTotal.WithLabelValues("completion").Add(float64(completion))
	}
}
