// Package observability wires process metrics for the running engine
// (spec §6 GET /metrics, GET /health), grounded on the teacher's
// pkg/observability/metrics.go: a set of *prometheus.CounterVec /
// *prometheus.HistogramVec fields grouped by subsystem, registered against
// a dedicated registry rather than the global default one.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the engine exports, alongside
// the spec's own JSON /metrics aggregate (built from the store, see
// stats.go).
type Metrics struct {
	registry *prometheus.Registry

	llmCallsTotal       *prometheus.CounterVec
	llmCallDuration     *prometheus.HistogramVec
	llmTokensTotal      *prometheus.CounterVec
	llmCostTotal        *prometheus.CounterVec
	fallbacksTotal      *prometheus.CounterVec
	criticFailuresTotal *prometheus.CounterVec
	refinementRounds    prometheus.Histogram
	storeErrorsTotal    *prometheus.CounterVec
	storeOpDuration     *prometheus.HistogramVec
}

// New builds a Metrics instance registered against a fresh registry (not
// the global default), so multiple engine instances in the same process
// (as in tests) never collide on collector registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		llmCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Completed LLM connector calls, by agent, model and outcome.",
		}, []string{"agent", "model", "provider", "status"}),
		llmCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ensemble",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "LLM connector call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent", "model"}),
		llmTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed, by agent, model and kind (prompt|completion).",
		}, []string{"agent", "model", "kind"}),
		llmCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Subsystem: "llm",
			Name:      "cost_usd_total",
			Help:      "Estimated USD cost, by agent and model.",
		}, []string{"agent", "model"}),
		fallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Subsystem: "llm",
			Name:      "fallbacks_total",
			Help:      "Calls that required falling back past the requested model.",
		}, []string{"agent", "requested_model"}),
		criticFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Subsystem: "critic",
			Name:      "failures_total",
			Help:      "Critic calls dropped from consensus after failing.",
		}, []string{"critic"}),
		refinementRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ensemble",
			Subsystem: "refinement",
			Name:      "iterations",
			Help:      "Refinement iterations executed per chain run.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}),
		storeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Store operation failures, by operation.",
		}, []string{"op"}),
		storeOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ensemble",
			Subsystem: "store",
			Name:      "op_duration_seconds",
			Help:      "Store operation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.llmCallsTotal, m.llmCallDuration, m.llmTokensTotal, m.llmCostTotal,
		m.fallbacksTotal, m.criticFailuresTotal, m.refinementRounds,
		m.storeErrorsTotal, m.storeOpDuration,
	)
	return m
}

// Registry exposes the underlying *prometheus.Registry for the /metrics/prom
// scrape handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordLLMCall records one completed (successful or failed) LLM connector
// call.
func (m *Metrics) RecordLLMCall(agent, model, providerID string, success bool, durationMs float64, promptTokens, completionTokens int, costUSD float64, fallbackUsed bool, requestedModel string) {
	status := "ok"
	if !success {
		status = "error"
	}
	m.llmCallsTotal.WithLabelValues(agent, model, providerID, status).Inc()
	if !success {
		return
	}
	m.llmCallDuration.WithLabelValues(agent, model).Observe(durationMs / 1000.0)
	m.llmTokensTotal.WithLabelValues(agent, model, "prompt").Add(float64(promptTokens))
	m.llmTokensTotal.WithLabelValues(agent, model, "completion").Add(float64(completionTokens))
	m.llmCostTotal.WithLabelValues(agent, model).Add(costUSD)
	if fallbackUsed {
		m.fallbacksTotal.WithLabelValues(agent, requestedModel).Inc()
	}
}

// RecordCriticFailure records one critic dropped from consensus.
func (m *Metrics) RecordCriticFailure(critic string) {
	m.criticFailuresTotal.WithLabelValues(critic).Inc()
}

// RecordRefinementIterations records how many refinement iterations one
// chain run executed (0 if refinement never triggered).
func (m *Metrics) RecordRefinementIterations(n int) {
	m.refinementRounds.Observe(float64(n))
}

// RecordStoreOp records the outcome and latency of one store operation.
func (m *Metrics) RecordStoreOp(op string, durationMs float64, err error) {
	m.storeOpDuration.WithLabelValues(op).Observe(durationMs / 1000.0)
	if err != nil {
		m.storeErrorsTotal.WithLabelValues(op).Inc()
	}
}
