// Package metrics exposes the engine's Prometheus instrumentation behind a
// small Recorder interface so callers can run without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the instrumentation surface the engine consumes.
type Recorder interface {
	RunStarted(agent, channel string)
	RunFinished(agent, channel, outcome string, durationSeconds float64)
	RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int)
	RecordToolExecution(toolName, status string, durationSeconds float64)
	RecordGuardRejection(direction, category string)
	RecordCacheLookup(hit bool)
	RecordRetry(provider string)
	BreakerStateChanged(model, state string)
	RecordApprovalWait(toolName string, durationSeconds float64)
}

// Metrics is the Prometheus-backed Recorder. Construct once at startup; all
// collectors register with the default registry.
type Metrics struct {
	// RunCounter counts run outcomes. Labels: agent, channel, outcome
	// (success|rejected|error|timeout).
	RunCounter *prometheus.CounterVec

	// RunDuration measures end-to-end run latency in seconds.
	// Labels: agent, channel
	RunDuration *prometheus.HistogramVec

	// ActiveRuns tracks in-flight runs per agent.
	ActiveRuns *prometheus.GaugeVec

	// LLMRequestCounter counts LLM calls. Labels: provider, model, status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption. Labels: provider, model,
	// type (prompt|completion).
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations. Labels: tool_name, status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool latency in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// GuardRejectionCounter counts guard rejections.
	// Labels: direction (input|output), category.
	GuardRejectionCounter *prometheus.CounterVec

	// CacheLookupCounter counts response cache lookups. Labels: result (hit|miss).
	CacheLookupCounter *prometheus.CounterVec

	// RetryCounter counts retry attempts per provider.
	RetryCounter *prometheus.CounterVec

	// BreakerState reports the circuit breaker state per model:
	// 0 closed, 1 half-open, 2 open.
	BreakerState *prometheus.GaugeVec

	// ApprovalWaitDuration measures human approval wait time in seconds.
	ApprovalWaitDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		RunCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_runs_total",
				Help: "Total agent runs by agent, channel and outcome",
			},
			[]string{"agent", "channel", "outcome"},
		),
		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arc_run_duration_seconds",
				Help:    "End-to-end run latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent", "channel"},
		),
		ActiveRuns: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arc_active_runs",
				Help: "Current in-flight runs per agent",
			},
			[]string{"agent"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_llm_requests_total",
				Help: "Total LLM requests by provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arc_llm_request_duration_seconds",
				Help:    "LLM request latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_llm_tokens_total",
				Help: "Total tokens consumed by provider, model and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_tool_executions_total",
				Help: "Total tool executions by tool and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arc_tool_execution_duration_seconds",
				Help:    "Tool execution latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		GuardRejectionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_guard_rejections_total",
				Help: "Guard pipeline rejections by direction and category",
			},
			[]string{"direction", "category"},
		),
		CacheLookupCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_cache_lookups_total",
				Help: "Response cache lookups by result",
			},
			[]string{"result"},
		),
		RetryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_llm_retries_total",
				Help: "LLM retry attempts by provider",
			},
			[]string{"provider"},
		),
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arc_breaker_state",
				Help: "Circuit breaker state per model (0 closed, 1 half-open, 2 open)",
			},
			[]string{"model"},
		),
		ApprovalWaitDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arc_approval_wait_seconds",
				Help:    "Human approval wait time in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"tool_name"},
		),
	}
}

func (m *Metrics) RunStarted(agent, channel string) {
	m.ActiveRuns.WithLabelValues(agent).Inc()
}

func (m *Metrics) RunFinished(agent, channel, outcome string, durationSeconds float64) {
	m.ActiveRuns.WithLabelValues(agent).Dec()
	m.RunCounter.WithLabelValues(agent, channel, outcome).Inc()
	m.RunDuration.WithLabelValues(agent, channel).Observe(durationSeconds)
}

func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

func (m *Metrics) RecordGuardRejection(direction, category string) {
	m.GuardRejectionCounter.WithLabelValues(direction, category).Inc()
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupCounter.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRetry(provider string) {
	m.RetryCounter.WithLabelValues(provider).Inc()
}

func (m *Metrics) BreakerStateChanged(model, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	m.BreakerState.WithLabelValues(model).Set(v)
}

func (m *Metrics) RecordApprovalWait(toolName string, durationSeconds float64) {
	m.ApprovalWaitDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) RunStarted(string, string)                                  {}
func (Nop) RunFinished(string, string, string, float64)                {}
func (Nop) RecordLLMRequest(string, string, string, float64, int, int) {}
func (Nop) RecordToolExecution(string, string, float64)                {}
func (Nop) RecordGuardRejection(string, string)                        {}
func (Nop) RecordCacheLookup(bool)                                     {}
func (Nop) RecordRetry(string)                                         {}
func (Nop) BreakerStateChanged(string, string)                         {}
func (Nop) RecordApprovalWait(string, float64)                         {}
