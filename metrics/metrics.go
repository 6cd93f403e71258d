// Package metrics holds the Prometheus collectors shared by the LLM client,
// usage ledger, tool registry, agent executor and workflow engine.
//
// A nil *Metrics is valid and records nothing, so components can take one as
// an optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "semflow"

// Metrics groups every collector exported by semflow.
type Metrics struct {
	llmRequests   *prometheus.CounterVec
	llmLatency    *prometheus.HistogramVec
	llmTokens     *prometheus.CounterVec
	tenantCost    *prometheus.CounterVec
	budgetDenials *prometheus.CounterVec

	toolExecutions *prometheus.CounterVec
	toolLatency    *prometheus.HistogramVec
	actionRetries  *prometheus.CounterVec

	agentIterations *prometheus.HistogramVec
	stepOutcomes    *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	runOutcomes     *prometheus.CounterVec
	activeRuns      prometheus.Gauge
}

// New creates and registers all collectors on reg. A nil reg uses a private
// registry, which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		llmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "requests_total",
			Help: "LLM requests by provider, model and outcome.",
		}, []string{"provider", "model", "status"}),
		llmLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "llm", Name: "request_duration_seconds",
			Help:    "LLM request latency.",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"provider", "model"}),
		llmTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "tokens_total",
			Help: "Tokens consumed by tenant, model and kind (prompt or completion).",
		}, []string{"tenant", "model", "kind"}),
		tenantCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "usage", Name: "cost_total",
			Help: "Accumulated LLM cost per tenant in currency units.",
		}, []string{"tenant"}),
		budgetDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "usage", Name: "budget_denials_total",
			Help: "LLM calls refused because the tenant budget was exhausted.",
		}, []string{"tenant"}),
		toolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tools", Name: "executions_total",
			Help: "Tool executions by tool and outcome.",
		}, []string{"tool", "status"}),
		toolLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tools", Name: "execution_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		actionRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "actions", Name: "retries_total",
			Help: "Action provider retries by provider and action.",
		}, []string{"provider", "action"}),
		agentIterations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "agent", Name: "iterations",
			Help:    "Tool-calling loop iterations per agent execution.",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
		}, []string{"agent_type", "finish_reason"}),
		stepOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workflow", Name: "steps_total",
			Help: "Workflow step outcomes by agent type and status.",
		}, []string{"agent_type", "status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "workflow", Name: "step_duration_seconds",
			Help:    "Workflow step duration including retries.",
			Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"agent_type"}),
		runOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workflow", Name: "runs_total",
			Help: "Workflow runs by terminal status.",
		}, []string{"status"}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "workflow", Name: "active_runs",
			Help: "Workflow runs currently executing.",
		}),
	}
}

// ObserveLLMCall records one LLM request.
func (m *Metrics) ObserveLLMCall(provider, model string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(provider, model, statusLabel(err)).Inc()
	m.llmLatency.WithLabelValues(provider, model).Observe(d.Seconds())
}

// AddUsage records tokens and cost attributed to a tenant.
func (m *Metrics) AddUsage(tenant, model string, promptTokens, completionTokens int, cost float64) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues(tenant, model, "prompt").Add(float64(promptTokens))
	m.llmTokens.WithLabelValues(tenant, model, "completion").Add(float64(completionTokens))
	if cost > 0 {
		m.tenantCost.WithLabelValues(tenant).Add(cost)
	}
}

// BudgetDenied counts a refused LLM call.
func (m *Metrics) BudgetDenied(tenant string) {
	if m == nil {
		return
	}
	m.budgetDenials.WithLabelValues(tenant).Inc()
}

// ObserveTool records one tool execution.
func (m *Metrics) ObserveTool(tool string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.toolExecutions.WithLabelValues(tool, status).Inc()
	m.toolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// ActionRetried counts a retry at the action provider boundary.
func (m *Metrics) ActionRetried(provider, action string) {
	if m == nil {
		return
	}
	m.actionRetries.WithLabelValues(provider, action).Inc()
}

// ObserveAgent records the iteration count of a finished agent loop.
func (m *Metrics) ObserveAgent(agentType, finishReason string, iterations int) {
	if m == nil {
		return
	}
	m.agentIterations.WithLabelValues(agentType, finishReason).Observe(float64(iterations))
}

// ObserveStep records a workflow step outcome.
func (m *Metrics) ObserveStep(agentType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(agentType, status).Inc()
	m.stepDuration.WithLabelValues(agentType).Observe(d.Seconds())
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished decrements the active run gauge and counts the terminal status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runOutcomes.WithLabelValues(status).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
