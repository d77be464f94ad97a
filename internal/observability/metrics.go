package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is duraloopd's Prometheus registration surface, scoped to the
// Tool Executor and Process Registry per SPEC_FULL.md §2 item 12,
// grounded on observability.Metrics struct shape.
type Metrics struct {
	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution latency in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, kind (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ProcessSpawned counts process spawns.
	// Labels: interactive ("true"|"false")
	ProcessSpawned *prometheus.CounterVec

	// ProcessActive is a gauge of currently running process handles.
	ProcessActive prometheus.Gauge

	// ProcessCompletions counts process terminal transitions.
	// Labels: status (completed|failed|timed_out|killed|lost)
	ProcessCompletions *prometheus.CounterVec

	// LoopIterations counts agentic loop iterations.
	// Labels: agent_name
	LoopIterations *prometheus.CounterVec

	// ActiveSessions is a gauge of sessions with a loop currently running.
	ActiveSessions prometheus.Gauge
}

// NewMetrics registers and returns the full metrics surface. Call once
// at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ToolExecutionCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "duraloop_tool_executions_total",
			Help: "Total tool invocations by tool name and outcome.",
		}, []string{"tool_name", "status"}),

		ToolExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "duraloop_tool_execution_duration_seconds",
			Help: "Tool execution latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "duraloop_llm_request_duration_seconds",
			Help: "LLM API call latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMRequestCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "duraloop_llm_requests_total",
			Help: "Total LLM requests by provider, model, and outcome.",
		}, []string{"provider", "model", "status"}),

		LLMTokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "duraloop_llm_tokens_total",
			Help: "Tokens consumed by provider, model, and kind.",
		}, []string{"provider", "model", "kind"}),

		ProcessSpawned: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "duraloop_process_spawns_total",
			Help: "Total processes spawned, labeled by interactivity.",
		}, []string{"interactive"}),

		ProcessActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "duraloop_process_active",
			Help: "Currently running process handles.",
		}),

		ProcessCompletions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "duraloop_process_completions_total",
			Help: "Process terminal transitions by status.",
		}, []string{"status"}),

		LoopIterations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "duraloop_loop_iterations_total",
			Help: "Agentic loop iterations by agent name.",
		}, []string{"agent_name"}),

		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "duraloop_active_sessions",
			Help: "Sessions with a loop currently running.",
		}),
	}
}
