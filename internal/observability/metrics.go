package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the session runtime. All metrics are registered on
// the default registry at package init so leaf packages (stream retries, tool
// execution, compaction) can record without threading a registry through
// every constructor.
//
// Metric naming follows Prometheus conventions:
//   - loom_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
var (
	// SessionTurns counts completed agent turns by provider and outcome.
	// Status is one of: completed, error, aborted.
	SessionTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_session_turns_total",
			Help: "Total number of agent turns by provider and status",
		},
		[]string{"provider", "status"},
	)

	// TurnDuration tracks end-to-end turn latency including tool execution
	// and follow-up assistant responses.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_turn_duration_seconds",
			Help:    "Agent turn duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider"},
	)

	// TokensUsed counts tokens reported by providers.
	// Type is one of: input, output, cache_read, cache_write.
	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tokens_total",
			Help: "Total tokens consumed by provider, model, and type",
		},
		[]string{"provider", "model", "type"},
	)

	// StreamRetries counts reconnect attempts made by the retrying stream
	// wrapper after a retryable wire error.
	StreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_stream_retries_total",
			Help: "Total stream reconnect attempts by provider",
		},
		[]string{"provider"},
	)

	// ToolExecutions counts tool runs by tool name and outcome.
	// Status is one of: success, error, aborted.
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tool_executions_total",
			Help: "Total tool executions by tool and status",
		},
		[]string{"tool", "status"},
	)

	// ToolDuration tracks individual tool execution latency.
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_tool_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"tool"},
	)

	// Compactions counts compaction attempts by result.
	// Result is one of: applied, skipped, failed.
	Compactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_compactions_total",
			Help: "Total history compactions by result",
		},
		[]string{"result"},
	)

	// EventsPublished counts events delivered to subscribers.
	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_events_published_total",
			Help: "Total events published to subscribers",
		},
	)

	// EventsDropped counts events discarded because a subscriber's buffer
	// was full. Mode is the subscription kind: mailbox or stream.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_events_dropped_total",
			Help: "Total events dropped due to slow subscribers",
		},
		[]string{"mode"},
	)

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_active_sessions",
			Help: "Number of currently active sessions",
		},
	)

	// Subagents counts subagent runs by terminal status.
	// Status is one of: completed, error, timeout, aborted.
	Subagents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_subagents_total",
			Help: "Total subagent runs by terminal status",
		},
		[]string{"status"},
	)
)

// RecordTurn records a completed turn with its duration.
func RecordTurn(provider, status string, duration time.Duration) {
	SessionTurns.WithLabelValues(provider, status).Inc()
	TurnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordTokens records token usage reported by a provider.
func RecordTokens(provider, model string, input, output, cacheRead, cacheWrite int) {
	if input > 0 {
		TokensUsed.WithLabelValues(provider, model, "input").Add(float64(input))
	}
	if output > 0 {
		TokensUsed.WithLabelValues(provider, model, "output").Add(float64(output))
	}
	if cacheRead > 0 {
		TokensUsed.WithLabelValues(provider, model, "cache_read").Add(float64(cacheRead))
	}
	if cacheWrite > 0 {
		TokensUsed.WithLabelValues(provider, model, "cache_write").Add(float64(cacheWrite))
	}
}

// RecordToolExecution records a tool run with its duration.
func RecordToolExecution(tool, status string, duration time.Duration) {
	ToolExecutions.WithLabelValues(tool, status).Inc()
	ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordCompaction records a compaction attempt outcome.
func RecordCompaction(result string) {
	Compactions.WithLabelValues(result).Inc()
}
