package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting proxy metrics.
//
// Tracks:
//   - chat-completion requests by strategy and outcome
//   - agentic loop iterations per request
//   - provider call latency and token usage
//   - tool call latency and failures by tool
//   - tool-server connectivity and reconnects
//   - event-bus subscriber drops
type Metrics struct {
	// RequestCounter counts chat-completion requests.
	// Labels: strategy (direct|agentic|dual-model), outcome
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures end-to-end request latency in seconds.
	// Labels: strategy
	RequestDuration *prometheus.HistogramVec

	// RequestsInFlight gauges currently executing requests.
	RequestsInFlight prometheus.Gauge

	// LoopIterations observes architect iterations consumed per request.
	// Labels: strategy
	LoopIterations *prometheus.HistogramVec

	// ProviderRequestDuration measures upstream model call latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts upstream model calls.
	// Labels: provider, model, status (success|error|retry)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderTokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	ProviderTokens *prometheus.CounterVec

	// ToolCallCounter counts tool dispatches.
	// Labels: tool, status (ok|error|timeout|tool-unknown|not-connected|transport-error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool round-trip time in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// ToolServerReconnects counts supervisor reconnect attempts.
	// Labels: transport (http|stdio), result (ok|failed)
	ToolServerReconnects *prometheus.CounterVec

	// ToolServerConnected gauges current connectivity (0 or 1).
	ToolServerConnected prometheus.Gauge

	// BusDroppedSubscribers counts subscribers detached for overflow.
	BusDroppedSubscribers prometheus.Counter

	// TurnRecordWrites counts persisted turn records.
	// Labels: store (file|postgres), status (ok|error)
	TurnRecordWrites *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup; the front-end serves them on /metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Total chat-completion requests by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_request_duration_seconds",
				Help:    "End-to-end request latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"strategy"},
		),

		RequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_requests_in_flight",
				Help: "Currently executing chat-completion requests",
			},
		),

		LoopIterations: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_loop_iterations",
				Help:    "Architect iterations consumed per request",
				Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
			},
			[]string{"strategy"},
		),

		ProviderRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_provider_request_duration_seconds",
				Help:    "Upstream model call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ProviderRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_provider_requests_total",
				Help: "Total upstream model calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_provider_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_calls_total",
				Help: "Total tool dispatches by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_call_duration_seconds",
				Help:    "Tool round-trip time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ToolServerReconnects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_server_reconnects_total",
				Help: "Supervisor reconnect attempts by transport and result",
			},
			[]string{"transport", "result"},
		),

		ToolServerConnected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_tool_server_connected",
				Help: "Tool-server connectivity (1 connected, 0 not)",
			},
		),

		BusDroppedSubscribers: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_bus_dropped_subscribers_total",
				Help: "Event-bus subscribers detached after buffer overflow",
			},
		),

		TurnRecordWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_turn_record_writes_total",
				Help: "Persisted turn records by store and status",
			},
			[]string{"store", "status"},
		),
	}
}

// RecordRequest records a finished chat-completion request.
func (m *Metrics) RecordRequest(strategy, outcome string, durationSeconds float64, iterations int) {
	m.RequestCounter.WithLabelValues(strategy, outcome).Inc()
	m.RequestDuration.WithLabelValues(strategy).Observe(durationSeconds)
	if iterations > 0 {
		m.LoopIterations.WithLabelValues(strategy).Observe(float64(iterations))
	}
}

// RecordProviderRequest records an upstream model call.
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.ProviderTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ProviderTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolCall records a tool dispatch.
func (m *Metrics) RecordToolCall(tool, status string, durationSeconds float64) {
	m.ToolCallCounter.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordReconnect records a tool-server reconnect attempt.
func (m *Metrics) RecordReconnect(transport string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.ToolServerReconnects.WithLabelValues(transport, result).Inc()
}

// SetToolServerConnected updates the connectivity gauge.
func (m *Metrics) SetToolServerConnected(connected bool) {
	if connected {
		m.ToolServerConnected.Set(1)
	} else {
		m.ToolServerConnected.Set(0)
	}
}

// RecordTurnWrite records a turn-record persistence attempt.
func (m *Metrics) RecordTurnWrite(store string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TurnRecordWrites.WithLabelValues(store, status).Inc()
}
