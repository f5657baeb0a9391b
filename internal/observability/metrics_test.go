package observability

import (
	"errors"
	"sync"
	"testing"
)

var (
	metricsOnce sync.Once
	testMetrics *Metrics
)

// sharedMetrics returns a process-wide Metrics instance; promauto registers
// with the default registry, so NewMetrics must run once per process.
func sharedMetrics() *Metrics {
	metricsOnce.Do(func() {
		testMetrics = NewMetrics()
	})
	return testMetrics
}

func TestMetrics_Recorders(t *testing.T) {
	m := sharedMetrics()

	m.RecordRequest("agentic", "completed", 1.25, 3)
	m.RecordRequest("direct", "completed", 0.4, 0)
	m.RecordProviderRequest("openai", "gpt-x", "success", 0.8, 120, 45)
	m.RecordProviderRequest("local", "llama", "retry", 0.1, 0, 0)
	m.RecordToolCall("read_file", "ok", 0.02)
	m.RecordToolCall("read_file", "timeout", 0.1)
	m.RecordReconnect("stdio", true)
	m.RecordReconnect("http", false)
	m.SetToolServerConnected(true)
	m.SetToolServerConnected(false)
	m.RecordTurnWrite("file", nil)
	m.RecordTurnWrite("postgres", errors.New("connection refused"))
	m.RequestsInFlight.Inc()
	m.RequestsInFlight.Dec()
	m.BusDroppedSubscribers.Inc()
}
