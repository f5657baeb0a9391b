// Package observability provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the relay proxy.
//
// The three concerns are independent and individually optional:
//
//   - Logger wraps log/slog with request correlation and secret redaction.
//   - Metrics registers the proxy's Prometheus collectors; the front-end
//     serves them on /metrics.
//   - Tracer emits request → step → provider/tool spans over OTLP when an
//     endpoint is configured, and degrades to a no-op otherwise.
package observability
