package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := context.Background()
	logger.Info(ctx, "provider configured", "detail", "api_key=sk-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	out := buf.String()
	if strings.Contains(out, "sk-aaaa") {
		t.Errorf("output leaked API key: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("output missing redaction marker: %s", out)
	}
}

func TestLogger_ContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := AddRequestID(context.Background(), "req-123")
	ctx = AddStepIndex(ctx, 2)
	ctx = AddToolCallID(ctx, "call-9")
	logger.Info(ctx, "step finished")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["request_id"] != "req-123" {
		t.Errorf("request_id = %v, want req-123", record["request_id"])
	}
	if record["step"] != float64(2) {
		t.Errorf("step = %v, want 2", record["step"])
	}
	if record["tool_call_id"] != "call-9" {
		t.Errorf("tool_call_id = %v, want call-9", record["tool_call_id"])
	}
}

func TestLogger_RedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info(context.Background(), "config loaded", "settings", map[string]any{
		"authorization": "Bearer abc123def456ghi789",
		"endpoint":      "http://localhost:1234",
	})

	out := buf.String()
	if strings.Contains(out, "abc123def456ghi789") {
		t.Errorf("output leaked authorization value: %s", out)
	}
	if !strings.Contains(out, "localhost:1234") {
		t.Errorf("output should retain non-sensitive values: %s", out)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug(context.Background(), "should not appear")
	logger.Info(context.Background(), "should not appear either")
	logger.Warn(context.Background(), "warning visible")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("low-level records leaked through: %s", out)
	}
	if !strings.Contains(out, "warning visible") {
		t.Errorf("warn record missing: %s", out)
	}
}

func TestLogLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := LogLevelFromString(in); got != want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}
