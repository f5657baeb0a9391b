package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// HTTPTransport reaches a remote tool server over JSON/HTTP:
//
//	GET  /health        → 200 when ready
//	GET  /tools         → {tools: [{name, description, parameters}]}
//	POST /tools/<name>  → {content: [{type, text}]}
type HTTPTransport struct {
	baseURL       string
	healthTimeout time.Duration
	client        *http.Client
	logger        *slog.Logger

	connected atomic.Bool
}

// NewHTTPTransport creates an HTTP transport for the given base URL.
func NewHTTPTransport(baseURL string, healthTimeout time.Duration, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if healthTimeout <= 0 {
		healthTimeout = 2 * time.Second
	}
	return &HTTPTransport{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		healthTimeout: healthTimeout,
		client:        &http.Client{},
		logger:        logger.With("component", "toolserver", "transport", "http"),
	}
}

// Connect probes the health endpoint within the configured timeout.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, t.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe: HTTP %d", resp.StatusCode)
	}

	t.connected.Store(true)
	t.logger.Info("remote tool server ready", "url", t.baseURL)
	return nil
}

// Close marks the transport unusable. HTTP holds no persistent state.
func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	return nil
}

// Connected reports whether the last probe succeeded.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

// Kind identifies the transport.
func (t *HTTPTransport) Kind() string {
	return "http"
}

// ListTools fetches GET /tools.
func (t *HTTPTransport) ListTools(ctx context.Context) ([]models.ToolSchema, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET /tools returned HTTP %d", ErrTransport, resp.StatusCode)
	}

	var doc toolListResult
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode tool list: %v", ErrTransport, err)
	}
	out := make([]models.ToolSchema, 0, len(doc.Tools))
	for _, tool := range doc.Tools {
		out = append(out, models.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return out, nil
}

// CallTool posts the arguments to /tools/<name>.
func (t *HTTPTransport) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	if !t.connected.Load() {
		return "", false, ErrNotConnected
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/tools/"+name, bytes.NewReader(args))
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", false, classifyHTTPError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", false, ErrUnknownTool
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", false, fmt.Errorf("%w: HTTP %d: %s", ErrTransport, resp.StatusCode, string(body))
	}

	var result callResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, fmt.Errorf("%w: decode tool result: %v", ErrTransport, err)
	}
	return result.text(), result.IsError, nil
}

// classifyHTTPError distinguishes deadline expiry from transport failure.
func classifyHTTPError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
