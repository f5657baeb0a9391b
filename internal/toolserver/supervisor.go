package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/internal/capability"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Publisher is the narrow bus capability the supervisor needs.
type Publisher interface {
	Publish(event models.Event)
}

// Supervisor owns the transport to the tool server: it selects remote HTTP
// when the configured URL answers a health probe, falls back to the local
// subprocess otherwise, tracks the tool advertisement, validates arguments,
// and schedules reconnects with capped exponential backoff.
//
// The supervisor is the single shared writer to the transport. Its mutex is
// held only for table mutations, never across I/O.
type Supervisor struct {
	cfg      config.ToolServerConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
	bus      Publisher
	profiles capability.View

	mu           sync.Mutex
	transport    Transport
	tools        []models.ToolSchema
	toolsAt      time.Time
	validators   map[string]*jsonschema.Schema
	reconnecting bool
	closed       bool
}

// New creates a supervisor. metrics and bus may be nil (tests).
func New(cfg config.ToolServerConfig, profiles capability.View, logger *observability.Logger, metrics *observability.Metrics, bus Publisher) *Supervisor {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Supervisor{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		bus:      bus,
		profiles: profiles,
	}
}

// Start establishes the initial connection: remote if healthy, else the
// local subprocess. Returns an error when neither transport can be
// established; the process maps that to exit code 2 when no remote was
// configured either.
func (s *Supervisor) Start(ctx context.Context) error {
	transport, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.adopt(ctx, transport)
	return nil
}

// connect builds and connects a transport per the configured preference.
func (s *Supervisor) connect(ctx context.Context) (Transport, error) {
	if s.cfg.RemoteURL != "" {
		remote := NewHTTPTransport(s.cfg.RemoteURL, s.cfg.HealthTimeout, s.logger.Slog())
		err := remote.Connect(ctx)
		if err == nil {
			return remote, nil
		}
		s.logger.Warn(ctx, "remote tool server unreachable, falling back", "url", s.cfg.RemoteURL, "error", err)
	}
	if s.cfg.Command == "" {
		return nil, fmt.Errorf("no reachable tool server: remote failed and no subprocess configured")
	}

	local := NewStdioTransport(s.cfg, s.logger.Slog(), s.onTransportExit)
	if err := local.Connect(ctx); err != nil {
		return nil, fmt.Errorf("spawn tool server: %w", err)
	}
	return local, nil
}

// adopt installs a connected transport and refreshes the advertisement.
func (s *Supervisor) adopt(ctx context.Context, transport Transport) {
	s.mu.Lock()
	s.transport = transport
	s.tools = nil
	s.toolsAt = time.Time{}
	s.validators = nil
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetToolServerConnected(true)
	}
	if s.bus != nil {
		s.bus.Publish(models.Event{
			Type:   models.EventToolServerConnected,
			Server: &models.ServerEventPayload{Transport: transport.Kind(), Addr: s.cfg.RemoteURL},
		})
	}

	if _, err := s.ListTools(ctx); err != nil {
		s.logger.Warn(ctx, "initial tool listing failed", "error", err)
	}
}

// Close tears down the transport.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	transport := s.transport
	s.transport = nil
	s.mu.Unlock()

	if transport != nil {
		return transport.Close()
	}
	return nil
}

// Connected reports whether a transport is currently established.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	return transport != nil && transport.Connected()
}

// ListTools returns the current advertisement, cached between reconnects
// with the configured TTL.
func (s *Supervisor) ListTools(ctx context.Context) ([]models.ToolSchema, error) {
	s.mu.Lock()
	transport := s.transport
	cached := s.tools
	fresh := cached != nil && time.Since(s.toolsAt) < s.cfg.ListToolsTTL
	s.mu.Unlock()

	if fresh {
		return cached, nil
	}
	if transport == nil || !transport.Connected() {
		if cached != nil {
			return cached, nil
		}
		return nil, ErrNotConnected
	}

	tools, err := transport.ListTools(ctx)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}

	validators := compileValidators(tools)

	s.mu.Lock()
	s.tools = tools
	s.toolsAt = time.Now()
	s.validators = validators
	s.mu.Unlock()

	return tools, nil
}

// compileValidators builds a schema validator per advertised tool that
// declares parameters. Tools with broken schemas skip validation.
func compileValidators(tools []models.ToolSchema) map[string]*jsonschema.Schema {
	validators := make(map[string]*jsonschema.Schema, len(tools))
	for _, tool := range tools {
		if len(tool.Parameters) == 0 {
			continue
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("tool.json", bytes.NewReader(tool.Parameters)); err != nil {
			continue
		}
		schema, err := compiler.Compile("tool.json")
		if err != nil {
			continue
		}
		validators[tool.Name] = schema
	}
	return validators
}

// ResolveAlias consults the capability registry: a known native alias for
// the model maps to its canonical name, anything else passes through.
func (s *Supervisor) ResolveAlias(modelID, name string) string {
	if s.profiles == nil {
		return name
	}
	return s.profiles.ResolveAlias(modelID, name)
}

// Execute dispatches one tool call within the caller's deadline. The
// canonical name must already be resolved. Failures come back as
// ErrTimeout, ErrNotConnected, ErrUnknownTool, ErrInvalidArguments, or
// ErrTransport wrapped in a DispatchError.
func (s *Supervisor) Execute(ctx context.Context, call models.ToolCall) (string, bool, error) {
	ctx = observability.AddToolCallID(ctx, call.ID)

	s.mu.Lock()
	transport := s.transport
	advertised := s.tools
	validator := s.validators[call.Name]
	s.mu.Unlock()

	if transport == nil || !transport.Connected() {
		return "", false, &DispatchError{Tool: call.Name, CallID: call.ID, Cause: ErrNotConnected}
	}

	if advertised != nil && !toolAdvertised(advertised, call.Name) {
		s.logger.Warn(ctx, "tool not in advertisement, rejected locally", "tool", call.Name)
		return "", false, &DispatchError{Tool: call.Name, CallID: call.ID, Cause: ErrUnknownTool}
	}

	if validator != nil {
		var decoded any
		if err := json.Unmarshal(argsOrEmpty(call.Arguments), &decoded); err != nil {
			s.logger.Warn(ctx, "tool arguments rejected", "tool", call.Name, "error", err)
			return "", false, &DispatchError{Tool: call.Name, CallID: call.ID, Cause: fmt.Errorf("%w: %v", ErrInvalidArguments, err)}
		}
		if err := validator.Validate(decoded); err != nil {
			s.logger.Warn(ctx, "tool arguments rejected", "tool", call.Name, "error", err)
			return "", false, &DispatchError{Tool: call.Name, CallID: call.ID, Cause: fmt.Errorf("%w: %v", ErrInvalidArguments, err)}
		}
	}

	start := time.Now()
	content, isError, err := transport.CallTool(ctx, call.Name, call.Arguments)
	elapsed := time.Since(start)

	if s.metrics != nil {
		status := "ok"
		switch {
		case err != nil:
			status = Reason(err)
		case isError:
			status = "error"
		}
		s.metrics.RecordToolCall(call.Name, status, elapsed.Seconds())
	}

	if err != nil {
		s.logger.Warn(ctx, "tool dispatch failed", "tool", call.Name, "reason", Reason(err), "error", err)
		return "", false, &DispatchError{Tool: call.Name, CallID: call.ID, Cause: err}
	}
	s.logger.Debug(ctx, "tool dispatched", "tool", call.Name, "elapsed_ms", elapsed.Milliseconds(), "is_error", isError)
	return content, isError, nil
}

func toolAdvertised(tools []models.ToolSchema, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func argsOrEmpty(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage(`{}`)
	}
	return args
}

// onTransportExit runs when the subprocess dies unexpectedly.
func (s *Supervisor) onTransportExit() {
	ctx := context.Background()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	alreadyReconnecting := s.reconnecting
	s.reconnecting = true
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetToolServerConnected(false)
	}
	if s.bus != nil {
		s.bus.Publish(models.Event{
			Type:   models.EventToolServerDisconnected,
			Server: &models.ServerEventPayload{Reason: "process exit"},
		})
	}

	// Only one reconnect loop may be in flight at a time.
	if alreadyReconnecting {
		return
	}
	go s.reconnectLoop(ctx)
}

// reconnectLoop retries with capped exponential backoff until it succeeds
// or the supervisor closes.
func (s *Supervisor) reconnectLoop(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	delay := s.cfg.Reconnect.Initial
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	for {
		time.Sleep(delay)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		transport, err := s.connect(ctx)
		if err == nil {
			if s.metrics != nil {
				s.metrics.RecordReconnect(transport.Kind(), true)
			}
			s.logger.Info(ctx, "tool server reconnected", "transport", transport.Kind())
			s.adopt(ctx, transport)
			return
		}

		if s.metrics != nil {
			s.metrics.RecordReconnect("stdio", false)
		}
		s.logger.Warn(ctx, "tool server reconnect failed", "error", err, "next_delay", delay)

		next := time.Duration(float64(delay) * s.cfg.Reconnect.Multiplier)
		if s.cfg.Reconnect.Multiplier <= 1 {
			next = delay * 2
		}
		if limit := s.cfg.Reconnect.Max; limit > 0 && next > limit {
			next = limit
		}
		delay = next
	}
}
