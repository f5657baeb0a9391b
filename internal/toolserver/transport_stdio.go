package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/pkg/models"
)

// StdioTransport spawns the tool-server binary as a child process and speaks
// line-delimited JSON-RPC 2.0 over its stdin/stdout: one request per line,
// one response per line, id-matched. Stderr is captured as log events.
//
// Methods: tools/list, tools/call(name, arguments).
type StdioTransport struct {
	cfg    config.ToolServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]*pendingCall
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	exited    chan struct{}
	wg        sync.WaitGroup

	// onExit is invoked once when the process dies or the stdout stream
	// ends; the supervisor uses it to schedule a reconnect.
	onExit   func()
	exitOnce sync.Once
}

// pendingCall is one in-flight request. A timed-out caller abandons the
// entry without freeing the id: a late response is discarded, and teardown
// clears the table.
type pendingCall struct {
	ch        chan *rpcResponse
	abandoned bool
}

// NewStdioTransport creates a stdio transport for the configured command.
// onExit may be nil.
func NewStdioTransport(cfg config.ToolServerConfig, logger *slog.Logger, onExit func()) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		cfg:      cfg,
		logger:   logger.With("component", "toolserver", "transport", "stdio"),
		pending:  make(map[int64]*pendingCall),
		stopChan: make(chan struct{}),
		exited:   make(chan struct{}),
		onExit:   onExit,
	}
}

// Connect starts the subprocess and the reader goroutines.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.cfg.Command == "" {
		return fmt.Errorf("tool server command is required for stdio transport")
	}

	t.process = exec.Command(t.cfg.Command, t.cfg.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.cfg.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.cfg.WorkDir != "" {
		t.process.Dir = t.cfg.WorkDir
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	t.stdin = stdin

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start tool server: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info("started tool server process",
		"command", t.cfg.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop(stdout)

	if stderr != nil {
		t.wg.Add(1)
		go t.logStderr(stderr)
	}

	return nil
}

// Close kills the subprocess and fails all pending calls.
func (t *StdioTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stopChan)

	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		t.process.Process.Kill()
		t.process.Wait()
	}
	t.wg.Wait()
	t.failPending()
	return nil
}

// Connected reports whether the subprocess is alive.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// Kind identifies the transport.
func (t *StdioTransport) Kind() string {
	return "stdio"
}

// ListTools issues tools/list.
func (t *StdioTransport) ListTools(ctx context.Context) ([]models.ToolSchema, error) {
	raw, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var doc toolListResult
	if err := json.Unmarshal(raw, &doc); err != nil {
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

// CallTool issues tools/call.
func (t *StdioTransport) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	params, err := json.Marshal(callParams{Name: name, Arguments: args})
	if err != nil {
		return "", false, fmt.Errorf("%w: marshal params: %v", ErrTransport, err)
	}
	raw, err := t.call(ctx, "tools/call", params)
	if err != nil {
		return "", false, err
	}
	var result callResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, fmt.Errorf("%w: decode tool result: %v", ErrTransport, err)
	}
	return result.text(), result.IsError, nil
}

// call sends one request line and waits for its id-matched response.
func (t *StdioTransport) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	pc := &pendingCall{ch: make(chan *rpcResponse, 1)}
	t.pendingMu.Lock()
	t.pending[id] = pc
	t.pendingMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		t.free(id)
		return nil, fmt.Errorf("%w: marshal request: %v", ErrTransport, err)
	}

	t.writeMu.Lock()
	_, err = t.stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		t.free(id)
		return nil, fmt.Errorf("%w: write request: %v", ErrTransport, err)
	}

	select {
	case resp := <-pc.ch:
		t.free(id)
		if resp.Error != nil {
			if resp.Error.Code == -32601 || resp.Error.Code == -32002 {
				return nil, ErrUnknownTool
			}
			return nil, fmt.Errorf("%w: rpc error %d: %s", ErrTransport, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil

	case <-ctx.Done():
		// Abandon without freeing the id: a late response must be matched
		// and discarded, not mistaken for a new call's reply.
		t.abandon(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()

	case <-t.stopChan:
		t.free(id)
		return nil, ErrTransport
	}
}

func (t *StdioTransport) free(id int64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

func (t *StdioTransport) abandon(id int64) {
	t.pendingMu.Lock()
	if pc, ok := t.pending[id]; ok {
		pc.abandoned = true
	}
	t.pendingMu.Unlock()
}

// failPending drops every in-flight call on teardown.
func (t *StdioTransport) failPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, pc := range t.pending {
		if !pc.abandoned {
			select {
			case pc.ch <- &rpcResponse{ID: &id, Error: &rpcError{Code: -32000, Message: "transport closed"}}:
			default:
			}
		}
		delete(t.pending, id)
	}
}

// readLoop reads response lines from stdout until the process exits.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.handleExit()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		t.processLine(line)
	}

	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

// processLine matches one response line against the pending table.
func (t *StdioTransport) processLine(line string) {
	var resp rpcResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil || resp.ID == nil {
		t.logger.Warn("unparseable tool server output", "line", truncate(line, 200))
		return
	}

	id := *resp.ID
	t.pendingMu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	switch {
	case !ok:
		t.logger.Debug("response for unknown rpc id", "id", id)
	case pc.abandoned:
		// The caller already timed out; the id is freed now.
		t.logger.Debug("discarding late response", "id", id)
	default:
		select {
		case pc.ch <- &resp:
		default:
		}
	}
}

// logStderr surfaces subprocess stderr as log events.
func (t *StdioTransport) logStderr(stderr io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("tool server stderr", "message", line)
		}
	}
}

// handleExit runs when stdout closes: process death or teardown.
func (t *StdioTransport) handleExit() {
	wasConnected := t.connected.Swap(false)
	t.exitOnce.Do(func() {
		close(t.exited)
		t.failPending()
		if wasConnected && t.onExit != nil {
			// Unrequested exit: let the supervisor reconnect.
			select {
			case <-t.stopChan:
			default:
				go t.onExit()
			}
		}
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
