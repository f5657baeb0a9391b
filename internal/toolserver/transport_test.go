package toolserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/config"
)

// fakeToolServer serves the remote tool-server HTTP surface.
func fakeToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{
				{"name": "read_file", "description": "Read a file", "parameters": map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": map[string]any{"type": "string"}},
					"required":   []string{"path"},
				}},
				{"name": "slow_tool"},
			},
		})
	})
	mux.HandleFunc("/tools/read_file", func(w http.ResponseWriter, r *http.Request) {
		var args map[string]any
		json.NewDecoder(r.Body).Decode(&args)
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "contents of " + args["path"].(string)}},
		})
	})
	mux.HandleFunc("/tools/slow_tool", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "slow done"}},
		})
	})
	mux.HandleFunc("/tools/broken_tool", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "disk on fire"}},
			"isError": true,
		})
	})
	mux.HandleFunc("/tools/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHTTPTransport_HealthAndCall(t *testing.T) {
	server := fakeToolServer(t)
	transport := NewHTTPTransport(server.URL, time.Second, nil)

	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !transport.Connected() {
		t.Fatal("transport should be connected")
	}

	tools, err := transport.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "read_file" {
		t.Errorf("tools = %+v", tools)
	}

	content, isError, err := transport.CallTool(context.Background(), "read_file", json.RawMessage(`{"path":"README.md"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if isError {
		t.Error("unexpected isError")
	}
	if content != "contents of README.md" {
		t.Errorf("content = %q", content)
	}
}

func TestHTTPTransport_ServerSideErrorResult(t *testing.T) {
	server := fakeToolServer(t)
	transport := NewHTTPTransport(server.URL, time.Second, nil)
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	content, isError, err := transport.CallTool(context.Background(), "broken_tool", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !isError {
		t.Error("isError should be set")
	}
	if content != "disk on fire" {
		t.Errorf("content = %q", content)
	}
}

func TestHTTPTransport_UnknownToolIs404(t *testing.T) {
	server := fakeToolServer(t)
	transport := NewHTTPTransport(server.URL, time.Second, nil)
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, _, err := transport.CallTool(context.Background(), "no_such_tool", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if Reason(err) != "tool-unknown" {
		t.Errorf("Reason = %q, want tool-unknown", Reason(err))
	}
}

func TestHTTPTransport_DeadlineMapsToTimeout(t *testing.T) {
	server := fakeToolServer(t)
	transport := NewHTTPTransport(server.URL, time.Second, nil)
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, _, err := transport.CallTool(ctx, "slow_tool", nil)
	if Reason(err) != "timeout" {
		t.Errorf("Reason = %q (err %v), want timeout", Reason(err), err)
	}
}

func TestHTTPTransport_HealthProbeFailure(t *testing.T) {
	transport := NewHTTPTransport("http://127.0.0.1:1", 200*time.Millisecond, nil)
	if err := transport.Connect(context.Background()); err == nil {
		t.Fatal("Connect should fail against a dead endpoint")
	}
	if transport.Connected() {
		t.Error("transport should not report connected")
	}
}

// writeStubServer writes a shell script that speaks the line-delimited
// JSON-RPC protocol well enough for transport tests.
func writeStubServer(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  case "$line" in
  *tools/list*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"read_file"},{"name":"search"}]}}\n' "$id"
    ;;
  *sleepy*)
    sleep 2
    printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"late"}]}}\n' "$id"
    ;;
  *no_such*)
    printf '{"jsonrpc":"2.0","id":%s,"error":{"code":-32002,"message":"tool not found"}}\n' "$id"
    ;;
  *)
    printf 'to stderr\n' >&2
    printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"ok"}]}}\n' "$id"
    ;;
  esac
done
`
	path := filepath.Join(t.TempDir(), "stub-tool-server.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func stdioConfig(command string) config.ToolServerConfig {
	return config.ToolServerConfig{Command: command}
}

func TestStdioTransport_ListAndCall(t *testing.T) {
	transport := NewStdioTransport(stdioConfig(writeStubServer(t)), nil, nil)
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer transport.Close()

	tools, err := transport.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("tools = %+v", tools)
	}

	content, isError, err := transport.CallTool(context.Background(), "read_file", json.RawMessage(`{"path":"a"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if isError || content != "ok" {
		t.Errorf("content = %q isError = %v", content, isError)
	}
}

func TestStdioTransport_RPCErrorMapsToUnknownTool(t *testing.T) {
	transport := NewStdioTransport(stdioConfig(writeStubServer(t)), nil, nil)
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer transport.Close()

	_, _, err := transport.CallTool(context.Background(), "no_such", nil)
	if Reason(err) != "tool-unknown" {
		t.Errorf("Reason = %q (err %v), want tool-unknown", Reason(err), err)
	}
}

func TestStdioTransport_TimeoutAbandonsCall(t *testing.T) {
	transport := NewStdioTransport(stdioConfig(writeStubServer(t)), nil, nil)
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, _, err := transport.CallTool(ctx, "sleepy", nil)
	if Reason(err) != "timeout" {
		t.Fatalf("Reason = %q (err %v), want timeout", Reason(err), err)
	}

	// The next call must not be confused by the late response to the
	// abandoned id.
	content, _, err := transport.CallTool(context.Background(), "read_file", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("follow-up CallTool: %v", err)
	}
	if content != "ok" {
		t.Errorf("follow-up content = %q", content)
	}
}

func TestStdioTransport_ExitTriggersCallback(t *testing.T) {
	exited := make(chan struct{})
	transport := NewStdioTransport(stdioConfig(writeStubServer(t)), nil, func() {
		close(exited)
	})
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Kill the subprocess from outside; the reader loop must notice.
	transport.process.Process.Kill()

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("exit callback never fired")
	}
	if transport.Connected() {
		t.Error("transport should report disconnected after exit")
	}
}
