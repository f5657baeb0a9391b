// Package toolserver maintains the logical connection to the external tool
// server and dispatches tool calls over it. Two transports are supported,
// transparent to callers: a remote HTTP server, or a local subprocess wired
// to stdin/stdout speaking line-delimited JSON-RPC 2.0.
package toolserver

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for dispatch failures. The agentic loop converts these to
// error tool-results; they are never terminal on their own.
var (
	// ErrNotConnected indicates no transport is currently established.
	ErrNotConnected = errors.New("tool server not connected")

	// ErrTimeout indicates the call exceeded its deadline.
	ErrTimeout = errors.New("tool call timed out")

	// ErrTransport indicates the transport failed mid-call.
	ErrTransport = errors.New("tool server transport error")

	// ErrUnknownTool indicates the tool is not in the live advertisement.
	ErrUnknownTool = errors.New("tool not available")

	// ErrInvalidArguments indicates the arguments failed schema validation.
	ErrInvalidArguments = errors.New("tool arguments rejected by schema")
)

// DispatchError wraps a dispatch failure with the tool and call context.
type DispatchError struct {
	Tool   string
	CallID string
	Cause  error
}

func (e *DispatchError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("dispatch %s (call %s): %v", e.Tool, e.CallID, e.Cause)
	}
	return fmt.Sprintf("dispatch %s: %v", e.Tool, e.Cause)
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// Reason returns the short reason string recorded in error tool-results.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotConnected):
		return "not-connected"
	case errors.Is(err, ErrUnknownTool):
		return "tool-unknown"
	case errors.Is(err, ErrInvalidArguments):
		return "invalid-arguments"
	default:
		return "transport-error"
	}
}

// JSON-RPC 2.0 framing for the stdio transport.

// rpcRequest is one request line on the subprocess's stdin.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is one response line on the subprocess's stdout.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// callParams carries tools/call parameters.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolListResult is the tools/list result and the GET /tools body.
type toolListResult struct {
	Tools []toolInfo `json:"tools"`
}

// toolInfo is one advertised tool.
type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// callResult is the tools/call result and the POST /tools/<name> body:
// {content:[{type, text}]}.
type callResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// contentItem is one piece of tool output.
type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// text concatenates the textual content items.
func (r *callResult) text() string {
	if r == nil {
		return ""
	}
	out := ""
	for _, item := range r.Content {
		if item.Type == "text" || item.Type == "" {
			out += item.Text
		}
	}
	return out
}
