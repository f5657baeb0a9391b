package toolserver

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/relay/pkg/models"
)

// Transport abstracts the two ways of reaching a tool server. Callers never
// see which one is active.
//
// Implementations must be safe for concurrent use: the supervisor issues
// multiple CallTool invocations at once.
type Transport interface {
	// Connect establishes the transport (health probe or subprocess spawn).
	Connect(ctx context.Context) error

	// Close tears the transport down. All pending calls fail with
	// ErrTransport.
	Close() error

	// Connected reports whether the transport is currently usable.
	Connected() bool

	// Kind identifies the transport for logs and metrics: "http" or "stdio".
	Kind() string

	// ListTools fetches the current tool advertisement.
	ListTools(ctx context.Context) ([]models.ToolSchema, error)

	// CallTool dispatches one tool call and returns its textual result.
	// The isError flag mirrors the server's own error marker; transport
	// failures are returned as errors instead.
	CallTool(ctx context.Context, name string, args json.RawMessage) (content string, isError bool, err error)
}
