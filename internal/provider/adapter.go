// Package provider hides upstream differences behind one call shape: a
// streaming Generate over the OpenAI chat-completion wire format. The closed
// set of provider kinds — local inference server, hosted API, tenant-scoped
// deployment, aggregator endpoint — all speak that format and differ only in
// addressing and credentials.
package provider

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// Chunk is one unit of a streaming generation.
type Chunk struct {
	// Text is incremental response text.
	Text string

	// ToolCall is a complete structured tool call (native formats only).
	ToolCall *models.ToolCall

	// Done marks the final chunk; token counts are populated here when the
	// upstream reports usage.
	Done         bool
	InputTokens  int
	OutputTokens int

	// Err terminates the stream.
	Err error
}

// Request is one generation call.
type Request struct {
	Model       string
	Messages    []models.ChatMessage
	Tools       []models.ToolSchema
	Temperature float32
	MaxTokens   int

	// NativeTools controls whether tool schemas are sent in the provider's
	// structured tools field. Models whose capability profile uses a textual
	// wire format get tools through prosthetic prompts instead.
	NativeTools bool
}

// Adapter is the single call shape the loop depends on.
//
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Generate streams a completion. The channel closes after the Done (or
	// Err) chunk. Cancellation of ctx closes the upstream read.
	Generate(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name identifies the provider for logs and metrics.
	Name() string
}

// Registry routes model ids to configured adapters.
type Registry struct {
	adapters []routedAdapter
}

type routedAdapter struct {
	adapter Adapter
	serves  func(model string) bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers an adapter with its model predicate. Adapters are consulted
// in registration order; the first match wins.
func (r *Registry) Add(adapter Adapter, serves func(model string) bool) {
	r.adapters = append(r.adapters, routedAdapter{adapter: adapter, serves: serves})
}

// Route returns the adapter serving the given model id.
func (r *Registry) Route(model string) (Adapter, error) {
	for _, entry := range r.adapters {
		if entry.serves == nil || entry.serves(model) {
			return entry.adapter, nil
		}
	}
	return nil, ErrNoProvider
}
