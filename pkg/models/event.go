package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of proxy event.
type EventType string

const (
	// Request lifecycle
	EventRequestStarted  EventType = "request.started"
	EventRequestFinished EventType = "request.finished"
	EventRequestFailed   EventType = "request.failed"

	// Step (loop iteration) lifecycle
	EventStepStarted  EventType = "step.started"
	EventStepFinished EventType = "step.finished"

	// Model streaming and parsing
	EventModelChunk   EventType = "model.chunk"
	EventIntentParsed EventType = "intent.parsed"

	// Tool execution
	EventToolCallStarted  EventType = "tool_call.started"
	EventToolCallFinished EventType = "tool_call.finished"

	// Tool-server supervisor lifecycle
	EventToolServerConnected    EventType = "tool_server.connected"
	EventToolServerDisconnected EventType = "tool_server.disconnected"

	// Advisory signals
	EventWarning        EventType = "warning"
	EventLearningSignal EventType = "learning.signal"

	// Cache invalidation for the capability registry and config snapshot.
	EventProfilesInvalidated EventType = "profiles.invalidated"
	EventConfigInvalidated   EventType = "config.invalidated"
)

// Event is the tagged union broadcast on the event bus. Events are write-once
// and carry a per-request sequence number: for a fixed RequestID, Sequence is
// strictly increasing in emission order.
//
// Exactly one payload pointer should be non-nil for a given Type.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	Sequence  uint64    `json:"seq,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	StepIndex int       `json:"step_index,omitempty"`

	Request  *RequestEventPayload  `json:"request,omitempty"`
	Step     *Step                 `json:"step,omitempty"`
	Stream   *StreamEventPayload   `json:"stream,omitempty"`
	Intent   *Intent               `json:"intent,omitempty"`
	Tool     *ToolEventPayload     `json:"tool,omitempty"`
	Server   *ServerEventPayload   `json:"server,omitempty"`
	Error    *ErrorEventPayload    `json:"error,omitempty"`
	Warning  *WarningEventPayload  `json:"warning,omitempty"`
	Learning *LearningEventPayload `json:"learning,omitempty"`
}

// RequestEventPayload describes request lifecycle transitions. The started
// event carries the normalized incoming request; the finished event carries
// the outcome and final assistant message. The session recorder assembles
// turn records from exactly these payloads.
type RequestEventPayload struct {
	Model    string        `json:"model,omitempty"`
	Strategy string        `json:"strategy,omitempty"`
	Incoming *ChatRequest  `json:"incoming,omitempty"`
	Outcome  Outcome       `json:"outcome,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
	Final    *ChatMessage  `json:"final,omitempty"`
}

// StreamEventPayload carries model streaming deltas.
type StreamEventPayload struct {
	Delta        string `json:"delta,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// ToolEventPayload describes tool call lifecycle transitions.
type ToolEventPayload struct {
	CallID   string           `json:"call_id"`
	Name     string           `json:"name"`
	ArgsJSON json.RawMessage  `json:"args_json,omitempty"`
	Status   ToolResultStatus `json:"status,omitempty"`
	Result   string           `json:"result,omitempty"`
	Elapsed  time.Duration    `json:"elapsed,omitempty"`
}

// ServerEventPayload describes tool-server connectivity transitions.
type ServerEventPayload struct {
	Transport string `json:"transport,omitempty"`
	Addr      string `json:"addr,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorEventPayload standardizes failures on the event stream.
type ErrorEventPayload struct {
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`

	// Err preserves the original error for errors.Is/errors.As. Runtime only.
	Err error `json:"-"`
}

// WarningEventPayload carries non-fatal advisory conditions, such as a tool
// present in a capability profile but absent from the live advertisement.
type WarningEventPayload struct {
	Message string `json:"message"`
	Tool    string `json:"tool,omitempty"`
	Model   string `json:"model,omitempty"`
}

// LearningEventPayload carries the advisory user-correction signal emitted by
// the router. It never influences the main execution path.
type LearningEventPayload struct {
	Pattern   string `json:"pattern"`
	UserText  string `json:"user_text"`
	PriorText string `json:"prior_text,omitempty"`
}
