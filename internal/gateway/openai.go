package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// OpenAI chat-completion wire format, inbound and outbound.

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireFunctionSpec `json:"function"`
}

type wireFunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatCompletionResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []responseChoice `json:"choices"`
	Usage   responseUsage    `json:"usage"`
}

type responseChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Streaming chunk frames.

type chatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// contentText extracts plain text from an OpenAI content value: either a
// bare string or an array of typed parts.
func contentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("unsupported content shape")
	}
	out := ""
	for _, part := range parts {
		if part.Type == "text" || part.Type == "" {
			out += part.Text
		}
	}
	return out, nil
}

// toInternal converts the incoming request to the internal shape. Tool-result
// messages are carried per message; tool calls keep their raw argument
// strings for the intent parser's string-argument handling downstream.
func (req *chatCompletionRequest) toInternal() (*models.ChatRequest, error) {
	out := &models.ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}

	for i, msg := range req.Messages {
		role := models.Role(msg.Role)
		switch role {
		case models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleTool:
		default:
			return nil, fmt.Errorf("message %d: unknown role %q", i, msg.Role)
		}

		text, err := contentText(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("message %d: %v", i, err)
		}

		converted := models.ChatMessage{Role: role, Content: text}
		for _, tc := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, models.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		if role == models.RoleTool {
			converted.Content = ""
			converted.ToolResult = &models.ToolResult{
				ToolCallID: msg.ToolCallID,
				Status:     models.ToolResultOK,
				Content:    text,
			}
		}
		out.Messages = append(out.Messages, converted)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, models.ToolSchema{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	return out, nil
}

// completionResponse renders the final assistant message in OpenAI form.
func completionResponse(requestID, model string, final models.ChatMessage) *chatCompletionResponse {
	content, _ := json.Marshal(final.Content)
	return &chatCompletionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []responseChoice{
			{
				Index:        0,
				Message:      wireMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
	}
}
