package gateway

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/haasonsaas/relay/pkg/models"
)

// ambientInstructions is the operating preamble synthesised into requests
// that arrive without a system message.
const ambientInstructions = "You are a coding assistant operating on the developer's project through the available tools. Prefer tool calls over guessing about project contents."

// Normalize brings an incoming transcript into canonical form:
//
//   - control characters that break downstream tokenizers are stripped
//   - consecutive same-role user and system messages are merged
//   - exactly one leading system message (synthesised if absent)
//   - tool messages may only follow an assistant message that issued a
//     tool call with a matching id
//
// Normalizing an already-normalized request yields the same request.
func Normalize(req *models.ChatRequest) (*models.ChatRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}

	out := req.Clone()

	cleaned := make([]models.ChatMessage, 0, len(out.Messages))
	for _, msg := range out.Messages {
		msg.Content = stripControl(msg.Content)
		if msg.ToolResult != nil {
			tr := *msg.ToolResult
			tr.Content = stripControl(tr.Content)
			msg.ToolResult = &tr
		}
		cleaned = append(cleaned, msg)
	}

	merged := mergeConsecutive(cleaned)

	// Hoist or synthesise the leading system message.
	var system models.ChatMessage
	rest := merged
	if merged[0].Role == models.RoleSystem {
		system = merged[0]
		rest = merged[1:]
	} else {
		system = models.ChatMessage{Role: models.RoleSystem, Content: ambientInstructions}
	}

	if err := validateOrder(rest); err != nil {
		return nil, err
	}

	out.Messages = append([]models.ChatMessage{system}, rest...)
	return out, nil
}

// mergeConsecutive folds runs of same-role user or system messages into one
// message, newline-joined. Assistant and tool messages are never merged.
func mergeConsecutive(messages []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			mergeable := msg.Role == prev.Role &&
				(msg.Role == models.RoleUser || msg.Role == models.RoleSystem) &&
				len(msg.ToolCalls) == 0 && len(prev.ToolCalls) == 0
			if mergeable {
				if prev.Content != "" && msg.Content != "" {
					prev.Content += "\n" + msg.Content
				} else {
					prev.Content += msg.Content
				}
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

// validateOrder enforces the tool-message invariant over the non-system
// tail of the transcript.
func validateOrder(messages []models.ChatMessage) error {
	// ids of tool calls issued by the most recent assistant message that
	// have not yet been answered
	open := map[string]bool{}

	for i, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			return fmt.Errorf("message %d: system message after the transcript head", i)

		case models.RoleAssistant:
			open = map[string]bool{}
			for _, call := range msg.ToolCalls {
				open[call.ID] = true
			}

		case models.RoleTool:
			if msg.ToolResult == nil {
				return fmt.Errorf("message %d: tool message without a tool result", i)
			}
			id := msg.ToolResult.ToolCallID
			if !open[id] {
				return fmt.Errorf("message %d: tool result %q does not answer a preceding assistant tool call", i, id)
			}
			delete(open, id)

		case models.RoleUser:
			// Always legal.
		}
	}
	return nil
}

// stripControl removes control characters other than tab, newline and
// carriage return.
func stripControl(s string) string {
	if !strings.ContainsFunc(s, isBannedControl) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isBannedControl(r) {
			return -1
		}
		return r
	}, s)
}

func isBannedControl(r rune) bool {
	if r == '\n' || r == '\t' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}
