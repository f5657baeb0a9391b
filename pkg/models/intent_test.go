package models

import (
	"encoding/json"
	"testing"
)

func TestIntent_Valid(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)}

	cases := []struct {
		name   string
		intent Intent
		want   bool
	}{
		{"respond", Respond("hello"), true},
		{"respond empty", Respond(""), true},
		{"call_tool", CallTools("", call), true},
		{"call_tool with reasoning", CallTools("checking the file", call), true},
		{"ask_user", AskUser("which file?"), true},
		{"call_tool without calls", Intent{Kind: IntentCallTool}, false},
		{"ask_user without question", Intent{Kind: IntentAskUser}, false},
		{"mixed respond and calls", Intent{Kind: IntentRespond, Text: "x", Calls: []ToolCall{call}}, false},
		{"unknown kind", Intent{Kind: "plan"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.intent.Valid(); got != tc.want {
				t.Errorf("Valid() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestToolResult_IsError(t *testing.T) {
	ok := &ToolResult{ToolCallID: "c1", Status: ToolResultOK, Content: "done"}
	if ok.IsError() {
		t.Error("ok result should not be an error")
	}
	bad := &ToolResult{ToolCallID: "c1", Status: ToolResultError, Content: "timeout"}
	if !bad.IsError() {
		t.Error("error result should report IsError")
	}
	var nilRes *ToolResult
	if nilRes.IsError() {
		t.Error("nil result should not report IsError")
	}
}

func TestChatRequest_Clone(t *testing.T) {
	req := &ChatRequest{
		Model: "gpt-x",
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "hello"},
		},
		Tools: []ToolSchema{{Name: "read_file"}},
	}

	cp := req.Clone()
	cp.Messages = append(cp.Messages, ChatMessage{Role: RoleAssistant, Content: "hi"})
	cp.Messages[0].Content = "changed"

	if len(req.Messages) != 2 {
		t.Errorf("original messages len = %d, want 2", len(req.Messages))
	}
	if req.Messages[0].Content != "sys" {
		t.Errorf("original system content = %q, want %q", req.Messages[0].Content, "sys")
	}
}
