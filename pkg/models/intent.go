package models

// IntentKind identifies the parsed outcome of a model response.
type IntentKind string

const (
	// IntentRespond means the model produced a final answer.
	IntentRespond IntentKind = "respond"

	// IntentCallTool means the model requested one or more tool executions.
	IntentCallTool IntentKind = "call_tool"

	// IntentAskUser means the model wants to ask the user a question.
	IntentAskUser IntentKind = "ask_user"
)

// Intent is the normalized outcome of a model response. Exactly one case is
// populated: Text for respond, Calls for call_tool, Question for ask_user.
// Reasoning carries any natural-language prose that preceded a tool-call
// directive; it is retained as the assistant message before the call.
type Intent struct {
	Kind      IntentKind `json:"kind"`
	Text      string     `json:"text,omitempty"`
	Calls     []ToolCall `json:"calls,omitempty"`
	Question  string     `json:"question,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
}

// Respond builds a respond intent.
func Respond(text string) Intent {
	return Intent{Kind: IntentRespond, Text: text}
}

// CallTools builds a call_tool intent.
func CallTools(reasoning string, calls ...ToolCall) Intent {
	return Intent{Kind: IntentCallTool, Reasoning: reasoning, Calls: calls}
}

// AskUser builds an ask_user intent.
func AskUser(question string) Intent {
	return Intent{Kind: IntentAskUser, Question: question}
}

// Valid reports whether exactly the fields for the intent's kind are set.
func (i Intent) Valid() bool {
	switch i.Kind {
	case IntentRespond:
		return len(i.Calls) == 0 && i.Question == ""
	case IntentCallTool:
		return len(i.Calls) > 0 && i.Text == "" && i.Question == ""
	case IntentAskUser:
		return i.Question != "" && i.Text == "" && len(i.Calls) == 0
	default:
		return false
	}
}
