// Package intent extracts structured tool-call intents from free-form model
// text. Different model families emit tool calls in incompatible syntaxes;
// this parser is a permissive front-end so the rest of the proxy sees a
// single internal representation.
package intent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// nameKeys and argKeys are probed in order on every candidate JSON object.
var (
	nameKeys = []string{"name", "tool", "function", "tool_name", "function_name"}
	argKeys  = []string{"arguments", "parameters", "params", "args", "input"}
)

// delimiter is one enclosed-JSON pattern: an opening and closing marker
// around a JSON object.
type delimiter struct {
	open  string
	close string
}

// delimiters covers the known wire formats, tried in order. The structured
// formats (native, openai-tools) never reach the parser as text, but models
// taught those formats occasionally echo them inline, so the fenced and raw
// fallbacks still catch them.
var delimiters = []delimiter{
	{"<tool_call>", "</tool_call>"},
	{"<function_call>", "</function_call>"},
	{"[TOOL_REQUEST]", "[END_TOOL_REQUEST]"},
	{"[TOOL_REQUEST]", "[END_TOOL_RESULT]"},
	{"```json", "```"},
	{"```", "```"},
}

var thinkSpans = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<think>.*?</think>`),
	regexp.MustCompile(`(?s)<reasoning>.*?</reasoning>`),
}

// Parse turns raw model response text into an Intent. Parsing is pure:
// the same text always yields an equal Intent.
func Parse(text string) models.Intent {
	stripped := stripThinkSpans(text)

	// Enclosed-JSON patterns first, collecting every directive in order.
	calls, remainder := extractDelimited(stripped)
	if len(calls) == 0 {
		// No delimited match: scan for any balanced JSON object.
		calls, remainder = extractBare(stripped)
	}

	if len(calls) > 0 {
		if action := calls[0].action; action != "" && action != "call_tool" {
			return actionIntent(action, calls[0].payload, remainder)
		}
		out := make([]models.ToolCall, 0, len(calls))
		for _, c := range calls {
			if c.call != nil {
				out = append(out, *c.call)
			}
		}
		if len(out) > 0 {
			return models.CallTools(strings.TrimSpace(remainder), out...)
		}
	}

	cleaned := strings.TrimSpace(stripFragments(stripped))
	return models.Respond(cleaned)
}

// candidate is a parsed JSON object that may or may not be a tool call.
type candidate struct {
	call    *models.ToolCall
	action  string
	payload map[string]any
}

// extractDelimited walks the delimiter table and returns every tool-call
// candidate found, plus the surrounding prose with directives removed.
// Delimited spans that do not contain a directive stay in the prose (a
// fenced code block in a normal answer must survive).
func extractDelimited(text string) ([]candidate, string) {
	for _, d := range delimiters {
		found, remainder := extractWithDelimiter(text, d)
		if len(found) > 0 {
			return found, remainder
		}
	}
	return nil, text
}

func extractWithDelimiter(text string, d delimiter) ([]candidate, string) {
	var found []candidate
	remainder := text
	from := 0

	for from < len(remainder) {
		rel := strings.Index(remainder[from:], d.open)
		if rel < 0 {
			break
		}
		start := from + rel
		afterOpen := start + len(d.open)
		endRel := strings.Index(remainder[afterOpen:], d.close)
		if endRel < 0 {
			break
		}
		payload := remainder[afterOpen : afterOpen+endRel]
		spanEnd := afterOpen + endRel + len(d.close)

		if obj, ok := decodeObject(strings.TrimSpace(payload)); ok {
			if c := candidateFromObject(obj); c != nil {
				found = append(found, *c)
				remainder = remainder[:start] + remainder[spanEnd:]
				from = start
				continue
			}
		}
		from = spanEnd
	}
	return found, remainder
}

// extractBare scans the text for balanced JSON objects and collects every
// directive-shaped one, leaving unrelated objects in the prose.
func extractBare(text string) ([]candidate, string) {
	var found []candidate
	remainder := text
	from := 0

	for from < len(remainder) {
		objText, start, end := balancedObjectAt(remainder, from)
		if objText == "" {
			break
		}
		obj, ok := decodeObject(objText)
		if !ok {
			from = start + 1
			continue
		}
		c := candidateFromObject(obj)
		if c == nil {
			from = end
			continue
		}
		found = append(found, *c)
		remainder = remainder[:start] + remainder[end:]
		from = start
	}

	if len(found) > 0 {
		return found, remainder
	}
	return nil, text
}

// balancedObjectAt finds the first balanced {...} span at or after from,
// respecting strings and escapes. Returns the span text and its bounds.
func balancedObjectAt(text string, from int) (string, int, int) {
	rel := strings.IndexByte(text[from:], '{')
	if rel < 0 {
		return "", 0, 0
	}
	start := from + rel
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], start, i + 1
			}
		}
	}
	return "", 0, 0
}

func decodeObject(text string) (map[string]any, bool) {
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// candidateFromObject probes a decoded object for a tool-call shape or an
// explicit action field. Returns nil for unrelated objects.
func candidateFromObject(obj map[string]any) *candidate {
	action, _ := obj["action"].(string)
	if action != "" && action != "call_tool" {
		return &candidate{action: action, payload: obj}
	}

	name, args := probe(obj)
	if name == "" {
		if action != "" {
			return &candidate{action: action, payload: obj}
		}
		return nil
	}

	return &candidate{
		action: action,
		call: &models.ToolCall{
			Name:      name,
			Arguments: args,
		},
	}
}

// probe looks for a tool name and arguments in an object, recursing into a
// nested "function" object when present (OpenAI-style nesting).
func probe(obj map[string]any) (string, json.RawMessage) {
	var name string
	for _, key := range nameKeys {
		v, ok := obj[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			name = val
		case map[string]any:
			// {"function": {"name": ..., "arguments": ...}}
			if n, a := probe(val); n != "" {
				return n, a
			}
		}
		if name != "" {
			break
		}
	}
	if name == "" {
		return "", nil
	}

	for _, key := range argKeys {
		v, ok := obj[key]
		if !ok {
			continue
		}
		return name, normalizeArgs(v)
	}
	return name, json.RawMessage(`{}`)
}

// normalizeArgs decodes string-typed arguments recursively: a tool call
// whose arguments are a JSON string is treated identically to the same call
// with that string parsed as JSON.
func normalizeArgs(v any) json.RawMessage {
	for {
		s, ok := v.(string)
		if !ok {
			break
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			// Not JSON: wrap the bare string as a single input argument.
			raw, _ := json.Marshal(map[string]string{"input": s})
			return raw
		}
		v = decoded
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// actionIntent honours an explicit top-level action field.
func actionIntent(action string, obj map[string]any, remainder string) models.Intent {
	switch action {
	case "respond":
		for _, key := range []string{"text", "response", "message", "answer", "content"} {
			if s, ok := obj[key].(string); ok && s != "" {
				return models.Respond(s)
			}
		}
		return models.Respond(strings.TrimSpace(remainder))
	case "ask_user":
		for _, key := range []string{"question", "text", "message"} {
			if s, ok := obj[key].(string); ok && s != "" {
				return models.AskUser(s)
			}
		}
		return models.AskUser(strings.TrimSpace(remainder))
	default:
		// Unknown action: fall back to responding with the prose.
		return models.Respond(strings.TrimSpace(remainder))
	}
}

func stripThinkSpans(text string) string {
	for _, re := range thinkSpans {
		text = re.ReplaceAllString(text, "")
	}
	return text
}

var fragmentMarkers = []string{
	"<tool_call>", "</tool_call>",
	"<function_call>", "</function_call>",
	"[TOOL_REQUEST]", "[END_TOOL_REQUEST]", "[END_TOOL_RESULT]",
}

// stripFragments removes the tool-call markers in fragmentMarkers from text
// that failed to parse, leaving readable prose. Fenced blocks are kept.
func stripFragments(text string) string {
	for _, m := range fragmentMarkers {
		text = strings.ReplaceAll(text, m, "")
	}
	return text
}
