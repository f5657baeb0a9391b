// Package capability maintains per-model capability profiles: the tool-call
// wire format a model emits, the tools it may see, alias mappings to the
// tool server's canonical names, and prosthetic prompt fragments.
package capability

import "fmt"

// WireFormat is the closed set of tool-call syntaxes a model may emit.
type WireFormat string

const (
	// WireNative uses the provider's native structured tool-call field.
	WireNative WireFormat = "native-structured"

	// WireOpenAITools uses the OpenAI tool_calls array.
	WireOpenAITools WireFormat = "openai-tools"

	// WireHermesXML wraps a JSON object in <tool_call>…</tool_call> tags.
	WireHermesXML WireFormat = "hermes-xml"

	// WireBracketed wraps a JSON object in [TOOL_REQUEST]…[END_TOOL_REQUEST]
	// markers.
	WireBracketed WireFormat = "bracketed"

	// WireRawJSON emits a bare JSON object in the content.
	WireRawJSON WireFormat = "raw-json"
)

// Valid reports whether f is one of the known formats.
func (f WireFormat) Valid() bool {
	switch f {
	case WireNative, WireOpenAITools, WireHermesXML, WireBracketed, WireRawJSON:
		return true
	}
	return false
}

// Structured reports whether the provider delivers tool calls as structured
// fields rather than inline text the intent parser must extract.
func (f WireFormat) Structured() bool {
	return f == WireNative || f == WireOpenAITools
}

// Profile is the capability record for one model id. Profiles are loaded at
// startup, updated out-of-band by the teaching subsystem, and consulted
// read-only here; a profiles-invalidated signal forces a reload.
type Profile struct {
	ModelID           string            `json:"model_id"`
	DisplayName       string            `json:"display_name,omitempty"`
	Provider          string            `json:"provider,omitempty"`
	WireFormat        WireFormat        `json:"wire_format"`
	Tools             []string          `json:"tools,omitempty"`
	Aliases           map[string]string `json:"aliases,omitempty"`
	Prosthetic        string            `json:"prosthetic,omitempty"`
	ContextWindow     int               `json:"context_window,omitempty"`
	Enabled           bool              `json:"enabled"`
	VerificationScore float64           `json:"verification_score,omitempty"`
}

// ResolveAlias maps a native tool name the model is likely to emit to the
// canonical tool-server name. Unknown names pass through unchanged, which
// makes resolution idempotent: canonical names are never alias keys.
func (p *Profile) ResolveAlias(name string) string {
	if p == nil || len(p.Aliases) == 0 {
		return name
	}
	if canonical, ok := p.Aliases[name]; ok && canonical != "" {
		return canonical
	}
	return name
}

// ExposesTool reports whether the profile lists the canonical tool name.
func (p *Profile) ExposesTool(name string) bool {
	if p == nil {
		return false
	}
	for _, t := range p.Tools {
		if t == name {
			return true
		}
	}
	return false
}

func (p *Profile) validate() error {
	if p.ModelID == "" {
		return fmt.Errorf("profile missing model_id")
	}
	if !p.WireFormat.Valid() {
		return fmt.Errorf("profile %s: unknown wire format %q", p.ModelID, p.WireFormat)
	}
	for alias, canonical := range p.Aliases {
		if canonical == "" {
			return fmt.Errorf("profile %s: alias %q maps to empty name", p.ModelID, alias)
		}
		if _, chains := p.Aliases[canonical]; chains {
			return fmt.Errorf("profile %s: alias %q chains through %q", p.ModelID, alias, canonical)
		}
	}
	return nil
}

// DefaultProfile synthesises the minimal profile used for models unknown to
// the store: raw JSON (bare object) tool-call format, no aliases, empty
// prosthetic.
func DefaultProfile(modelID string) Profile {
	return Profile{
		ModelID:    modelID,
		WireFormat: WireRawJSON,
		Enabled:    true,
	}
}
