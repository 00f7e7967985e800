// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package copilot

// Model is one entry of the upstream /models listing.
type Model struct {
	ID                 string       `json:"id"`
	Object             string       `json:"object,omitempty"`
	Name               string       `json:"name"`
	Vendor             string       `json:"vendor"`
	Version            string       `json:"version,omitempty"`
	Preview            bool         `json:"preview,omitempty"`
	ModelPickerEnabled bool         `json:"model_picker_enabled,omitempty"`
	Capabilities       Capabilities `json:"capabilities"`
}

// VendorAnthropic marks models eligible for the native Messages surface.
const VendorAnthropic = "Anthropic"

// IsAnthropic reports whether the model is served by Anthropic and therefore
// supports the native Messages endpoint.
func (m *Model) IsAnthropic() bool {
	return m.Vendor == VendorAnthropic
}

// Capabilities describes what a model supports and its size limits.
type Capabilities struct {
	Family    string        `json:"family,omitempty"`
	Type      string        `json:"type,omitempty"`
	Tokenizer string        `json:"tokenizer,omitempty"`
	Limits    ModelLimits   `json:"limits"`
	Supports  ModelSupports `json:"supports"`
}

// ModelLimits are the size limits announced for a model.
type ModelLimits struct {
	MaxPromptTokens        int `json:"max_prompt_tokens,omitempty"`
	MaxOutputTokens        int `json:"max_output_tokens,omitempty"`
	MaxContextWindowTokens int `json:"max_context_window_tokens,omitempty"`
}

// ContextWindow returns the usable context window, falling back from the
// explicit window to the prompt limit.
func (l ModelLimits) ContextWindow() int {
	if l.MaxContextWindowTokens > 0 {
		return l.MaxContextWindowTokens
	}
	return l.MaxPromptTokens
}

// ModelSupports flags optional model features.
type ModelSupports struct {
	ToolCalls         bool `json:"tool_calls,omitempty"`
	ParallelToolCalls bool `json:"parallel_tool_calls,omitempty"`
	Vision            bool `json:"vision,omitempty"`
	StreamingOptions  bool `json:"streaming_options,omitempty"`
}

// ModelsResponse is the body of GET /models.
type ModelsResponse struct {
	Object string  `json:"object,omitempty"`
	Data   []Model `json:"data"`
}
