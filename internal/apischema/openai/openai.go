// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package openai contains the wire types for the OpenAI Chat Completions
// surface, both as accepted from clients and as spoken to the upstream
// /chat/completions endpoint.
//
// Only the fields the gateway inspects or rewrites are typed; unknown fields
// on inbound payloads are intentionally dropped during re-encoding.
package openai

import (
	"encoding/json"
	"fmt"
)

// Chat message roles.
const (
	ChatMessageRoleSystem    = "system"
	ChatMessageRoleDeveloper = "developer"
	ChatMessageRoleUser      = "user"
	ChatMessageRoleAssistant = "assistant"
	ChatMessageRoleTool      = "tool"
)

// Finish reasons reported by the upstream.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonContentFilter = "content_filter"
)

// ChatCompletionRequest is the request body of POST /chat/completions.
// https://platform.openai.com/docs/api-reference/chat/create
type ChatCompletionRequest struct {
	Model    string                  `json:"model"`
	Messages []ChatCompletionMessage `json:"messages"`

	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolChoice    *ToolChoice    `json:"tool_choice,omitempty"`
	User          string         `json:"user,omitempty"`
}

// StreamOptions configures streaming responses.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatCompletionMessage is a single conversation message.
type ChatCompletionMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`

	// Name is the optional participant name.
	Name string `json:"name,omitempty"`
	// ToolCalls is set on assistant messages that invoke tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID is set on "tool" role messages and references the
	// assistant tool call this message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// MessageContent is either a plain string or an array of content parts.
// https://platform.openai.com/docs/api-reference/chat/create#chat-create-messages
type MessageContent struct {
	Text  *string       // Non-nil iif this is string content.
	Parts []ContentPart // Non-empty iif this is array content.
}

// StringContent builds a plain-string MessageContent.
func StringContent(s string) MessageContent {
	return MessageContent{Text: &s}
}

// PlainText flattens the content to a single string, concatenating the text
// of all parts when the content is in array form.
func (m MessageContent) PlainText() string {
	if m.Text != nil {
		return *m.Text
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == ContentPartTypeText {
			out += p.Text
		}
	}
	return out
}

// IsEmpty reports whether the content carries neither a string nor any parts.
func (m MessageContent) IsEmpty() bool {
	return m.Text == nil && len(m.Parts) == 0
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Text != nil {
		return json.Marshal(*m.Text)
	}
	if m.Parts == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m.Parts)
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		m.Text = &text
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		m.Parts = parts
		return nil
	}
	// "content": null is valid on assistant messages carrying only tool calls.
	if string(data) == "null" {
		return nil
	}
	return fmt.Errorf("message content must be either string or array")
}

// Content part types.
const (
	ContentPartTypeText     = "text"
	ContentPartTypeImageURL = "image_url"
)

// ContentPart is one element of array-form message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference, either an https URL or a data URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ToolCall is an assistant-initiated function invocation.
type ToolCall struct {
	// Index is only present on streaming deltas and selects which
	// concurrent call the fragment belongs to.
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its JSON-encoded arguments.
// On streaming deltas Arguments is a fragment to be concatenated.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes a callable function.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tool choice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
)

// ToolChoice is either one of the mode strings above or an object forcing a
// specific function.
type ToolChoice struct {
	Mode     string // Non-empty iif this is a plain mode string.
	Function string // Non-empty iif a specific function is forced.
}

func (t ToolChoice) MarshalJSON() ([]byte, error) {
	if t.Function != "" {
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": t.Function},
		})
	}
	return json.Marshal(t.Mode)
}

func (t *ToolChoice) UnmarshalJSON(data []byte) error {
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		t.Mode = mode
		return nil
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		t.Function = obj.Function.Name
		return nil
	}
	return fmt.Errorf("tool_choice must be either string or object")
}

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason *string               `json:"finish_reason"`
}

// Usage is the token accounting block.
type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

// PromptTokensDetails breaks down prompt token usage.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// ChatCompletionChunk is one streamed SSE data payload.
type ChatCompletionChunk struct {
	ID      string        `json:"id,omitempty"`
	Object  string        `json:"object,omitempty"`
	Created int64         `json:"created,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is the partial choice within a streamed chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental message content of a chunk.
type ChunkDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   *string    `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Error is the OpenAI-style error envelope.
type Error struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the inner error record.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// EmbeddingsRequest is the request body of POST /embeddings. Input is passed
// through opaquely, it may be a string or an array of strings or token ids.
type EmbeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

// EmbeddingsResponse is the response body of POST /embeddings.
type EmbeddingsResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}
