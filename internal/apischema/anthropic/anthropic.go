// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package anthropic contains the wire types for the Anthropic Messages
// surface exposed to clients and, in direct mode, spoken to the upstream
// /v1/messages endpoint.
// https://docs.claude.com/en/api/messages
package anthropic

import (
	"encoding/json"
	"fmt"
)

// Version is the value of the anthropic-version header sent upstream on
// native Messages calls.
const Version = "2023-06-01"

// Message roles.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// Stop reasons.
// https://docs.claude.com/en/api/messages#response-stop-reason
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
	StopReasonToolUse   = "tool_use"
)

// MessagesRequest is the request body of POST /v1/messages.
type MessagesRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`

	// System is the system prompt, either a string or an array of text
	// blocks. It is a separate field, never a message.
	// https://docs.claude.com/en/api/messages#body-system
	System        *SystemPrompt `json:"system,omitempty"`
	Metadata      *Metadata     `json:"metadata,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	TopK          *int          `json:"top_k,omitempty"`
	Thinking      *Thinking     `json:"thinking,omitempty"`
	ToolChoice    *ToolChoice   `json:"tool_choice,omitempty"`
	Tools         []Tool        `json:"tools,omitempty"`
}

// Metadata is the request metadata.
type Metadata struct {
	UserID *string `json:"user_id,omitempty"`
}

// Thinking configures extended thinking.
// https://docs.claude.com/en/api/messages#body-thinking
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Tool choice modes.
// https://docs.claude.com/en/api/messages#body-tool-choice
const (
	ToolChoiceTypeAuto = "auto"
	ToolChoiceTypeAny  = "any"
	ToolChoiceTypeTool = "tool"
	ToolChoiceTypeNone = "none"
)

// ToolChoice selects how the model may use tools.
type ToolChoice struct {
	Type string `json:"type"`
	// Name is set when Type is "tool" and forces that specific tool.
	Name string `json:"name,omitempty"`
}

// Tool declares a tool available to the model. Server-side tools carry a
// non-custom Type and no InputSchema.
// https://docs.claude.com/en/api/messages#body-tools
type Tool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	MaxUses     *int            `json:"max_uses,omitempty"`
}

// SystemPrompt is either a plain string or an array of text blocks.
type SystemPrompt struct {
	Text   *string       // Non-nil iif this is string form.
	Blocks []TextContent // Non-empty iif this is array form.
}

// TextContent is a text block within an array-form system prompt.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PlainText flattens the system prompt into a single string, joining array
// blocks with "\n\n".
func (s SystemPrompt) PlainText() string {
	if s.Text != nil {
		return *s.Text
	}
	var out string
	for i, b := range s.Blocks {
		if i > 0 {
			out += "\n\n"
		}
		out += b.Text
	}
	return out
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.Text != nil {
		return json.Marshal(*s.Text)
	}
	return json.Marshal(s.Blocks)
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = &text
		return nil
	}
	var blocks []TextContent
	if err := json.Unmarshal(data, &blocks); err == nil {
		s.Blocks = blocks
		return nil
	}
	return fmt.Errorf("system must be either string or array of text blocks")
}

// Message is a single conversation message.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a plain string or an array of content blocks.
type MessageContent struct {
	Text   *string        // Non-nil iif this is string content.
	Blocks []ContentBlock // Non-empty iif this is block content.
}

// StringContent builds a plain-string MessageContent.
func StringContent(s string) MessageContent {
	return MessageContent{Text: &s}
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Text != nil {
		return json.Marshal(*m.Text)
	}
	return json.Marshal(m.Blocks)
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		m.Text = &text
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		m.Blocks = blocks
		return nil
	}
	return fmt.Errorf("message content must be either string or array")
}

// Content block types.
const (
	ContentBlockTypeText       = "text"
	ContentBlockTypeImage      = "image"
	ContentBlockTypeToolUse    = "tool_use"
	ContentBlockTypeToolResult = "tool_result"
	ContentBlockTypeThinking   = "thinking"
)

// ContentBlock is a semantic unit of message content. Exactly the fields
// matching Type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// Text is set for "text" blocks.
	Text string `json:"text,omitempty"`

	// ID, Name and Input are set for "tool_use" blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolUseID and Content are set for "tool_result" blocks. Content may
	// be a string or an array of nested blocks; it is kept raw.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// Thinking is set for "thinking" blocks.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Source is set for "image" blocks.
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource carries image bytes or a URL.
// https://docs.claude.com/en/api/messages#body-messages-content
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ToolResultText flattens a tool_result content payload into plain text.
// String payloads are returned as-is; block arrays contribute their text
// fields.
func (b *ContentBlock) ToolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(b.Content, &text); err == nil {
		return text
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var out string
		for _, nested := range blocks {
			out += nested.Text
		}
		return out
	}
	return string(b.Content)
}

// MessagesResponse is the non-streaming response body of POST /v1/messages.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage is the token accounting block.
type Usage struct {
	InputTokens          int  `json:"input_tokens"`
	OutputTokens         int  `json:"output_tokens"`
	CacheReadInputTokens *int `json:"cache_read_input_tokens,omitempty"`
}

// CountTokensResponse is the response body of POST /v1/messages/count_tokens.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// ErrorResponse is the Anthropic error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error record.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error types.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeRateLimit      = "rate_limit_error"
	ErrorTypeAPI            = "api_error"
	ErrorTypeAuthentication = "authentication_error"
	ErrorTypeOverloaded     = "overloaded_error"
)
