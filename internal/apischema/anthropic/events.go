// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package anthropic

// Streaming event types, in the order a well-formed stream emits them.
// https://docs.claude.com/en/docs/build-with-claude/streaming
const (
	EventTypeMessageStart      = "message_start"
	EventTypeContentBlockStart = "content_block_start"
	EventTypeContentBlockDelta = "content_block_delta"
	EventTypeContentBlockStop  = "content_block_stop"
	EventTypeMessageDelta      = "message_delta"
	EventTypeMessageStop       = "message_stop"
	EventTypePing              = "ping"
	EventTypeError             = "error"
)

// Delta types within content_block_delta events.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeThinking  = "thinking_delta"
)

// StreamEvent is one server-sent event of a streaming Messages response. The
// SSE event name equals Type.
type StreamEvent struct {
	Type string `json:"type"`

	// Message is set on message_start.
	Message *MessagesResponse `json:"message,omitempty"`

	// Index addresses the content block for content_block_* events.
	Index *int `json:"index,omitempty"`

	// ContentBlock is set on content_block_start.
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// Delta is a *ContentDelta on content_block_delta and a *MessageDelta
	// on message_delta.
	Delta any `json:"delta,omitempty"`

	// Usage is set on message_delta.
	Usage *Usage `json:"usage,omitempty"`

	// Error is set on error events.
	Error *ErrorDetail `json:"error,omitempty"`
}

// ContentDelta is the delta payload of content_block_delta events, carrying
// one of Text, PartialJSON or Thinking keyed by Type.
type ContentDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

// MessageDelta is the delta payload of message_delta events. Both fields are
// emitted even when null.
type MessageDelta struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}
