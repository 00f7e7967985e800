// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"log/slog"

	"github.com/yduwcui/copilot-gateway/internal/apischema/anthropic"
	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
)

// StreamState drives the translation of a Chat Completions chunk stream into
// Anthropic streaming events. Feed each decoded chunk to Step and the
// end-of-stream sentinel to Finish; both return the events to emit, in order.
// The state machine is pure with respect to I/O, callers own the SSE writing.
type StreamState struct {
	logger *slog.Logger
	names  *ToolNameMap

	// requestModel is reported on message_start when no chunk named a model.
	requestModel string
	pendingModel string

	messageID   string
	started     bool
	ended       bool // finish_reason seen, only usage chunks expected now
	done        bool // Finish has emitted the closing pair
	stopReason  *string
	nextIndex   int
	blockOpen   bool
	openIsTool  bool
	toolBlocks  map[int]int // chunk tool-call index -> content block index
	currentTool int         // chunk tool-call index of the open tool block
	latestUsage *anthropic.Usage
}

// NewStreamState creates the per-response machine. names must be the same map
// used when the request was translated so tool names can be restored.
func NewStreamState(logger *slog.Logger, names *ToolNameMap, requestModel string) *StreamState {
	return &StreamState{
		logger:       logger,
		names:        names,
		requestModel: requestModel,
		messageID:    newMessageID(),
		toolBlocks:   make(map[int]int),
		currentTool:  -1,
	}
}

// Step consumes one upstream chunk and returns the Anthropic events it maps
// to, possibly none. A chunk carrying finish_reason closes the open content
// block; the message_delta/message_stop pair is held back for Finish, since
// with stream_options.include_usage the upstream delivers usage in a trailing
// zero-choice chunk after the finish_reason one.
func (s *StreamState) Step(chunk *openai.ChatCompletionChunk) []anthropic.StreamEvent {
	if s.done {
		return nil
	}
	if chunk.Usage != nil {
		u := convertUsage(chunk.Usage)
		s.latestUsage = &u
	}
	if len(chunk.Choices) == 0 {
		// Usage-only or housekeeping chunk. Remember the model for a
		// message_start that has not been emitted yet.
		if chunk.Model != "" {
			s.pendingModel = chunk.Model
		}
		return nil
	}
	if s.ended {
		return nil
	}

	var events []anthropic.StreamEvent
	if !s.started {
		events = append(events, s.messageStart(chunk.Model))
	}

	choice := &chunk.Choices[0]
	delta := &choice.Delta

	if delta.Content != nil && *delta.Content != "" {
		events = append(events, s.textDelta(*delta.Content)...)
	}
	for i := range delta.ToolCalls {
		events = append(events, s.toolCallDelta(&delta.ToolCalls[i])...)
	}
	if choice.FinishReason != nil {
		s.ended = true
		s.stopReason = convertFinishReason(choice.FinishReason)
		if s.blockOpen {
			events = append(events, s.closeBlock())
		}
	}
	return events
}

// Finish handles end-of-stream and emits the message_delta/message_stop pair
// carrying the stop reason and the latest usage seen. When the upstream never
// sent a finish_reason the message is still closed cleanly with a null
// stop_reason.
func (s *StreamState) Finish() []anthropic.StreamEvent {
	if s.done {
		return nil
	}
	s.done = true
	var events []anthropic.StreamEvent
	if !s.started {
		events = append(events, s.messageStart(""))
	}
	if s.blockOpen {
		events = append(events, s.closeBlock())
	}
	delta := anthropic.StreamEvent{
		Type:  anthropic.EventTypeMessageDelta,
		Delta: &anthropic.MessageDelta{StopReason: s.stopReason},
	}
	if s.latestUsage != nil {
		delta.Usage = s.latestUsage
	}
	return append(events, delta, anthropic.StreamEvent{Type: anthropic.EventTypeMessageStop})
}

// ErrorEvent renders a mid-stream failure as an Anthropic error event.
func (s *StreamState) ErrorEvent(errType, message string) anthropic.StreamEvent {
	return anthropic.StreamEvent{
		Type:  anthropic.EventTypeError,
		Error: &anthropic.ErrorDetail{Type: errType, Message: message},
	}
}

func (s *StreamState) messageStart(chunkModel string) anthropic.StreamEvent {
	s.started = true
	model := chunkModel
	if model == "" {
		model = s.pendingModel
	}
	if model == "" {
		model = s.requestModel
	}
	var usage anthropic.Usage
	if s.latestUsage != nil {
		usage.InputTokens = s.latestUsage.InputTokens
		usage.CacheReadInputTokens = s.latestUsage.CacheReadInputTokens
	}
	return anthropic.StreamEvent{
		Type: anthropic.EventTypeMessageStart,
		Message: &anthropic.MessagesResponse{
			ID:      s.messageID,
			Type:    "message",
			Role:    anthropic.MessageRoleAssistant,
			Model:   model,
			Content: []anthropic.ContentBlock{},
			Usage:   usage,
		},
	}
}

func (s *StreamState) textDelta(text string) []anthropic.StreamEvent {
	var events []anthropic.StreamEvent
	if s.blockOpen && s.openIsTool {
		events = append(events, s.closeBlock())
	}
	if !s.blockOpen {
		index := s.nextIndex
		events = append(events, anthropic.StreamEvent{
			Type:         anthropic.EventTypeContentBlockStart,
			Index:        &index,
			ContentBlock: &anthropic.ContentBlock{Type: anthropic.ContentBlockTypeText},
		})
		s.blockOpen = true
		s.openIsTool = false
	}
	index := s.nextIndex
	events = append(events, anthropic.StreamEvent{
		Type:  anthropic.EventTypeContentBlockDelta,
		Index: &index,
		Delta: &anthropic.ContentDelta{Type: anthropic.DeltaTypeText, Text: text},
	})
	return events
}

func (s *StreamState) toolCallDelta(call *openai.ToolCall) []anthropic.StreamEvent {
	chunkIndex := 0
	if call.Index != nil {
		chunkIndex = *call.Index
	}

	var events []anthropic.StreamEvent
	if _, known := s.toolBlocks[chunkIndex]; !known {
		// First fragment of this call opens a new tool_use block.
		if s.blockOpen {
			events = append(events, s.closeBlock())
		}
		index := s.nextIndex
		s.toolBlocks[chunkIndex] = index
		s.blockOpen = true
		s.openIsTool = true
		s.currentTool = chunkIndex
		events = append(events, anthropic.StreamEvent{
			Type:  anthropic.EventTypeContentBlockStart,
			Index: &index,
			ContentBlock: &anthropic.ContentBlock{
				Type:  anthropic.ContentBlockTypeToolUse,
				ID:    call.ID,
				Name:  s.names.Restore(call.Function.Name),
				Input: []byte(`{}`),
			},
		})
	} else if s.currentTool != chunkIndex {
		s.logger.Debug("tool call fragment for inactive call", "index", chunkIndex)
	}

	if call.Function.Arguments != "" {
		index := s.toolBlocks[chunkIndex]
		events = append(events, anthropic.StreamEvent{
			Type:  anthropic.EventTypeContentBlockDelta,
			Index: &index,
			Delta: &anthropic.ContentDelta{Type: anthropic.DeltaTypeInputJSON, PartialJSON: call.Function.Arguments},
		})
	}
	return events
}

func (s *StreamState) closeBlock() anthropic.StreamEvent {
	index := s.nextIndex
	s.blockOpen = false
	s.openIsTool = false
	s.currentTool = -1
	s.nextIndex++
	return anthropic.StreamEvent{
		Type:  anthropic.EventTypeContentBlockStop,
		Index: &index,
	}
}

