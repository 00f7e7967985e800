// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yduwcui/copilot-gateway/internal/apischema/anthropic"
	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
)

func intptr(i int) *int { return &i }

func eventTypes(events []anthropic.StreamEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestStreamTextOnly(t *testing.T) {
	s := NewStreamState(discard(), NewToolNameMap(), "claude-sonnet-4")

	events := s.Step(&openai.ChatCompletionChunk{
		Model: "claude-sonnet-4",
		Choices: []openai.ChunkChoice{{
			Delta: openai.ChunkDelta{Role: "assistant", Content: strptr("Hello")},
		}},
	})
	require.Equal(t, []string{
		anthropic.EventTypeMessageStart,
		anthropic.EventTypeContentBlockStart,
		anthropic.EventTypeContentBlockDelta,
	}, eventTypes(events))
	require.Equal(t, "claude-sonnet-4", events[0].Message.Model)
	require.Equal(t, anthropic.ContentBlockTypeText, events[1].ContentBlock.Type)
	require.Equal(t, 0, *events[1].Index)
	require.Equal(t, "Hello", events[2].Delta.(*anthropic.ContentDelta).Text)

	events = s.Step(&openai.ChatCompletionChunk{
		Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{Content: strptr(" world")}}},
	})
	require.Equal(t, []string{anthropic.EventTypeContentBlockDelta}, eventTypes(events))

	events = s.Step(&openai.ChatCompletionChunk{
		Choices: []openai.ChunkChoice{{FinishReason: strptr(openai.FinishReasonStop)}},
		Usage:   &openai.Usage{PromptTokens: 10, CompletionTokens: 5},
	})
	require.Equal(t, []string{anthropic.EventTypeContentBlockStop}, eventTypes(events))

	events = s.Finish()
	require.Equal(t, []string{
		anthropic.EventTypeMessageDelta,
		anthropic.EventTypeMessageStop,
	}, eventTypes(events))
	require.Equal(t, anthropic.StopReasonEndTurn, *events[0].Delta.(*anthropic.MessageDelta).StopReason)
	require.Equal(t, 5, events[0].Usage.OutputTokens)

	// After the closing pair the machine stays quiet.
	require.Nil(t, s.Finish())
}

func TestStreamUsageInTrailingChunk(t *testing.T) {
	s := NewStreamState(discard(), NewToolNameMap(), "claude-sonnet-4")

	s.Step(&openai.ChatCompletionChunk{
		Model: "claude-sonnet-4",
		Choices: []openai.ChunkChoice{{
			Delta: openai.ChunkDelta{Role: "assistant", Content: strptr("Hello")},
		}},
	})
	events := s.Step(&openai.ChatCompletionChunk{
		Choices: []openai.ChunkChoice{{FinishReason: strptr(openai.FinishReasonStop)}},
	})
	require.Equal(t, []string{anthropic.EventTypeContentBlockStop}, eventTypes(events))

	// With include_usage the upstream reports usage in a zero-choice chunk
	// after the finish_reason one.
	require.Nil(t, s.Step(&openai.ChatCompletionChunk{
		Usage: &openai.Usage{PromptTokens: 10, CompletionTokens: 7},
	}))

	events = s.Finish()
	require.Equal(t, []string{
		anthropic.EventTypeMessageDelta,
		anthropic.EventTypeMessageStop,
	}, eventTypes(events))
	require.Equal(t, anthropic.StopReasonEndTurn, *events[0].Delta.(*anthropic.MessageDelta).StopReason)
	require.NotNil(t, events[0].Usage)
	require.Equal(t, 10, events[0].Usage.InputTokens)
	require.Equal(t, 7, events[0].Usage.OutputTokens)
}

func TestStreamToolCallAfterText(t *testing.T) {
	names := NewToolNameMap()
	original := "lookup_records_in_the_secondary_customer_database_with_extended_filters"
	truncated := names.Truncate(original)
	require.Len(t, truncated, 64)

	s := NewStreamState(discard(), names, "claude-sonnet-4")

	s.Step(&openai.ChatCompletionChunk{
		Model: "claude-sonnet-4",
		Choices: []openai.ChunkChoice{{
			Delta: openai.ChunkDelta{Role: "assistant", Content: strptr("Let me check.")},
		}},
	})

	// First tool fragment closes the text block and opens a tool_use block.
	events := s.Step(&openai.ChatCompletionChunk{
		Choices: []openai.ChunkChoice{{
			Delta: openai.ChunkDelta{ToolCalls: []openai.ToolCall{{
				Index:    intptr(0),
				ID:       "call_1",
				Function: openai.FunctionCall{Name: truncated, Arguments: `{"q":`},
			}}},
		}},
	})
	require.Equal(t, []string{
		anthropic.EventTypeContentBlockStop,
		anthropic.EventTypeContentBlockStart,
		anthropic.EventTypeContentBlockDelta,
	}, eventTypes(events))
	require.Equal(t, 0, *events[0].Index)
	require.Equal(t, 1, *events[1].Index)
	require.Equal(t, anthropic.ContentBlockTypeToolUse, events[1].ContentBlock.Type)
	require.Equal(t, original, events[1].ContentBlock.Name)
	require.Equal(t, `{"q":`, events[2].Delta.(*anthropic.ContentDelta).PartialJSON)

	// Later fragments only append json.
	events = s.Step(&openai.ChatCompletionChunk{
		Choices: []openai.ChunkChoice{{
			Delta: openai.ChunkDelta{ToolCalls: []openai.ToolCall{{
				Index:    intptr(0),
				Function: openai.FunctionCall{Arguments: `"x"}`},
			}}},
		}},
	})
	require.Equal(t, []string{anthropic.EventTypeContentBlockDelta}, eventTypes(events))
	require.Equal(t, 1, *events[0].Index)

	events = s.Step(&openai.ChatCompletionChunk{
		Choices: []openai.ChunkChoice{{FinishReason: strptr(openai.FinishReasonToolCalls)}},
	})
	require.Equal(t, []string{anthropic.EventTypeContentBlockStop}, eventTypes(events))

	events = s.Finish()
	require.Equal(t, []string{
		anthropic.EventTypeMessageDelta,
		anthropic.EventTypeMessageStop,
	}, eventTypes(events))
	require.Equal(t, anthropic.StopReasonToolUse, *events[0].Delta.(*anthropic.MessageDelta).StopReason)
}

func TestStreamModelFromLaterChunk(t *testing.T) {
	s := NewStreamState(discard(), NewToolNameMap(), "requested-model")

	// A zero-choice housekeeping chunk names the model before any content.
	require.Nil(t, s.Step(&openai.ChatCompletionChunk{Model: "resolved-model"}))

	events := s.Step(&openai.ChatCompletionChunk{
		Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{Content: strptr("hi")}}},
	})
	require.Equal(t, "resolved-model", events[0].Message.Model)
}

func TestStreamEndsWithoutFinishReason(t *testing.T) {
	s := NewStreamState(discard(), NewToolNameMap(), "m")
	s.Step(&openai.ChatCompletionChunk{
		Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{Content: strptr("partial")}}},
	})

	events := s.Finish()
	require.Equal(t, []string{
		anthropic.EventTypeContentBlockStop,
		anthropic.EventTypeMessageDelta,
		anthropic.EventTypeMessageStop,
	}, eventTypes(events))
	require.Nil(t, events[1].Delta.(*anthropic.MessageDelta).StopReason)
}

func TestStreamErrorEvent(t *testing.T) {
	s := NewStreamState(discard(), NewToolNameMap(), "m")
	e := s.ErrorEvent(anthropic.ErrorTypeAPI, "upstream closed the stream")
	require.Equal(t, anthropic.EventTypeError, e.Type)
	require.Equal(t, anthropic.ErrorTypeAPI, e.Error.Type)
}
