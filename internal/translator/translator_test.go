// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yduwcui/copilot-gateway/internal/apischema/anthropic"
	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
	"github.com/yduwcui/copilot-gateway/internal/copilot"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func strptr(s string) *string { return &s }

func TestToolNameMapTruncate(t *testing.T) {
	m := NewToolNameMap()

	exactly64 := strings.Repeat("a", 64)
	require.Equal(t, exactly64, m.Truncate(exactly64))

	long := strings.Repeat("b", 65)
	truncated := m.Truncate(long)
	require.Len(t, truncated, 64)
	require.NotEqual(t, long, truncated)
	// Deterministic across calls and maps.
	require.Equal(t, truncated, m.Truncate(long))
	require.Equal(t, truncated, NewToolNameMap().Truncate(long))

	require.Equal(t, long, m.Restore(truncated))
	require.Equal(t, "unknown", m.Restore("unknown"))
}

func TestNormalizeModelName(t *testing.T) {
	models := []copilot.Model{
		{ID: "gpt-4o"},
		{ID: "claude-sonnet-4"},
		{ID: "claude-sonnet-4.5"},
		{ID: "claude-opus-4.1"},
	}
	for _, tc := range []struct {
		in, want string
	}{
		{"sonnet", "claude-sonnet-4.5"},
		{"opus", "claude-opus-4.1"},
		{"haiku", "haiku"}, // no match, passthrough
		{"claude-sonnet-4-5-20250929", "claude-sonnet-4.5"},
		{"claude-opus-4-20250514", "claude-opus-4"},
		{"gpt-4o", "gpt-4o"},
		{"claude-sonnet-4.5", "claude-sonnet-4.5"},
	} {
		require.Equal(t, tc.want, NormalizeModelName(tc.in, models), tc.in)
	}
}

func TestBuildChatCompletionRequestBasics(t *testing.T) {
	temp := 0.5
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 1024,
		System: &anthropic.SystemPrompt{Blocks: []anthropic.TextContent{
			{Type: "text", Text: "You are helpful."},
			{Type: "text", Text: "Be terse."},
		}},
		Temperature:   &temp,
		StopSequences: []string{"END"},
		Stream:        true,
		Messages: []anthropic.Message{
			{Role: anthropic.MessageRoleUser, Content: anthropic.StringContent("hi")},
		},
	}
	out, err := BuildChatCompletionRequest(discard(), req, NewToolNameMap(), nil, Options{})
	require.NoError(t, err)

	require.Equal(t, "claude-sonnet-4", out.Model)
	require.Len(t, out.Messages, 2)
	require.Equal(t, openai.ChatMessageRoleSystem, out.Messages[0].Role)
	require.Equal(t, "You are helpful.\n\nBe terse.", out.Messages[0].Content.PlainText())
	require.Equal(t, openai.ChatMessageRoleUser, out.Messages[1].Role)
	require.Equal(t, 1024, *out.MaxTokens)
	require.Equal(t, 0.5, *out.Temperature)
	require.Equal(t, []string{"END"}, out.Stop)
	require.True(t, out.Stream)
	require.NotNil(t, out.StreamOptions)
	require.True(t, out.StreamOptions.IncludeUsage)
}

func TestBuildChatCompletionRequestSystemFilter(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:  "gpt-4o",
		System: &anthropic.SystemPrompt{Text: strptr("keep me\ndrop this secret line\nkeep me too")},
		Messages: []anthropic.Message{
			{Role: anthropic.MessageRoleUser, Content: anthropic.StringContent("hi")},
		},
	}
	out, err := BuildChatCompletionRequest(discard(), req, NewToolNameMap(), nil, Options{
		SystemFilterSubstrings: []string{"secret"},
	})
	require.NoError(t, err)
	require.Equal(t, "keep me\nkeep me too", out.Messages[0].Content.PlainText())
}

func TestBuildChatCompletionRequestToolResultOrder(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "gpt-4o",
		Messages: []anthropic.Message{
			{Role: anthropic.MessageRoleAssistant, Content: anthropic.MessageContent{Blocks: []anthropic.ContentBlock{
				{Type: anthropic.ContentBlockTypeToolUse, ID: "call_1", Name: "lookup", Input: []byte(`{"q":"x"}`)},
			}}},
			{Role: anthropic.MessageRoleUser, Content: anthropic.MessageContent{Blocks: []anthropic.ContentBlock{
				{Type: anthropic.ContentBlockTypeText, Text: "and my follow-up"},
				{Type: anthropic.ContentBlockTypeToolResult, ToolUseID: "call_1", Content: []byte(`"result text"`)},
			}}},
		},
	}
	out, err := BuildChatCompletionRequest(discard(), req, NewToolNameMap(), nil, Options{})
	require.NoError(t, err)

	// assistant, then tool result, then the user text. Tool messages must
	// directly follow the assistant message that called them.
	require.Len(t, out.Messages, 3)
	require.Equal(t, openai.ChatMessageRoleAssistant, out.Messages[0].Role)
	require.Len(t, out.Messages[0].ToolCalls, 1)
	require.Equal(t, "lookup", out.Messages[0].ToolCalls[0].Function.Name)
	require.Equal(t, openai.ChatMessageRoleTool, out.Messages[1].Role)
	require.Equal(t, "call_1", out.Messages[1].ToolCallID)
	require.Equal(t, "result text", out.Messages[1].Content.PlainText())
	require.Equal(t, openai.ChatMessageRoleUser, out.Messages[2].Role)
	require.Equal(t, "and my follow-up", out.Messages[2].Content.PlainText())
}

func TestBuildChatCompletionRequestRepairsUnansweredCalls(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "gpt-4o",
		Messages: []anthropic.Message{
			{Role: anthropic.MessageRoleAssistant, Content: anthropic.MessageContent{Blocks: []anthropic.ContentBlock{
				{Type: anthropic.ContentBlockTypeToolUse, ID: "call_orphan", Name: "lookup"},
			}}},
			{Role: anthropic.MessageRoleUser, Content: anthropic.StringContent("never mind, new question")},
		},
	}
	out, err := BuildChatCompletionRequest(discard(), req, NewToolNameMap(), nil, Options{})
	require.NoError(t, err)

	require.Len(t, out.Messages, 3)
	require.Equal(t, openai.ChatMessageRoleTool, out.Messages[1].Role)
	require.Equal(t, "call_orphan", out.Messages[1].ToolCallID)
	require.Equal(t, interruptedToolResult, out.Messages[1].Content.PlainText())
}

func TestBuildChatCompletionRequestToolChoice(t *testing.T) {
	longName := strings.Repeat("n", 70)
	for _, tc := range []struct {
		choice anthropic.ToolChoice
		want   openai.ToolChoice
	}{
		{anthropic.ToolChoice{Type: anthropic.ToolChoiceTypeAuto}, openai.ToolChoice{Mode: openai.ToolChoiceAuto}},
		{anthropic.ToolChoice{Type: anthropic.ToolChoiceTypeAny}, openai.ToolChoice{Mode: openai.ToolChoiceRequired}},
		{anthropic.ToolChoice{Type: anthropic.ToolChoiceTypeNone}, openai.ToolChoice{Mode: openai.ToolChoiceNone}},
	} {
		req := &anthropic.MessagesRequest{
			Model:      "gpt-4o",
			ToolChoice: &tc.choice,
			Messages:   []anthropic.Message{{Role: anthropic.MessageRoleUser, Content: anthropic.StringContent("hi")}},
		}
		out, err := BuildChatCompletionRequest(discard(), req, NewToolNameMap(), nil, Options{})
		require.NoError(t, err)
		require.Equal(t, tc.want, *out.ToolChoice)
	}

	// Forcing a specific tool uses the truncated name.
	names := NewToolNameMap()
	req := &anthropic.MessagesRequest{
		Model:      "gpt-4o",
		Tools:      []anthropic.Tool{{Name: longName, InputSchema: []byte(`{"type":"object"}`)}},
		ToolChoice: &anthropic.ToolChoice{Type: anthropic.ToolChoiceTypeTool, Name: longName},
		Messages:   []anthropic.Message{{Role: anthropic.MessageRoleUser, Content: anthropic.StringContent("hi")}},
	}
	out, err := BuildChatCompletionRequest(discard(), req, names, nil, Options{})
	require.NoError(t, err)
	require.Len(t, out.Tools, 1)
	require.Len(t, out.Tools[0].Function.Name, 64)
	require.Equal(t, out.Tools[0].Function.Name, out.ToolChoice.Function)
	require.Equal(t, longName, names.Restore(out.ToolChoice.Function))
}

func TestBuildMessagesResponse(t *testing.T) {
	names := NewToolNameMap()
	long := strings.Repeat("t", 80)
	truncated := names.Truncate(long)

	resp := &openai.ChatCompletionResponse{
		Model: "claude-sonnet-4",
		Choices: []openai.Choice{{
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: openai.StringContent("Here you go."),
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: openai.FunctionCall{Name: truncated, Arguments: `{"q":1}`},
				}},
			},
			FinishReason: strptr(openai.FinishReasonToolCalls),
		}},
		Usage: &openai.Usage{
			PromptTokens:        120,
			CompletionTokens:    30,
			PromptTokensDetails: &openai.PromptTokensDetails{CachedTokens: 100},
		},
	}
	out := BuildMessagesResponse(discard(), resp, names, "fallback")

	require.True(t, strings.HasPrefix(out.ID, "msg_"))
	require.Equal(t, "claude-sonnet-4", out.Model)
	require.Len(t, out.Content, 2)
	require.Equal(t, anthropic.ContentBlockTypeText, out.Content[0].Type)
	require.Equal(t, "Here you go.", out.Content[0].Text)
	require.Equal(t, anthropic.ContentBlockTypeToolUse, out.Content[1].Type)
	require.Equal(t, long, out.Content[1].Name)
	require.JSONEq(t, `{"q":1}`, string(out.Content[1].Input))
	require.Equal(t, anthropic.StopReasonToolUse, *out.StopReason)
	require.Equal(t, 20, out.Usage.InputTokens)
	require.Equal(t, 100, *out.Usage.CacheReadInputTokens)
	require.Equal(t, 30, out.Usage.OutputTokens)
}

func TestBuildMessagesResponseEdgeCases(t *testing.T) {
	// No choices degrades to an empty end_turn message.
	out := BuildMessagesResponse(discard(), &openai.ChatCompletionResponse{}, NewToolNameMap(), "m")
	require.Equal(t, "m", out.Model)
	require.Empty(t, out.Content)
	require.Equal(t, anthropic.StopReasonEndTurn, *out.StopReason)

	// Malformed tool arguments degrade to an empty object.
	out = BuildMessagesResponse(discard(), &openai.ChatCompletionResponse{
		Choices: []openai.Choice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Function: openai.FunctionCall{Name: "f", Arguments: `{"broken":`},
				}},
			},
		}},
	}, NewToolNameMap(), "m")
	require.JSONEq(t, `{}`, string(out.Content[0].Input))
	require.Nil(t, out.StopReason)
}
