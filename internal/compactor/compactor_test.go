// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package compactor

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yduwcui/copilot-gateway/internal/apischema/anthropic"
	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
	"github.com/yduwcui/copilot-gateway/internal/copilot"
	"github.com/yduwcui/copilot-gateway/internal/tokenizer"
)

var markerPattern = regexp.MustCompile(`^\[CONTEXT TRUNCATED: \d+ earlier messages removed`)

func newCounter(t *testing.T) *tokenizer.Counter {
	t.Helper()
	c, err := tokenizer.For(&copilot.Model{
		ID:           "gpt-4o",
		Capabilities: copilot.Capabilities{Tokenizer: "o200k_base"},
	})
	require.NoError(t, err)
	return c
}

func newCompactor() *Compactor {
	return New(slog.New(slog.DiscardHandler))
}

// longConversation builds a system message plus n alternating user/assistant
// turns, ending on a user turn.
func longConversation(n int) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: openai.StringContent("You are a careful assistant that answers briefly."),
	}}
	for i := 0; i < n; i++ {
		role := openai.ChatMessageRoleUser
		if i%2 == 1 {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role: role,
			Content: openai.StringContent(fmt.Sprintf(
				"turn %d: %s", i, strings.Repeat("the quick brown fox jumps over the lazy dog ", 5))),
		})
	}
	return msgs
}

func TestCompactChatNoopWithinBudget(t *testing.T) {
	counter := newCounter(t)
	req := &openai.ChatCompletionRequest{Model: "gpt-4o", Messages: longConversation(5)}
	before := counter.CountChatRequest(req)

	res := newCompactor().CompactChatCompletion(req, counter, Budget{Tokens: before + 100})
	require.False(t, res.WasCompacted)
	require.Zero(t, res.RemovedCount)
	require.Len(t, req.Messages, 6)
}

func TestCompactChatTruncatesOldHistory(t *testing.T) {
	counter := newCounter(t)
	// Ends on a user turn (41 conversation messages).
	msgs := longConversation(41)
	lastText := *msgs[len(msgs)-1].Content.Text
	req := &openai.ChatCompletionRequest{Model: "gpt-4o", Messages: msgs}

	res := newCompactor().CompactChatCompletion(req, counter, Budget{Tokens: 500})
	require.True(t, res.WasCompacted)
	require.Positive(t, res.RemovedCount)
	require.LessOrEqual(t, res.TokensAfter, 500)
	require.Less(t, res.TokensAfter, res.TokensBefore)

	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
	require.Regexp(t, markerPattern, *req.Messages[1].Content.Text)

	last := req.Messages[len(req.Messages)-1]
	require.Equal(t, openai.ChatMessageRoleUser, last.Role)
	require.Equal(t, lastText, *last.Content.Text)
}

func TestCompactChatCompressionAloneSuffices(t *testing.T) {
	counter := newCounter(t)
	huge := strings.Repeat("0123456789abcdef", 2048) // 32 KiB
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: openai.StringContent("run the big query")},
		{Role: openai.ChatMessageRoleAssistant, ToolCalls: []openai.ToolCall{{
			ID: "call_1", Type: "function",
			Function: openai.FunctionCall{Name: "big_query", Arguments: `{}`},
		}}},
		{Role: openai.ChatMessageRoleTool, ToolCallID: "call_1", Content: openai.StringContent(huge)},
		{Role: openai.ChatMessageRoleUser, Content: openai.StringContent("summarize that")},
		{Role: openai.ChatMessageRoleAssistant, Content: openai.StringContent("Done.")},
		{Role: openai.ChatMessageRoleUser, Content: openai.StringContent("thanks, one more thing")},
	}
	req := &openai.ChatCompletionRequest{Model: "gpt-4o", Messages: msgs}

	res := newCompactor().CompactChatCompletion(req, counter, Budget{Bytes: 8 * 1024})
	require.True(t, res.WasCompacted)
	require.Zero(t, res.RemovedCount)
	require.Equal(t, 1, res.CompressedCount)

	body := *req.Messages[2].Content.Text
	require.Contains(t, body, "characters omitted")
	require.Less(t, len(body), 1024)
	// The recent tail is untouched.
	require.Equal(t, "thanks, one more thing", *req.Messages[5].Content.Text)
}

func TestCompactChatUnsatisfiableBudgetLeavesRequestAlone(t *testing.T) {
	counter := newCounter(t)
	msgs := longConversation(9)
	req := &openai.ChatCompletionRequest{Model: "gpt-4o", Messages: msgs}

	res := newCompactor().CompactChatCompletion(req, counter, Budget{Tokens: 10})
	require.False(t, res.WasCompacted)
	require.Len(t, req.Messages, 10)
	require.Equal(t, *msgs[3].Content.Text, *req.Messages[3].Content.Text)
}

func TestRepairChatSuffixDropsOrphans(t *testing.T) {
	suffix := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleTool, ToolCallID: "call_gone", Content: openai.StringContent("orphan")},
		{Role: openai.ChatMessageRoleAssistant, Content: openai.StringContent("answering a removed question")},
		{Role: openai.ChatMessageRoleUser, Content: openai.StringContent("new question")},
		{Role: openai.ChatMessageRoleAssistant, ToolCalls: []openai.ToolCall{{
			ID: "call_kept", Function: openai.FunctionCall{Name: "f", Arguments: "{}"},
		}}},
		{Role: openai.ChatMessageRoleTool, ToolCallID: "call_kept", Content: openai.StringContent("kept")},
	}
	kept, dropped := repairChatSuffix(suffix)
	require.Len(t, dropped, 2)
	require.Len(t, kept, 3)
	require.Equal(t, openai.ChatMessageRoleUser, kept[0].Role)
	require.Equal(t, "call_kept", kept[2].ToolCallID)
}

func TestCompactMessagesAppendsMarkerToSystem(t *testing.T) {
	counter := newCounter(t)
	system := "You answer briefly."
	req := &anthropic.MessagesRequest{
		Model:  "claude-sonnet-4",
		System: &anthropic.SystemPrompt{Text: &system},
	}
	for i := 0; i < 41; i++ {
		role := anthropic.MessageRoleUser
		if i%2 == 1 {
			role = anthropic.MessageRoleAssistant
		}
		req.Messages = append(req.Messages, anthropic.Message{
			Role: role,
			Content: anthropic.StringContent(fmt.Sprintf(
				"turn %d: %s", i, strings.Repeat("the quick brown fox jumps over the lazy dog ", 5))),
		})
	}
	lastText := *req.Messages[40].Content.Text

	res := newCompactor().CompactMessages(req, counter, Budget{Tokens: 500})
	require.True(t, res.WasCompacted)
	require.Positive(t, res.RemovedCount)

	require.Contains(t, req.System.PlainText(), "[CONTEXT TRUNCATED:")
	require.True(t, strings.HasPrefix(req.System.PlainText(), system))
	require.Equal(t, anthropic.MessageRoleUser, req.Messages[0].Role)
	require.Equal(t, lastText, *req.Messages[len(req.Messages)-1].Content.Text)
}

func TestCompactMessagesWithoutSystemInsertsMarkerMessage(t *testing.T) {
	counter := newCounter(t)
	req := &anthropic.MessagesRequest{Model: "claude-sonnet-4"}
	for i := 0; i < 21; i++ {
		role := anthropic.MessageRoleUser
		if i%2 == 1 {
			role = anthropic.MessageRoleAssistant
		}
		req.Messages = append(req.Messages, anthropic.Message{
			Role: role,
			Content: anthropic.StringContent(fmt.Sprintf(
				"turn %d: %s", i, strings.Repeat("lorem ipsum dolor sit amet ", 8))),
		})
	}

	res := newCompactor().CompactMessages(req, counter, Budget{Tokens: 400})
	require.True(t, res.WasCompacted)
	require.Regexp(t, markerPattern, *req.Messages[0].Content.Text)
}

func TestRepairMessagesSuffixStripsOrphanToolResults(t *testing.T) {
	suffix := []anthropic.Message{
		{Role: anthropic.MessageRoleUser, Content: anthropic.MessageContent{Blocks: []anthropic.ContentBlock{
			{Type: anthropic.ContentBlockTypeToolResult, ToolUseID: "toolu_gone", Content: []byte(`"orphan"`)},
			{Type: anthropic.ContentBlockTypeText, Text: "still here"},
		}}},
		{Role: anthropic.MessageRoleAssistant, Content: anthropic.StringContent("ok")},
	}
	kept, dropped := repairMessagesSuffix(suffix)
	require.Empty(t, dropped)
	require.Len(t, kept, 2)
	require.Len(t, kept[0].Content.Blocks, 1)
	require.Equal(t, anthropic.ContentBlockTypeText, kept[0].Content.Blocks[0].Type)
}

func TestCompressText(t *testing.T) {
	short := strings.Repeat("x", 400)
	require.Equal(t, short, compressText(short))

	long := strings.Repeat("y", 20000)
	out := compressText(long)
	require.Less(t, len(out), 600)
	require.Contains(t, out, "19500 characters omitted")
}
