// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/yduwcui/copilot-gateway/internal/apischema/anthropic"
	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
)

// newMessageID mints an Anthropic-style message id.
func newMessageID() string {
	return "msg_" + uuid.NewString()
}

// BuildMessagesResponse converts a non-streaming Chat Completions response
// into the Anthropic Messages form. fallbackModel is reported when the
// upstream omits the model field.
func BuildMessagesResponse(logger *slog.Logger, resp *openai.ChatCompletionResponse, names *ToolNameMap, fallbackModel string) *anthropic.MessagesResponse {
	model := resp.Model
	if model == "" {
		model = fallbackModel
	}
	out := &anthropic.MessagesResponse{
		ID:      newMessageID(),
		Type:    "message",
		Role:    anthropic.MessageRoleAssistant,
		Model:   model,
		Content: []anthropic.ContentBlock{},
	}

	if len(resp.Choices) == 0 {
		stop := anthropic.StopReasonEndTurn
		out.StopReason = &stop
		out.Usage = convertUsage(resp.Usage)
		return out
	}

	for i := range resp.Choices {
		choice := &resp.Choices[i]
		if text := choice.Message.Content.PlainText(); text != "" {
			out.Content = append(out.Content, anthropic.ContentBlock{
				Type: anthropic.ContentBlockTypeText,
				Text: text,
			})
		}
		for _, call := range choice.Message.ToolCalls {
			out.Content = append(out.Content, anthropic.ContentBlock{
				Type:  anthropic.ContentBlockTypeToolUse,
				ID:    call.ID,
				Name:  names.Restore(call.Function.Name),
				Input: parseToolArguments(logger, call.Function.Name, call.Function.Arguments),
			})
		}
	}

	out.StopReason = convertFinishReason(resp.Choices[0].FinishReason)
	out.Usage = convertUsage(resp.Usage)
	return out
}

// parseToolArguments validates the upstream arguments string as JSON. Invalid
// payloads degrade to an empty object so the client still sees the call.
func parseToolArguments(logger *slog.Logger, name, arguments string) json.RawMessage {
	if arguments == "" {
		return json.RawMessage(`{}`)
	}
	if !json.Valid([]byte(arguments)) {
		logger.Warn("discarding malformed tool call arguments", "tool", name)
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(arguments)
}

// convertFinishReason maps the Chat Completions finish reason onto an
// Anthropic stop reason. A nil reason stays nil.
func convertFinishReason(reason *string) *string {
	if reason == nil {
		return nil
	}
	var stop string
	switch *reason {
	case openai.FinishReasonStop, openai.FinishReasonContentFilter:
		stop = anthropic.StopReasonEndTurn
	case openai.FinishReasonLength:
		stop = anthropic.StopReasonMaxTokens
	case openai.FinishReasonToolCalls:
		stop = anthropic.StopReasonToolUse
	default:
		stop = anthropic.StopReasonEndTurn
	}
	return &stop
}

// convertUsage maps Chat Completions usage onto the Anthropic shape. Cached
// prompt tokens are reported separately and excluded from input_tokens.
func convertUsage(u *openai.Usage) anthropic.Usage {
	if u == nil {
		return anthropic.Usage{}
	}
	out := anthropic.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil && u.PromptTokensDetails.CachedTokens > 0 {
		cached := u.PromptTokensDetails.CachedTokens
		out.InputTokens -= cached
		if out.InputTokens < 0 {
			out.InputTokens = 0
		}
		out.CacheReadInputTokens = &cached
	}
	return out
}
