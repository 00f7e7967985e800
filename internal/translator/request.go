// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package translator converts between the Anthropic Messages and OpenAI Chat
// Completions wire protocols in both directions, including streaming.
package translator

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/yduwcui/copilot-gateway/internal/apischema/anthropic"
	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
	"github.com/yduwcui/copilot-gateway/internal/copilot"
)

// interruptedToolResult is the synthetic answer injected for assistant tool
// calls that never received a tool_result from the client.
const interruptedToolResult = "Tool execution was interrupted or failed."

// Options tunes request translation.
type Options struct {
	// SystemFilterSubstrings drops any system-prompt line containing one of
	// these substrings. Used for client boilerplate the upstream rejects.
	SystemFilterSubstrings []string
}

// BuildChatCompletionRequest converts an Anthropic Messages request into the
// Chat Completions form sent upstream. names accumulates tool-name
// truncations for the response path; models feeds alias resolution.
func BuildChatCompletionRequest(logger *slog.Logger, req *anthropic.MessagesRequest, names *ToolNameMap, models []copilot.Model, opts Options) (*openai.ChatCompletionRequest, error) {
	out := &openai.ChatCompletionRequest{
		Model: NormalizeModelName(req.Model, models),
	}

	if req.System != nil {
		if text := filterSystemPrompt(req.System.PlainText(), opts.SystemFilterSubstrings); text != "" {
			out.Messages = append(out.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: openai.StringContent(text),
			})
		}
	}

	for i := range req.Messages {
		converted, err := convertMessage(&req.Messages[i], names)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out.Messages = append(out.Messages, converted...)
	}
	out.Messages = repairToolSequences(logger, out.Messages)

	for _, tool := range req.Tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = []byte(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: "function",
			Function: openai.FunctionDefinition{
				Name:        names.Truncate(tool.Name),
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case anthropic.ToolChoiceTypeAuto:
			out.ToolChoice = &openai.ToolChoice{Mode: openai.ToolChoiceAuto}
		case anthropic.ToolChoiceTypeAny:
			out.ToolChoice = &openai.ToolChoice{Mode: openai.ToolChoiceRequired}
		case anthropic.ToolChoiceTypeNone:
			out.ToolChoice = &openai.ToolChoice{Mode: openai.ToolChoiceNone}
		case anthropic.ToolChoiceTypeTool:
			out.ToolChoice = &openai.ToolChoice{Function: names.Truncate(req.ToolChoice.Name)}
		default:
			return nil, fmt.Errorf("unsupported tool_choice type %q", req.ToolChoice.Type)
		}
	}

	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		out.MaxTokens = &maxTokens
	}
	out.Temperature = req.Temperature
	out.TopP = req.TopP
	out.Stop = req.StopSequences
	if req.Metadata != nil && req.Metadata.UserID != nil {
		out.User = *req.Metadata.UserID
	}
	if req.Stream {
		out.Stream = true
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out, nil
}

// filterSystemPrompt removes lines containing any of the given substrings.
func filterSystemPrompt(text string, substrings []string) string {
	if len(substrings) == 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		drop := false
		for _, sub := range substrings {
			if strings.Contains(line, sub) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// convertMessage expands one Anthropic message into its Chat Completions
// equivalents. A user message carrying tool_result blocks fans out into tool
// messages (in block order) followed by at most one user message holding the
// remaining content.
func convertMessage(msg *anthropic.Message, names *ToolNameMap) ([]openai.ChatCompletionMessage, error) {
	switch msg.Role {
	case anthropic.MessageRoleUser:
		return convertUserMessage(msg)
	case anthropic.MessageRoleAssistant:
		converted, err := convertAssistantMessage(msg, names)
		if err != nil {
			return nil, err
		}
		return []openai.ChatCompletionMessage{converted}, nil
	default:
		return nil, fmt.Errorf("unsupported role %q", msg.Role)
	}
}

func convertUserMessage(msg *anthropic.Message) ([]openai.ChatCompletionMessage, error) {
	if msg.Content.Text != nil {
		return []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: openai.StringContent(*msg.Content.Text),
		}}, nil
	}

	var out []openai.ChatCompletionMessage
	var parts []openai.ContentPart
	for i := range msg.Content.Blocks {
		block := &msg.Content.Blocks[i]
		switch block.Type {
		case anthropic.ContentBlockTypeToolResult:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: block.ToolUseID,
				Content:    openai.StringContent(block.ToolResultText()),
			})
		case anthropic.ContentBlockTypeText:
			parts = append(parts, openai.ContentPart{Type: openai.ContentPartTypeText, Text: block.Text})
		case anthropic.ContentBlockTypeImage:
			part, err := convertImageBlock(block)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		default:
			return nil, fmt.Errorf("unsupported user content block %q", block.Type)
		}
	}
	if len(parts) > 0 {
		content := openai.MessageContent{Parts: parts}
		// Collapse a lone text part to plain-string form.
		if len(parts) == 1 && parts[0].Type == openai.ContentPartTypeText {
			content = openai.StringContent(parts[0].Text)
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: content,
		})
	}
	return out, nil
}

func convertImageBlock(block *anthropic.ContentBlock) (openai.ContentPart, error) {
	if block.Source == nil {
		return openai.ContentPart{}, fmt.Errorf("image block without source")
	}
	var url string
	switch block.Source.Type {
	case "base64":
		url = fmt.Sprintf("data:%s;base64,%s", block.Source.MediaType, block.Source.Data)
	case "url":
		url = block.Source.URL
	default:
		return openai.ContentPart{}, fmt.Errorf("unsupported image source type %q", block.Source.Type)
	}
	return openai.ContentPart{
		Type:     openai.ContentPartTypeImageURL,
		ImageURL: &openai.ImageURL{URL: url},
	}, nil
}

// convertAssistantMessage folds text and thinking blocks into the message
// content and tool_use blocks into tool_calls.
func convertAssistantMessage(msg *anthropic.Message, names *ToolNameMap) (openai.ChatCompletionMessage, error) {
	out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	if msg.Content.Text != nil {
		out.Content = openai.StringContent(*msg.Content.Text)
		return out, nil
	}

	var text string
	for i := range msg.Content.Blocks {
		block := &msg.Content.Blocks[i]
		switch block.Type {
		case anthropic.ContentBlockTypeText:
			text += block.Text
		case anthropic.ContentBlockTypeThinking:
			text += block.Thinking
		case anthropic.ContentBlockTypeToolUse:
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      names.Truncate(block.Name),
					Arguments: args,
				},
			})
		default:
			return openai.ChatCompletionMessage{}, fmt.Errorf("unsupported assistant content block %q", block.Type)
		}
	}
	if text != "" {
		out.Content = openai.StringContent(text)
	}
	return out, nil
}

// repairToolSequences inserts synthetic tool messages after assistant tool
// calls that the following messages never answer. The upstream rejects
// conversations with unanswered calls outright.
func repairToolSequences(logger *slog.Logger, messages []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		out = append(out, *msg)
		if msg.Role != openai.ChatMessageRoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		answered := make(map[string]bool)
		for j := i + 1; j < len(messages); j++ {
			if messages[j].Role == openai.ChatMessageRoleTool {
				answered[messages[j].ToolCallID] = true
				continue
			}
			break
		}
		for _, call := range msg.ToolCalls {
			if answered[call.ID] {
				continue
			}
			logger.Debug("injecting synthetic tool result for unanswered call",
				"tool_call_id", call.ID, "tool", call.Function.Name)
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    openai.StringContent(interruptedToolResult),
			})
		}
	}
	return out
}
