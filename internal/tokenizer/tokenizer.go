// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokenizer counts prompt tokens with the BPE encoding each model
// announces in its capabilities.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/yduwcui/copilot-gateway/internal/apischema/anthropic"
	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
	"github.com/yduwcui/copilot-gateway/internal/copilot"
)

// DefaultEncoding is used when a model announces no tokenizer.
const DefaultEncoding = "o200k_base"

const (
	// perMessageOverhead covers the chat framing tokens around each
	// message, replyPriming the assistant prelude of the reply.
	// https://github.com/openai/openai-cookbook/blob/main/examples/How_to_count_tokens_with_tiktoken.ipynb
	perMessageOverhead = 3
	replyPriming       = 3

	// toolUseOverhead is the additive correction per tool_use/tool_result
	// block, toolDefinitionOverhead per declared tool.
	toolUseOverhead        = 11
	toolDefinitionOverhead = 8
)

// Safety buffers compensating for cross-tokenizer drift when counting
// Anthropic-vendor prompts with an OpenAI BPE. Empirical; see DESIGN.md.
const (
	BufferClaudeLegacy = 1.05 // claude-3 family
	BufferClaude       = 1.03 // everything newer
)

var (
	// Encodings are expensive to build; cache them process-wide.
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

func encodingFor(name string) (*tiktoken.Tiktoken, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()
	if enc, ok := encodingCache[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		if name == DefaultEncoding {
			return nil, fmt.Errorf("failed to load encoding %s: %w", name, err)
		}
		// Unknown tokenizer names fall back to the default encoding.
		return encodingFor(DefaultEncoding)
	}
	encodingCache[name] = enc
	return enc, nil
}

// Counter counts tokens for one model. Counters are cheap to create once the
// underlying encoding is cached, and are safe for concurrent use.
type Counter struct {
	enc *tiktoken.Tiktoken
	// buffer is a multiplicative safety factor, 1.0 for models whose
	// native tokenizer matches the encoding.
	buffer float64
}

// For builds a Counter for the model using its announced tokenizer.
func For(model *copilot.Model) (*Counter, error) {
	name := model.Capabilities.Tokenizer
	if name == "" {
		name = DefaultEncoding
	}
	enc, err := encodingFor(name)
	if err != nil {
		return nil, err
	}
	buffer := 1.0
	if model.IsAnthropic() {
		buffer = BufferClaude
		if model.Capabilities.Family == "claude-3" {
			buffer = BufferClaudeLegacy
		}
	}
	return &Counter{enc: enc, buffer: buffer}, nil
}

// CountText counts the tokens of a plain string.
func (c *Counter) CountText(s string) int {
	if s == "" {
		return 0
	}
	return len(c.enc.Encode(s, nil, nil))
}

func (c *Counter) buffered(n int) int {
	return int(float64(n) * c.buffer)
}

// CountChatMessage counts one OpenAI chat message including framing overhead.
func (c *Counter) CountChatMessage(msg *openai.ChatCompletionMessage) int {
	n := perMessageOverhead
	n += c.CountText(msg.Role)
	if msg.Content.Text != nil {
		n += c.CountText(*msg.Content.Text)
	}
	for _, part := range msg.Content.Parts {
		n += c.CountText(part.Text)
		if part.ImageURL != nil {
			n += c.CountText(part.ImageURL.URL)
		}
	}
	for _, call := range msg.ToolCalls {
		n += toolUseOverhead
		n += c.CountText(call.Function.Name)
		n += c.CountText(call.Function.Arguments)
	}
	if msg.ToolCallID != "" {
		n += c.CountText(msg.ToolCallID)
	}
	return n
}

// CountChatRequest counts a whole OpenAI request: messages, tool definitions
// and the reply priming.
func (c *Counter) CountChatRequest(req *openai.ChatCompletionRequest) int {
	n := replyPriming
	for i := range req.Messages {
		n += c.CountChatMessage(&req.Messages[i])
	}
	for i := range req.Tools {
		n += c.countToolDefinition(req.Tools[i].Function.Name, req.Tools[i].Function.Description, string(req.Tools[i].Function.Parameters))
	}
	return c.buffered(n)
}

// CountAnthropicMessage counts one Messages-API message.
func (c *Counter) CountAnthropicMessage(msg *anthropic.Message) int {
	n := perMessageOverhead
	n += c.CountText(msg.Role)
	if msg.Content.Text != nil {
		n += c.CountText(*msg.Content.Text)
	}
	for i := range msg.Content.Blocks {
		block := &msg.Content.Blocks[i]
		switch block.Type {
		case anthropic.ContentBlockTypeText:
			n += c.CountText(block.Text)
		case anthropic.ContentBlockTypeThinking:
			n += c.CountText(block.Thinking)
		case anthropic.ContentBlockTypeToolUse:
			n += toolUseOverhead
			n += c.CountText(block.Name)
			n += c.CountText(string(block.Input))
		case anthropic.ContentBlockTypeToolResult:
			n += toolUseOverhead
			n += c.CountText(block.ToolResultText())
		case anthropic.ContentBlockTypeImage:
			if block.Source != nil {
				n += c.CountText(block.Source.URL)
			}
		}
	}
	return n
}

// CountMessagesRequest counts a whole Messages request: system prompt,
// messages, tool definitions and the reply priming, with the safety buffer
// applied.
func (c *Counter) CountMessagesRequest(req *anthropic.MessagesRequest) int {
	n := replyPriming
	if req.System != nil {
		n += c.CountText(req.System.PlainText())
	}
	for i := range req.Messages {
		n += c.CountAnthropicMessage(&req.Messages[i])
	}
	for i := range req.Tools {
		n += c.countToolDefinition(req.Tools[i].Name, req.Tools[i].Description, string(req.Tools[i].InputSchema))
	}
	return c.buffered(n)
}

func (c *Counter) countToolDefinition(name, description, schema string) int {
	return toolDefinitionOverhead + c.CountText(name) + c.CountText(description) + c.CountText(schema)
}
