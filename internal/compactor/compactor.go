// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package compactor shrinks over-budget conversations before they are sent
// upstream. It prefers compressing old oversized tool payloads, then drops
// the oldest messages while preserving the most recent suffix intact, and
// leaves a marker telling the model what was removed.
package compactor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/yduwcui/copilot-gateway/internal/apischema/anthropic"
	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
	"github.com/yduwcui/copilot-gateway/internal/tokenizer"
)

const (
	// markerTokenOverhead and markerByteOverhead are reserved for the
	// truncation marker while searching for the cut point. The real marker
	// depends on what ends up removed, so the search uses a fixed reserve.
	markerTokenOverhead = 50
	markerByteOverhead  = 200

	// compressibleBytes is the tool payload size above which old results are
	// compressed; compressKeepEdge is how much of each end survives.
	compressibleBytes = 10 * 1024
	compressKeepEdge  = 250

	// preserveRecentPercent of the conversation tail is never compressed.
	preserveRecentPercent = 30

	// maxIntegrityPasses bounds the orphan cleanup after truncation.
	maxIntegrityPasses = 2
)

// Budget is the size envelope a request must fit. Zero fields are unlimited.
type Budget struct {
	Tokens int
	Bytes  int
}

func (b Budget) unlimited() bool { return b.Tokens <= 0 && b.Bytes <= 0 }

func (b Budget) fits(tokens, bytes int) bool {
	if b.Tokens > 0 && tokens > b.Tokens {
		return false
	}
	if b.Bytes > 0 && bytes > b.Bytes {
		return false
	}
	return true
}

// Result reports what compaction did. Compaction never fails a request: when
// the conversation cannot be shrunk safely it is left untouched.
type Result struct {
	WasCompacted    bool
	RemovedCount    int
	CompressedCount int
	TokensBefore    int
	TokensAfter     int
}

// Compactor is stateless apart from its logger and safe for concurrent use.
type Compactor struct {
	logger *slog.Logger
}

// New creates a Compactor.
func New(logger *slog.Logger) *Compactor {
	return &Compactor{logger: logger}
}

func encodedSize(v any) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(raw)
}

// markerText renders the truncation marker. At most five distinct tool names
// are listed.
func markerText(removedUser, removedAssistant, removedTool int, toolNames []string) string {
	total := removedUser + removedAssistant + removedTool
	var b strings.Builder
	fmt.Fprintf(&b, "[CONTEXT TRUNCATED: %d earlier messages removed (%d user, %d assistant, %d tool).",
		total, removedUser, removedAssistant, removedTool)
	if len(toolNames) > 0 {
		if len(toolNames) > 5 {
			toolNames = toolNames[:5]
		}
		fmt.Fprintf(&b, " Earlier tool calls included: %s.", strings.Join(toolNames, ", "))
	}
	b.WriteString("]")
	return b.String()
}

// distinctSorted returns the distinct names in sorted order.
func distinctSorted(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// compressText keeps the edges of an oversized payload and elides the middle.
func compressText(s string) string {
	if len(s) <= 2*compressKeepEdge {
		return s
	}
	omitted := len(s) - 2*compressKeepEdge
	return s[:compressKeepEdge] +
		fmt.Sprintf("\n[... %d characters omitted ...]\n", omitted) +
		s[len(s)-compressKeepEdge:]
}

// compressCutoff returns the first index of the protected recent tail.
func compressCutoff(n int) int {
	return n * (100 - preserveRecentPercent) / 100
}

// CompactChatCompletion shrinks an OpenAI-form request in place to fit the
// budget. The request is modified only when the returned Result reports
// WasCompacted.
func (c *Compactor) CompactChatCompletion(req *openai.ChatCompletionRequest, counter *tokenizer.Counter, budget Budget) Result {
	tokens := counter.CountChatRequest(req)
	bytes := encodedSize(req)
	res := Result{TokensBefore: tokens, TokensAfter: tokens}
	if budget.unlimited() || budget.fits(tokens, bytes) {
		return res
	}

	original := req.Messages

	// Leading system/developer messages are always kept.
	sysEnd := 0
	for sysEnd < len(req.Messages) {
		role := req.Messages[sysEnd].Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleDeveloper {
			break
		}
		sysEnd++
	}
	conv := append([]openai.ChatCompletionMessage(nil), req.Messages[sysEnd:]...)
	if len(conv) == 0 {
		return res
	}

	// Step 1: compress old oversized tool payloads. That alone may be enough.
	compressed := compressChatToolPayloads(conv)
	if compressed > 0 {
		req.Messages = concatChat(original[:sysEnd], nil, conv)
		tokens = counter.CountChatRequest(req)
		bytes = encodedSize(req)
		if budget.fits(tokens, bytes) {
			c.logger.Info("compacted request by compressing tool payloads",
				"compressed", compressed, "tokens_before", res.TokensBefore, "tokens_after", tokens)
			return Result{WasCompacted: true, CompressedCount: compressed, TokensBefore: res.TokensBefore, TokensAfter: tokens}
		}
	}

	// Step 2: find the smallest cut whose suffix fits alongside the marker
	// reserve. The last message is always preserved.
	fits := func(cut int) bool {
		req.Messages = concatChat(original[:sysEnd], nil, conv[cut:])
		return budget.fits(counter.CountChatRequest(req)+markerTokenOverhead, encodedSize(req)+markerByteOverhead)
	}
	cut := searchCut(len(conv)-1, fits)
	if cut < 0 || cut == 0 {
		// Nothing fits, or nothing needs removing; leave the request alone.
		req.Messages = original
		return res
	}

	removed := conv[:cut]
	suffix := conv[cut:]

	// Step 3: drop messages the truncation orphaned.
	suffix, extra := repairChatSuffix(suffix)
	if len(suffix) == 0 {
		req.Messages = original
		return res
	}
	removed = append(removed, extra...)

	marker := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: openai.StringContent(chatMarkerText(removed)),
	}
	req.Messages = concatChat(original[:sysEnd], &marker, suffix)
	tokens = counter.CountChatRequest(req)

	c.logger.Info("compacted request by truncating history",
		"removed", len(removed), "compressed", compressed,
		"tokens_before", res.TokensBefore, "tokens_after", tokens)
	return Result{
		WasCompacted:    true,
		RemovedCount:    len(removed),
		CompressedCount: compressed,
		TokensBefore:    res.TokensBefore,
		TokensAfter:     tokens,
	}
}

// searchCut binary-searches the smallest cut in [0, maxCut] whose suffix
// fits. Returns -1 when even maxCut does not fit. fits is monotone: removing
// more messages never grows the request.
func searchCut(maxCut int, fits func(int) bool) int {
	if maxCut < 0 || !fits(maxCut) {
		return -1
	}
	lo, hi := 0, maxCut
	for lo < hi {
		mid := (lo + hi) / 2
		if fits(mid) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func concatChat(system []openai.ChatCompletionMessage, marker *openai.ChatCompletionMessage, suffix []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(system)+1+len(suffix))
	out = append(out, system...)
	if marker != nil {
		out = append(out, *marker)
	}
	return append(out, suffix...)
}

// compressChatToolPayloads compresses oversized tool results outside the
// protected recent tail, in place. Returns how many were compressed.
func compressChatToolPayloads(conv []openai.ChatCompletionMessage) int {
	cutoff := compressCutoff(len(conv))
	compressed := 0
	for i := 0; i < cutoff; i++ {
		msg := &conv[i]
		if msg.Role != openai.ChatMessageRoleTool || msg.Content.Text == nil {
			continue
		}
		if len(*msg.Content.Text) <= compressibleBytes {
			continue
		}
		msg.Content = openai.StringContent(compressText(*msg.Content.Text))
		compressed++
	}
	return compressed
}

// repairChatSuffix drops messages the cut separated from their other half:
// tool results whose call is gone, and leading assistant turns that answered
// a removed user message. Bounded to a fixed number of passes.
func repairChatSuffix(suffix []openai.ChatCompletionMessage) (kept, dropped []openai.ChatCompletionMessage) {
	kept = suffix
	for pass := 0; pass < maxIntegrityPasses; pass++ {
		changed := false

		known := make(map[string]bool)
		next := kept[:0:0]
		for i := range kept {
			msg := kept[i]
			if msg.Role == openai.ChatMessageRoleAssistant {
				for _, call := range msg.ToolCalls {
					known[call.ID] = true
				}
			}
			if msg.Role == openai.ChatMessageRoleTool && !known[msg.ToolCallID] {
				dropped = append(dropped, msg)
				changed = true
				continue
			}
			next = append(next, msg)
		}
		kept = next

		for len(kept) > 0 && kept[0].Role != openai.ChatMessageRoleUser {
			dropped = append(dropped, kept[0])
			kept = kept[1:]
			changed = true
		}
		if !changed {
			break
		}
	}
	return kept, dropped
}

func chatMarkerText(removed []openai.ChatCompletionMessage) string {
	var users, assistants, tools int
	var toolNames []string
	for i := range removed {
		switch removed[i].Role {
		case openai.ChatMessageRoleUser:
			users++
		case openai.ChatMessageRoleAssistant:
			assistants++
			for _, call := range removed[i].ToolCalls {
				toolNames = append(toolNames, call.Function.Name)
			}
		case openai.ChatMessageRoleTool:
			tools++
		}
	}
	return markerText(users, assistants, tools, distinctSorted(toolNames))
}

// CompactMessages shrinks an Anthropic-form request in place to fit the
// budget. The system prompt is always kept; when present, the truncation
// marker is appended to it instead of being injected as a user message.
func (c *Compactor) CompactMessages(req *anthropic.MessagesRequest, counter *tokenizer.Counter, budget Budget) Result {
	tokens := counter.CountMessagesRequest(req)
	bytes := encodedSize(req)
	res := Result{TokensBefore: tokens, TokensAfter: tokens}
	if budget.unlimited() || budget.fits(tokens, bytes) {
		return res
	}

	original := req.Messages
	originalSystem := req.System
	conv := append([]anthropic.Message(nil), req.Messages...)
	if len(conv) == 0 {
		return res
	}

	compressed := compressMessagesToolPayloads(conv)
	if compressed > 0 {
		req.Messages = conv
		tokens = counter.CountMessagesRequest(req)
		bytes = encodedSize(req)
		if budget.fits(tokens, bytes) {
			c.logger.Info("compacted request by compressing tool payloads",
				"compressed", compressed, "tokens_before", res.TokensBefore, "tokens_after", tokens)
			return Result{WasCompacted: true, CompressedCount: compressed, TokensBefore: res.TokensBefore, TokensAfter: tokens}
		}
	}

	fits := func(cut int) bool {
		req.Messages = conv[cut:]
		return budget.fits(counter.CountMessagesRequest(req)+markerTokenOverhead, encodedSize(req)+markerByteOverhead)
	}
	cut := searchCut(len(conv)-1, fits)
	if cut < 0 || cut == 0 {
		req.Messages = original
		return res
	}

	removed := conv[:cut]
	suffix, extra := repairMessagesSuffix(conv[cut:])
	if len(suffix) == 0 {
		req.Messages = original
		return res
	}
	removed = append(removed, extra...)

	marker := messagesMarkerText(removed)
	if req.System != nil {
		combined := originalSystem.PlainText() + "\n\n" + marker
		req.System = &anthropic.SystemPrompt{Text: &combined}
		req.Messages = suffix
	} else {
		req.Messages = append([]anthropic.Message{{
			Role:    anthropic.MessageRoleUser,
			Content: anthropic.StringContent(marker),
		}}, suffix...)
	}
	tokens = counter.CountMessagesRequest(req)

	c.logger.Info("compacted request by truncating history",
		"removed", len(removed), "compressed", compressed,
		"tokens_before", res.TokensBefore, "tokens_after", tokens)
	return Result{
		WasCompacted:    true,
		RemovedCount:    len(removed),
		CompressedCount: compressed,
		TokensBefore:    res.TokensBefore,
		TokensAfter:     tokens,
	}
}

// compressMessagesToolPayloads compresses oversized tool_result payloads
// outside the protected recent tail, in place.
func compressMessagesToolPayloads(conv []anthropic.Message) int {
	cutoff := compressCutoff(len(conv))
	compressed := 0
	for i := 0; i < cutoff; i++ {
		msg := &conv[i]
		cloned := false
		for j := range msg.Content.Blocks {
			block := &msg.Content.Blocks[j]
			if block.Type != anthropic.ContentBlockTypeToolResult || len(block.Content) <= compressibleBytes {
				continue
			}
			text := compressText(block.ToolResultText())
			raw, err := json.Marshal(text)
			if err != nil {
				continue
			}
			// The block slice is shared with the caller's request; clone it
			// before the first in-place edit.
			if !cloned {
				msg.Content = anthropic.MessageContent{
					Blocks: append([]anthropic.ContentBlock(nil), msg.Content.Blocks...),
				}
				cloned = true
				block = &msg.Content.Blocks[j]
			}
			block.Content = raw
			compressed++
		}
	}
	return compressed
}

// repairMessagesSuffix strips tool_result blocks whose tool_use was removed
// and drops leading assistant turns so the conversation starts with a user
// message. Messages emptied by block removal are dropped.
func repairMessagesSuffix(suffix []anthropic.Message) (kept, dropped []anthropic.Message) {
	kept = suffix
	for pass := 0; pass < maxIntegrityPasses; pass++ {
		changed := false

		known := make(map[string]bool)
		next := kept[:0:0]
		for i := range kept {
			msg := kept[i]
			if msg.Role == anthropic.MessageRoleAssistant {
				for _, block := range msg.Content.Blocks {
					if block.Type == anthropic.ContentBlockTypeToolUse {
						known[block.ID] = true
					}
				}
				next = append(next, msg)
				continue
			}
			if len(msg.Content.Blocks) > 0 {
				blocks := msg.Content.Blocks[:0:0]
				for _, block := range msg.Content.Blocks {
					if block.Type == anthropic.ContentBlockTypeToolResult && !known[block.ToolUseID] {
						changed = true
						continue
					}
					blocks = append(blocks, block)
				}
				if len(blocks) == 0 {
					dropped = append(dropped, msg)
					changed = true
					continue
				}
				msg.Content = anthropic.MessageContent{Blocks: blocks}
			}
			next = append(next, msg)
		}
		kept = next

		for len(kept) > 0 && kept[0].Role != anthropic.MessageRoleUser {
			dropped = append(dropped, kept[0])
			kept = kept[1:]
			changed = true
		}
		if !changed {
			break
		}
	}
	return kept, dropped
}

func messagesMarkerText(removed []anthropic.Message) string {
	var users, assistants int
	var toolNames []string
	for i := range removed {
		switch removed[i].Role {
		case anthropic.MessageRoleUser:
			users++
		case anthropic.MessageRoleAssistant:
			assistants++
			for _, block := range removed[i].Content.Blocks {
				if block.Type == anthropic.ContentBlockTypeToolUse {
					toolNames = append(toolNames, block.Name)
				}
			}
		}
	}
	return markerText(users, assistants, 0, distinctSorted(toolNames))
}
