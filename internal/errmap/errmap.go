// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package errmap normalizes upstream failures into the error taxonomy each
// client surface expects, and feeds size-limit hints back into the dynamic
// limit registry.
package errmap

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/yduwcui/copilot-gateway/internal/apischema/anthropic"
	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
	"github.com/yduwcui/copilot-gateway/internal/copilot"
	"github.com/yduwcui/copilot-gateway/internal/limits"
)

// Client-visible error types.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimit      = "rate_limit_error"
	TypeError          = "error"
)

// Normalized is a client-visible error independent of the protocol family.
type Normalized struct {
	Status  int
	Type    string
	Message string
}

// promptTooLong matches the Anthropic-family message shape
// "prompt is too long: 210000 tokens > 200000 maximum".
var promptTooLong = regexp.MustCompile(`prompt is too long: (\d+) tokens > (\d+) maximum`)

// twoNumbers pulls the first two integers out of a limit-exceeded message.
var twoNumbers = regexp.MustCompile(`(\d+)\D+(\d+)`)

// Normalize maps an upstream error to its client-visible form. requestBytes
// is the size of the payload that failed, used to latch the byte limit on
// 413. Latched limits are logged.
func Normalize(logger *slog.Logger, reg *limits.Registry, ue *copilot.UpstreamError, requestBytes int) Normalized {
	if ue.StatusCode == http.StatusRequestEntityTooLarge {
		latched := reg.LatchByteLimit(requestBytes)
		logger.Warn("upstream rejected payload as too large", "request_bytes", requestBytes, "byte_limit", latched)
		return Normalized{
			Status:  http.StatusRequestEntityTooLarge,
			Type:    TypeInvalidRequest,
			Message: "Request body too large. The payload will be truncated more aggressively on the next attempt.",
		}
	}

	code := gjson.Get(ue.Body, "error.code").String()
	message := gjson.Get(ue.Body, "error.message").String()

	if current, limit, ok := parseTokenLimit(ue.Body, code, message); ok {
		if ue.Model != "" {
			latched := reg.LatchTokenLimit(ue.Model, limit)
			logger.Warn("upstream rejected prompt as too long",
				"model", ue.Model, "current", current, "limit", limit, "effective_limit", latched)
		}
		return Normalized{
			Status:  http.StatusBadRequest,
			Type:    TypeInvalidRequest,
			Message: fmt.Sprintf("prompt is too long: %d tokens > %d maximum. Trim the conversation and retry.", current, limit),
		}
	}

	if ue.IsRateLimited() {
		if message == "" {
			message = "Rate limit exceeded. Please slow down."
		}
		return Normalized{Status: http.StatusTooManyRequests, Type: TypeRateLimit, Message: message}
	}

	if message == "" {
		message = ue.Body
	}
	return Normalized{Status: ue.StatusCode, Type: TypeError, Message: message}
}

// parseTokenLimit extracts (current, limit) from either the structured
// model_max_prompt_tokens_exceeded shape or the Anthropic text form.
func parseTokenLimit(body, code, message string) (current, limit int, ok bool) {
	if code == "model_max_prompt_tokens_exceeded" {
		if cur := gjson.Get(body, "error.current"); cur.Exists() {
			return int(cur.Int()), int(gjson.Get(body, "error.limit").Int()), true
		}
		if m := twoNumbers.FindStringSubmatch(message); m != nil {
			current, _ = strconv.Atoi(m[1])
			limit, _ = strconv.Atoi(m[2])
			return current, limit, true
		}
		return 0, 0, false
	}
	if m := promptTooLong.FindStringSubmatch(message); m != nil {
		current, _ = strconv.Atoi(m[1])
		limit, _ = strconv.Atoi(m[2])
		return current, limit, true
	}
	return 0, 0, false
}

// OpenAIBody renders the error in the OpenAI envelope.
func (n Normalized) OpenAIBody() *openai.Error {
	return &openai.Error{Error: openai.ErrorBody{Message: n.Message, Type: n.Type}}
}

// AnthropicBody renders the error in the Anthropic envelope.
func (n Normalized) AnthropicBody() *anthropic.ErrorResponse {
	typ := n.Type
	if typ == TypeError {
		typ = anthropic.ErrorTypeAPI
	}
	return &anthropic.ErrorResponse{
		Type:  "error",
		Error: anthropic.ErrorDetail{Type: typ, Message: n.Message},
	}
}
