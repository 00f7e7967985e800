// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// allowedMessagesFields are the top-level request fields forwarded verbatim
// on the direct /v1/messages path. Everything else is dropped, the upstream
// rejects payloads with fields it does not know.
var allowedMessagesFields = map[string]bool{
	"model":          true,
	"messages":       true,
	"max_tokens":     true,
	"system":         true,
	"metadata":       true,
	"stop_sequences": true,
	"stream":         true,
	"temperature":    true,
	"top_p":          true,
	"top_k":          true,
	"thinking":       true,
	"tool_choice":    true,
	"tools":          true,
}

// maxTokensBumpCeiling caps how much headroom is added on top of a thinking
// budget when max_tokens does not leave room for a visible answer.
const maxTokensBumpCeiling = 16384

// PassthroughOptions tunes direct-mode sanitization.
type PassthroughOptions struct {
	// RewriteServerTools converts server-side tool declarations (web search
	// and friends) into plain custom tools the upstream accepts.
	RewriteServerTools bool
}

// SanitizeMessagesBody filters a raw /v1/messages payload down to the fields
// the upstream accepts and repairs inconsistent thinking budgets. The input
// must be valid JSON; the result is a new payload.
func SanitizeMessagesBody(logger *slog.Logger, body []byte, opts PassthroughOptions) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	var dropped []string
	gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if !allowedMessagesFields[name] {
			dropped = append(dropped, name)
			return true
		}
		out, err = sjson.SetRawBytes(out, name, []byte(value.Raw))
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	if len(dropped) > 0 {
		logger.Debug("dropped unsupported request fields", "fields", strings.Join(dropped, ","))
	}

	if opts.RewriteServerTools {
		if out, err = rewriteServerTools(logger, out); err != nil {
			return nil, err
		}
	}
	return bumpMaxTokensForThinking(logger, out)
}

// bumpMaxTokensForThinking raises max_tokens above the thinking budget so the
// model has room to produce visible output. The upstream rejects requests
// where max_tokens <= thinking.budget_tokens.
func bumpMaxTokensForThinking(logger *slog.Logger, body []byte) ([]byte, error) {
	budget := gjson.GetBytes(body, "thinking.budget_tokens").Int()
	if budget <= 0 {
		return body, nil
	}
	maxTokens := gjson.GetBytes(body, "max_tokens").Int()
	if maxTokens > budget {
		return body, nil
	}
	headroom := budget
	if headroom > maxTokensBumpCeiling {
		headroom = maxTokensBumpCeiling
	}
	bumped := budget + headroom
	logger.Debug("raising max_tokens above thinking budget",
		"max_tokens", maxTokens, "budget_tokens", budget, "new_max_tokens", bumped)
	return sjson.SetBytes(body, "max_tokens", bumped)
}

// serverToolPrefixes identify Anthropic server-side tool types.
var serverToolPrefixes = []string{"web_search", "web_fetch", "code_execution", "computer", "bash", "text_editor"}

func isServerToolType(typ string) bool {
	for _, p := range serverToolPrefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

// rewriteServerTools replaces server-side tool declarations with equivalent
// custom tools so the request survives an upstream that lacks them.
func rewriteServerTools(logger *slog.Logger, body []byte) ([]byte, error) {
	tools := gjson.GetBytes(body, "tools")
	if !tools.Exists() {
		return body, nil
	}
	var err error
	tools.ForEach(func(key, value gjson.Result) bool {
		typ := value.Get("type").String()
		if typ == "" || typ == "custom" || !isServerToolType(typ) {
			return true
		}
		name := value.Get("name").String()
		if name == "" {
			name = typ
		}
		logger.Debug("rewriting server tool as custom tool", "type", typ, "name", name)
		path := "tools." + key.String()
		replacement := map[string]any{
			"name":         name,
			"description":  "Rewritten client-side stand-in for the " + typ + " server tool.",
			"input_schema": map[string]any{"type": "object", "properties": map[string]any{}},
		}
		body, err = sjson.SetBytes(body, path, replacement)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
