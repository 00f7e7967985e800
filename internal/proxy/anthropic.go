// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/sjson"

	"github.com/yduwcui/copilot-gateway/internal/apischema/anthropic"
	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
	"github.com/yduwcui/copilot-gateway/internal/copilot"
	"github.com/yduwcui/copilot-gateway/internal/metrics"
	"github.com/yduwcui/copilot-gateway/internal/tokenizer"
	"github.com/yduwcui/copilot-gateway/internal/translator"
)

func (s *Server) writeAnthropicBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, &anthropic.ErrorResponse{
		Type:  "error",
		Error: anthropic.ErrorDetail{Type: anthropic.ErrorTypeInvalidRequest, Message: message},
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req anthropic.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeAnthropicBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		s.writeAnthropicBadRequest(w, "messages must not be empty")
		return
	}

	if !s.approved(w, "messages", true) {
		return
	}
	models := s.modelList()
	resolved := translator.NormalizeModelName(req.Model, models)
	model := s.lookupModel(resolved)

	if s.cfg.DirectAnthropic && model != nil && model.IsAnthropic() {
		s.serveMessagesDirect(w, r, body, &req, model, resolved, start)
		return
	}
	s.serveMessagesTranslated(w, r, &req, model, len(body), start)
}

// serveMessagesDirect forwards the request natively to the upstream
// /v1/messages endpoint, sanitized to the fields it accepts.
func (s *Server) serveMessagesDirect(w http.ResponseWriter, r *http.Request, body []byte, req *anthropic.MessagesRequest, model *copilot.Model, resolved string, start time.Time) {
	ctx := r.Context()
	compacted := s.compactMessages(req, model)
	if compacted {
		// Re-encode from the compacted form.
		reencoded, err := json.Marshal(req)
		if err != nil {
			s.writeAnthropicError(w, err, len(body))
			return
		}
		body = reencoded
	}

	body, err := sjson.SetBytes(body, "model", resolved)
	if err != nil {
		s.writeAnthropicError(w, err, len(body))
		return
	}
	body, err = translator.SanitizeMessagesBody(s.logger, body, translator.PassthroughOptions{
		RewriteServerTools: s.cfg.RewriteServerTools,
	})
	if err != nil {
		s.writeAnthropicError(w, err, len(body))
		return
	}

	if req.Stream {
		stream, err := dispatch(s, ctx, func() (io.ReadCloser, error) {
			return s.client.MessagesStream(ctx, body)
		})
		if err != nil {
			s.writeAnthropicError(w, err, len(body))
			s.record("messages", resolved, errorStatus(err), true, compacted, start)
			return
		}
		defer stream.Close()
		s.pumpMessagesDirect(w, stream)
		s.record("messages", resolved, http.StatusOK, true, compacted, start)
		return
	}

	raw, err := dispatch(s, ctx, func() ([]byte, error) {
		return s.client.Messages(ctx, body)
	})
	if err != nil {
		s.writeAnthropicError(w, err, len(body))
		s.record("messages", resolved, errorStatus(err), false, compacted, start)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
	s.record("messages", resolved, http.StatusOK, false, compacted, start)
}

// pumpMessagesDirect forwards named upstream events verbatim.
func (s *Server) pumpMessagesDirect(w http.ResponseWriter, stream io.Reader) {
	sse, err := newSSEWriter(w)
	if err != nil {
		s.logger.Error("streaming unsupported by client connection", "err", err)
		return
	}
	scanner := copilot.NewSSEScanner(stream)
	for scanner.Next() {
		ev := scanner.Event()
		if len(ev.Data) == 0 {
			continue
		}
		var writeErr error
		if ev.Name != "" {
			writeErr = sse.writeEvent(ev.Name, json.RawMessage(ev.Data))
		} else {
			writeErr = sse.writeData(ev.Data)
		}
		if writeErr != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("upstream stream ended abnormally", "err", err)
	}
}

// serveMessagesTranslated converts the request to Chat Completions form,
// dispatches it, and converts the answer back.
func (s *Server) serveMessagesTranslated(w http.ResponseWriter, r *http.Request, req *anthropic.MessagesRequest, model *copilot.Model, requestBytes int, start time.Time) {
	ctx := r.Context()
	names := translator.NewToolNameMap()
	ccReq, err := translator.BuildChatCompletionRequest(s.logger, req, names, s.modelList(), translator.Options{
		SystemFilterSubstrings: s.cfg.SystemFilterSubstrings,
	})
	if err != nil {
		s.writeAnthropicBadRequest(w, err.Error())
		return
	}
	if model == nil {
		model = s.lookupModel(ccReq.Model)
	}
	compacted := s.compactChat(ccReq, model)

	if req.Stream {
		stream, err := dispatch(s, ctx, func() (io.ReadCloser, error) {
			return s.client.ChatCompletionsStream(ctx, ccReq)
		})
		if err != nil {
			s.writeAnthropicError(w, err, requestBytes)
			s.record("messages", ccReq.Model, errorStatus(err), true, compacted, start)
			return
		}
		defer stream.Close()
		s.pumpMessagesTranslated(w, stream, names, req.Model)
		s.record("messages", ccReq.Model, http.StatusOK, true, compacted, start)
		return
	}

	resp, err := dispatch(s, ctx, func() (*openai.ChatCompletionResponse, error) {
		return s.client.ChatCompletions(ctx, ccReq)
	})
	if err != nil {
		s.writeAnthropicError(w, err, requestBytes)
		s.record("messages", ccReq.Model, errorStatus(err), false, compacted, start)
		return
	}
	writeJSON(w, http.StatusOK, translator.BuildMessagesResponse(s.logger, resp, names, req.Model))
	s.record("messages", ccReq.Model, http.StatusOK, false, compacted, start)
}

// pumpMessagesTranslated converts the Chat Completions chunk stream into
// Anthropic streaming events on the fly.
func (s *Server) pumpMessagesTranslated(w http.ResponseWriter, stream io.Reader, names *translator.ToolNameMap, requestModel string) {
	sse, err := newSSEWriter(w)
	if err != nil {
		s.logger.Error("streaming unsupported by client connection", "err", err)
		return
	}
	state := translator.NewStreamState(s.logger, names, requestModel)
	scanner := copilot.NewSSEScanner(stream)
	for scanner.Next() {
		ev := scanner.Event()
		if ev.Done() {
			break
		}
		if len(ev.Data) == 0 {
			continue
		}
		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal(ev.Data, &chunk); err != nil {
			s.logger.Warn("skipping malformed upstream chunk", "err", err)
			continue
		}
		if !s.writeAnthropicEvents(sse, state.Step(&chunk)) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("upstream stream ended abnormally", "err", err)
		_ = sse.writeEvent(anthropic.EventTypeError, state.ErrorEvent(anthropic.ErrorTypeAPI, "upstream stream ended abnormally"))
		return
	}
	s.writeAnthropicEvents(sse, state.Finish())
}

func (s *Server) writeAnthropicEvents(sse *sseWriter, events []anthropic.StreamEvent) bool {
	for i := range events {
		if err := sse.writeEvent(events[i].Type, &events[i]); err != nil {
			return false
		}
	}
	return true
}

// compactMessages applies auto-compaction to an Anthropic-form request.
func (s *Server) compactMessages(req *anthropic.MessagesRequest, model *copilot.Model) bool {
	if !s.cfg.AutoCompact || model == nil {
		return false
	}
	counter, err := tokenizer.For(model)
	if err != nil {
		s.logger.Warn("tokenizer unavailable, skipping compaction", "model", model.ID, "err", err)
		return false
	}
	res := s.comp.CompactMessages(req, counter, s.chatBudget(model))
	if !res.WasCompacted {
		return false
	}
	if res.RemovedCount > 0 {
		s.metrics.ObserveCompaction(metrics.CompactionTruncated)
	}
	if res.CompressedCount > 0 {
		s.metrics.ObserveCompaction(metrics.CompactionCompressed)
	}
	return true
}

// handleCountTokens estimates the token footprint of a Messages request.
// When auto-compaction is on and the conversation exceeds the model's prompt
// budget, the reported count reflects the compacted size: 95% of the context
// window, since that is what would actually be sent.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req anthropic.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeAnthropicBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	resolved := translator.NormalizeModelName(req.Model, s.modelList())
	model := s.lookupModel(resolved)
	if model == nil {
		model = &copilot.Model{ID: resolved}
	}
	counter, err := tokenizer.For(model)
	if err != nil {
		s.writeAnthropicError(w, err, len(body))
		return
	}
	count := counter.CountMessagesRequest(&req)

	if s.cfg.AutoCompact {
		budget := s.chatBudget(model)
		window := model.Capabilities.Limits.ContextWindow()
		if budget.Tokens > 0 && window > 0 && count > budget.Tokens {
			count = window * 95 / 100
		}
	}
	writeJSON(w, http.StatusOK, &anthropic.CountTokensResponse{InputTokens: count})
}
