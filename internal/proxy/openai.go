// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
	"github.com/yduwcui/copilot-gateway/internal/compactor"
	"github.com/yduwcui/copilot-gateway/internal/copilot"
	"github.com/yduwcui/copilot-gateway/internal/metrics"
	"github.com/yduwcui/copilot-gateway/internal/tokenizer"
)

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &openai.Error{
			Error: openai.ErrorBody{Message: "failed to read request body: " + err.Error(), Type: "invalid_request_error"},
		})
		return nil, false
	}
	return body, true
}

// chatBudget derives the compaction envelope for a model from the dynamic
// limit registry and the model's announced capabilities.
func (s *Server) chatBudget(model *copilot.Model) compactor.Budget {
	var b compactor.Budget
	if limit, ok := s.limits.ByteLimit(); ok {
		b.Bytes = limit
	}
	if model != nil {
		fallback := model.Capabilities.Limits.MaxPromptTokens
		if fallback == 0 {
			fallback = model.Capabilities.Limits.ContextWindow()
		}
		b.Tokens = s.limits.TokenLimit(model.ID, fallback)
	}
	return b
}

// compactChat applies auto-compaction to an OpenAI-form request when enabled.
func (s *Server) compactChat(req *openai.ChatCompletionRequest, model *copilot.Model) bool {
	if !s.cfg.AutoCompact || model == nil {
		return false
	}
	counter, err := tokenizer.For(model)
	if err != nil {
		s.logger.Warn("tokenizer unavailable, skipping compaction", "model", model.ID, "err", err)
		return false
	}
	res := s.comp.CompactChatCompletion(req, counter, s.chatBudget(model))
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

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, &openai.Error{
			Error: openai.ErrorBody{Message: "invalid request body: " + err.Error(), Type: "invalid_request_error"},
		})
		return
	}

	if !s.approved(w, "chat_completions", false) {
		return
	}
	model := s.lookupModel(req.Model)
	compacted := s.compactChat(&req, model)
	ctx := r.Context()

	if req.Stream {
		stream, err := dispatch(s, ctx, func() (io.ReadCloser, error) {
			return s.client.ChatCompletionsStream(ctx, &req)
		})
		if err != nil {
			s.writeOpenAIError(w, err, len(body))
			s.record("chat_completions", req.Model, errorStatus(err), true, compacted, start)
			return
		}
		defer stream.Close()
		s.pumpChatStream(w, stream)
		s.record("chat_completions", req.Model, http.StatusOK, true, compacted, start)
		return
	}

	resp, err := dispatch(s, ctx, func() (*openai.ChatCompletionResponse, error) {
		return s.client.ChatCompletions(ctx, &req)
	})
	if err != nil {
		s.writeOpenAIError(w, err, len(body))
		s.record("chat_completions", req.Model, errorStatus(err), false, compacted, start)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	s.record("chat_completions", req.Model, http.StatusOK, false, compacted, start)
}

// pumpChatStream forwards upstream SSE data verbatim, re-framed one event per
// flush, and guarantees a trailing [DONE].
func (s *Server) pumpChatStream(w http.ResponseWriter, stream io.Reader) {
	sse, err := newSSEWriter(w)
	if err != nil {
		s.logger.Error("streaming unsupported by client connection", "err", err)
		return
	}
	scanner := copilot.NewSSEScanner(stream)
	for scanner.Next() {
		ev := scanner.Event()
		if ev.Done() {
			break
		}
		if len(ev.Data) == 0 {
			continue
		}
		if err := sse.writeData(ev.Data); err != nil {
			return // client went away
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("upstream stream ended abnormally", "err", err)
	}
	_ = sse.writeDone()
}

func errorStatus(err error) int {
	if ue, ok := copilot.AsUpstreamError(err); ok {
		return ue.StatusCode
	}
	return http.StatusInternalServerError
}

// modelEntry is one element of the OpenAI-style model list.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Name    string `json:"name,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.modelList()
	data := make([]modelEntry, 0, len(models))
	for i := range models {
		m := &models[i]
		if !m.ModelPickerEnabled {
			continue
		}
		data = append(data, modelEntry{
			ID:      m.ID,
			Object:  "model",
			OwnedBy: m.Vendor,
			Name:    m.Name,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req openai.EmbeddingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, &openai.Error{
			Error: openai.ErrorBody{Message: "invalid request body: " + err.Error(), Type: "invalid_request_error"},
		})
		return
	}
	ctx := r.Context()
	resp, err := dispatch(s, ctx, func() (*openai.EmbeddingsResponse, error) {
		return s.client.Embeddings(ctx, &req)
	})
	if err != nil {
		s.writeOpenAIError(w, err, len(body))
		s.record("embeddings", req.Model, errorStatus(err), false, false, start)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	s.record("embeddings", req.Model, http.StatusOK, false, false, start)
}
