// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy is the HTTP surface of the gateway: the OpenAI-style and
// Anthropic-style endpoints, the status pages, and the pipeline that takes a
// client request through translation, compaction and the rate limiter to the
// upstream.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yduwcui/copilot-gateway/internal/apischema/anthropic"
	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
	"github.com/yduwcui/copilot-gateway/internal/compactor"
	"github.com/yduwcui/copilot-gateway/internal/copilot"
	"github.com/yduwcui/copilot-gateway/internal/errmap"
	"github.com/yduwcui/copilot-gateway/internal/limits"
	"github.com/yduwcui/copilot-gateway/internal/metrics"
	"github.com/yduwcui/copilot-gateway/internal/ratelimit"
	"github.com/yduwcui/copilot-gateway/internal/tokens"
	"github.com/yduwcui/copilot-gateway/internal/version"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 64 << 20

// Config wires the Server's collaborators and behavior toggles.
type Config struct {
	Logger    *slog.Logger
	Client    *copilot.Client
	Tokens    *tokens.Manager
	Limiter   *ratelimit.Limiter
	Limits    *limits.Registry
	Metrics   *metrics.Metrics
	Compactor *compactor.Compactor

	// AutoCompact shrinks over-budget conversations instead of failing them.
	AutoCompact bool
	// DirectAnthropic forwards /v1/messages for Anthropic models natively
	// instead of translating through Chat Completions.
	DirectAnthropic bool
	// WaitOnRateLimit queues and retries on upstream 429 instead of failing
	// the client request.
	WaitOnRateLimit bool
	// ShowToken exposes the short-lived token on GET /token.
	ShowToken bool
	// HistoryLimit bounds GET /history, 0 = unlimited. Effective only when
	// EnableHistory is set.
	HistoryLimit  int
	EnableHistory bool

	// SystemFilterSubstrings drops matching system prompt lines during
	// translation.
	SystemFilterSubstrings []string
	// RewriteServerTools converts server-side tools on the direct path.
	RewriteServerTools bool

	// Approve, when set, gates every model-facing request. Returning false
	// rejects the request with 403. Used by the manual approval mode.
	Approve func(endpoint string) bool
}

// Server handles the gateway's HTTP surface. Create with NewServer.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	client  *copilot.Client
	tokens  *tokens.Manager
	limiter *ratelimit.Limiter
	limits  *limits.Registry
	metrics *metrics.Metrics
	comp    *compactor.Compactor
	history *History

	modelsMu   sync.RWMutex
	models     []copilot.Model
	modelsByID map[string]*copilot.Model
}

// NewServer creates a Server from its configuration.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		client:  cfg.Client,
		tokens:  cfg.Tokens,
		limiter: cfg.Limiter,
		limits:  cfg.Limits,
		metrics: cfg.Metrics,
		comp:    cfg.Compactor,
	}
	if cfg.EnableHistory {
		s.history = NewHistory(cfg.HistoryLimit)
	}
	return s
}

// RefreshModels fetches the upstream model catalog. Call once after
// bootstrap; later calls replace the cache.
func (s *Server) RefreshModels(ctx context.Context) error {
	models, err := s.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}
	byID := make(map[string]*copilot.Model, len(models))
	for i := range models {
		byID[models[i].ID] = &models[i]
	}
	s.modelsMu.Lock()
	s.models = models
	s.modelsByID = byID
	s.modelsMu.Unlock()
	s.logger.Info("model catalog loaded", "models", len(models))
	return nil
}

func (s *Server) modelList() []copilot.Model {
	s.modelsMu.RLock()
	defer s.modelsMu.RUnlock()
	return s.models
}

func (s *Server) lookupModel(id string) *copilot.Model {
	s.modelsMu.RLock()
	defer s.modelsMu.RUnlock()
	return s.modelsByID[id]
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Get("/", s.observe("status", s.handleStatus))
	r.Get("/health", s.observe("health", s.handleHealth))
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Get("/usage", s.observe("usage", s.handleUsage))
	r.Get("/token", s.observe("token", s.handleToken))
	r.Get("/history", s.observe("history", s.handleHistory))
	r.Post("/api/event_logging/batch", s.observe("event_logging", s.handleEventLogging))

	for _, prefix := range []string{"", "/v1"} {
		r.Post(prefix+"/chat/completions", s.observe("chat_completions", s.handleChatCompletions))
		r.Get(prefix+"/models", s.observe("models", s.handleModels))
		r.Post(prefix+"/embeddings", s.observe("embeddings", s.handleEmbeddings))
	}
	r.Post("/v1/messages", s.observe("messages", s.handleMessages))
	r.Post("/v1/messages/count_tokens", s.observe("count_tokens", s.handleCountTokens))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOpenAIError renders err for the Chat Completions surface.
func (s *Server) writeOpenAIError(w http.ResponseWriter, err error, requestBytes int) {
	if ue, ok := copilot.AsUpstreamError(err); ok {
		n := errmap.Normalize(s.logger, s.limits, ue, requestBytes)
		writeJSON(w, n.Status, n.OpenAIBody())
		return
	}
	if errors.Is(err, context.Canceled) {
		return // client went away
	}
	writeJSON(w, http.StatusInternalServerError, &openai.Error{
		Error: openai.ErrorBody{Message: err.Error(), Type: errmap.TypeError},
	})
}

// writeAnthropicError renders err for the Messages surface.
func (s *Server) writeAnthropicError(w http.ResponseWriter, err error, requestBytes int) {
	if ue, ok := copilot.AsUpstreamError(err); ok {
		n := errmap.Normalize(s.logger, s.limits, ue, requestBytes)
		writeJSON(w, n.Status, n.AnthropicBody())
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	writeJSON(w, http.StatusInternalServerError, &anthropic.ErrorResponse{
		Type:  "error",
		Error: anthropic.ErrorDetail{Type: anthropic.ErrorTypeAPI, Message: err.Error()},
	})
}

// dispatch funnels one upstream call through the rate limiter, reporting the
// outcome back. When the caller opted into waiting out rate limits a 429 is
// retried for as long as the client keeps waiting; the loop is bounded by ctx,
// which Acquire honors, not by an attempt count.
func dispatch[T any](s *Server, ctx context.Context, do func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		wait, err := s.limiter.Acquire(ctx)
		if err != nil {
			return zero, err
		}
		s.metrics.ObserveQueueWait(wait)

		out, err := do()
		if err == nil {
			s.limiter.ReportSuccess()
			return out, nil
		}
		if ue, ok := copilot.AsUpstreamError(err); ok && ue.IsRateLimited() {
			s.limiter.ReportRateLimited(ue.RetryAfter)
			if s.cfg.WaitOnRateLimit && ctx.Err() == nil {
				s.metrics.ObserveUpstreamRetry()
				s.logger.Info("retrying after upstream rate limit", "attempt", attempt+1)
				continue
			}
		}
		return zero, err
	}
}

// approved runs the manual-approval gate, if configured. It reports whether
// the request may proceed; on rejection the response has been written.
func (s *Server) approved(w http.ResponseWriter, endpoint string, anthropicSurface bool) bool {
	if s.cfg.Approve == nil || s.cfg.Approve(endpoint) {
		return true
	}
	s.logger.Warn("request rejected by manual approval", "endpoint", endpoint)
	if anthropicSurface {
		writeJSON(w, http.StatusForbidden, &anthropic.ErrorResponse{
			Type:  "error",
			Error: anthropic.ErrorDetail{Type: anthropic.ErrorTypeInvalidRequest, Message: "request rejected by operator"},
		})
	} else {
		writeJSON(w, http.StatusForbidden, &openai.Error{
			Error: openai.ErrorBody{Message: "request rejected by operator", Type: "invalid_request_error"},
		})
	}
	return false
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	byteLimit, tokenLimits := s.limits.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         "copilot-gateway",
		"version":      version.Parse(),
		"rate_limiter": s.limiter.Snapshot(),
		"limits":       map[string]any{"byte_limit": byteLimit, "token_limits": tokenLimits},
		"endpoints": []string{
			"/v1/chat/completions", "/v1/models", "/v1/embeddings",
			"/v1/messages", "/v1/messages/count_tokens",
			"/health", "/metrics", "/usage", "/token", "/history",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{
		"github_token":  s.tokens.GithubToken() != "",
		"copilot_token": s.tokens.ShortToken() != "",
		"models_loaded": len(s.modelList()) > 0,
	}
	healthy := true
	for _, ok := range checks {
		healthy = healthy && ok
	}
	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	raw, err := s.client.Usage(r.Context(), s.tokens.GithubToken())
	if err != nil {
		s.writeOpenAIError(w, err, 0)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.ShowToken {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": "token display is disabled; start with --show-token to enable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": s.tokens.ShortToken()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "request history is disabled; start with --history to enable",
		})
		return
	}
	entries := s.history.Snapshot()
	if entries == nil {
		entries = []HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleEventLogging swallows client telemetry batches. Some editors refuse
// to work against a base URL that rejects this endpoint.
func (s *Server) handleEventLogging(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// record adds a history entry when history is enabled.
func (s *Server) record(endpoint, model string, status int, streamed, compacted bool, start time.Time) {
	s.history.Record(HistoryEntry{
		Endpoint:   endpoint,
		Model:      model,
		Status:     status,
		Streamed:   streamed,
		Compacted:  compacted,
		StartedAt:  start,
		DurationMS: time.Since(start).Milliseconds(),
	})
}
