// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package copilot is the low-level HTTP client for the upstream Copilot API
// and the GitHub endpoints used to obtain its credentials.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/yduwcui/copilot-gateway/internal/apischema/anthropic"
	"github.com/yduwcui/copilot-gateway/internal/apischema/openai"
)

const (
	githubBaseURL     = "https://github.com"
	githubAPIBaseURL  = "https://api.github.com"
	defaultAPIBaseURL = "https://api.githubcopilot.com"

	editorVersion       = "vscode/1.98.1"
	editorPluginVersion = "copilot-chat/0.26.7"
	userAgent           = "GitHubCopilotChat/0.26.7"
	integrationID       = "vscode-chat"

	jsonContentType = "application/json"
)

// Initiator values for the X-Initiator header. Requests whose history already
// contains assistant or tool turns are agent-initiated.
const (
	InitiatorUser  = "user"
	InitiatorAgent = "agent"
)

// TokenSource yields the current short-lived bearer token.
type TokenSource func() string

// Client calls the upstream API. All methods are safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	token      TokenSource

	mu      sync.RWMutex
	apiBase string

	githubBase    string
	githubAPIBase string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Mainly for testing.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURLs overrides the GitHub and API base URLs. Mainly for testing.
// Empty strings keep the defaults.
func WithBaseURLs(github, githubAPI, api string) Option {
	return func(c *Client) {
		if github != "" {
			c.githubBase = github
		}
		if githubAPI != "" {
			c.githubAPIBase = githubAPI
		}
		if api != "" {
			c.apiBase = api
		}
	}
}

// WithProxyFromEnvironment makes outbound requests honor HTTP_PROXY,
// HTTPS_PROXY and NO_PROXY, selecting a proxy per request URL.
func WithProxyFromEnvironment() Option {
	return func(c *Client) {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyFromEnvironment
		c.httpClient.Transport = transport
	}
}

// NewClient creates a Client. token may return "" before the first exchange;
// GitHub-level calls do not need it.
func NewClient(logger *slog.Logger, token TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{Timeout: 5 * time.Minute},
		logger:        logger,
		token:         token,
		apiBase:       defaultAPIBaseURL,
		githubBase:    githubBaseURL,
		githubAPIBase: githubAPIBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAPIBase installs the endpoint override announced by the token exchange.
func (c *Client) SetAPIBase(base string) {
	if base == "" {
		return
	}
	c.mu.Lock()
	c.apiBase = base
	c.mu.Unlock()
}

func (c *Client) api() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiBase
}

// newAPIRequest builds a request against the Copilot API with the standard
// editor headers and the current bearer token.
func (c *Client) newAPIRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.api()+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token())
	req.Header.Set("Content-Type", jsonContentType)
	req.Header.Set("Editor-Version", editorVersion)
	req.Header.Set("Editor-Plugin-Version", editorPluginVersion)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Copilot-Integration-Id", integrationID)
	return req, nil
}

// ChatCompletions performs a non-streaming chat completion.
func (c *Client) ChatCompletions(ctx context.Context, ccReq *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	resp, err := c.postChatCompletions(ctx, ccReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &openai.ChatCompletionResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("failed to decode chat completion response: %w", err)
	}
	return out, nil
}

// ChatCompletionsStream performs a streaming chat completion and returns the
// raw SSE body. The caller must close it.
func (c *Client) ChatCompletionsStream(ctx context.Context, ccReq *openai.ChatCompletionRequest) (io.ReadCloser, error) {
	resp, err := c.postChatCompletions(ctx, ccReq)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) postChatCompletions(ctx context.Context, ccReq *openai.ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(ccReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat completion request: %w", err)
	}
	req, err := c.newAPIRequest(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Initiator", chatInitiator(ccReq.Messages))
	if chatHasImages(ccReq.Messages) {
		req.Header.Set("Copilot-Vision-Request", "true")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completion request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, newUpstreamError(resp, ccReq.Model)
	}
	return resp, nil
}

// chatInitiator returns "agent" when any message role is assistant or tool.
func chatInitiator(messages []openai.ChatCompletionMessage) string {
	for i := range messages {
		switch messages[i].Role {
		case openai.ChatMessageRoleAssistant, openai.ChatMessageRoleTool:
			return InitiatorAgent
		}
	}
	return InitiatorUser
}

func chatHasImages(messages []openai.ChatCompletionMessage) bool {
	for i := range messages {
		for _, part := range messages[i].Content.Parts {
			if part.Type == openai.ContentPartTypeImageURL {
				return true
			}
		}
	}
	return false
}

// Messages performs a non-streaming native Messages call with an already
// sanitized raw payload.
func (c *Client) Messages(ctx context.Context, payload []byte) ([]byte, error) {
	resp, err := c.postMessages(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages response: %w", err)
	}
	return out, nil
}

// MessagesStream performs a streaming native Messages call and returns the
// raw SSE body. The caller must close it.
func (c *Client) MessagesStream(ctx context.Context, payload []byte) (io.ReadCloser, error) {
	resp, err := c.postMessages(ctx, payload)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) postMessages(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := c.newAPIRequest(ctx, http.MethodPost, "/v1/messages", payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("anthropic-version", anthropic.Version)
	req.Header.Set("X-Initiator", rawInitiator(payload))
	if rawHasImages(payload) {
		req.Header.Set("Copilot-Vision-Request", "true")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("messages request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, newUpstreamError(resp, gjson.GetBytes(payload, "model").String())
	}
	return resp, nil
}

// rawInitiator inspects a raw Messages payload for assistant turns.
func rawInitiator(payload []byte) string {
	initiator := InitiatorUser
	gjson.GetBytes(payload, "messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() == anthropic.MessageRoleAssistant {
			initiator = InitiatorAgent
			return false
		}
		return true
	})
	return initiator
}

func rawHasImages(payload []byte) bool {
	found := false
	gjson.GetBytes(payload, "messages.#.content").ForEach(func(_, content gjson.Result) bool {
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == anthropic.ContentBlockTypeImage {
				found = true
				return false
			}
			return true
		})
		return !found
	})
	return found
}

// Embeddings performs an embeddings call.
func (c *Client) Embeddings(ctx context.Context, embReq *openai.EmbeddingsRequest) (*openai.EmbeddingsResponse, error) {
	body, err := json.Marshal(embReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embeddings request: %w", err)
	}
	req, err := c.newAPIRequest(ctx, http.MethodPost, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(resp, embReq.Model)
	}
	out := &openai.EmbeddingsResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	return out, nil
}

// ListModels fetches the model catalog.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := c.newAPIRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("models request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(resp, "")
	}
	var out ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}
	return out.Data, nil
}
