// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokens owns the credential pair: the long-lived GitHub token on
// disk and the short-lived API token refreshed in memory.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/yduwcui/copilot-gateway/internal/copilot"
	"github.com/yduwcui/copilot-gateway/internal/tokenstore"
)

const (
	// refreshHeadStart refreshes the short-lived token this long before
	// the upstream-announced refresh point.
	refreshHeadStart = 60 * time.Second

	// minRefreshInterval guards against absurdly small refresh_in values.
	minRefreshInterval = 10 * time.Second

	refreshRetries = 3
)

// Manager holds both tokens and keeps the short-lived one fresh.
type Manager struct {
	logger *slog.Logger
	store  *tokenstore.Store
	client *copilot.Client

	// out receives the device-flow prompt. Defaults to os.Stdout.
	out io.Writer
	// sleep is replaceable for tests.
	sleep func(context.Context, time.Duration) error
	// observeRefresh reports each exchange outcome, "ok" or "error".
	observeRefresh func(outcome string)

	mu          sync.RWMutex
	githubToken string
	shortToken  string
	refreshIn   time.Duration
	showToken   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithGithubToken seeds an explicit long-lived token, bypassing both the
// store and the device flow.
func WithGithubToken(token string) Option {
	return func(m *Manager) { m.githubToken = token }
}

// WithPromptWriter redirects the device-flow prompt. Mainly for testing.
func WithPromptWriter(w io.Writer) Option {
	return func(m *Manager) { m.out = w }
}

// WithShowToken logs the short-lived token on every refresh.
func WithShowToken() Option {
	return func(m *Manager) { m.showToken = true }
}

// WithRefreshObserver reports every token exchange outcome, "ok" or "error".
func WithRefreshObserver(fn func(outcome string)) Option {
	return func(m *Manager) { m.observeRefresh = fn }
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger, store *tokenstore.Store, client *copilot.Client, opts ...Option) *Manager {
	m := &Manager{
		logger: logger,
		store:  store,
		client: client,
		out:    os.Stdout,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ShortToken returns the current short-lived token, "" before Bootstrap.
func (m *Manager) ShortToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shortToken
}

// GithubToken returns the long-lived token, "" before Bootstrap.
func (m *Manager) GithubToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.githubToken
}

// Authenticate ensures a long-lived token exists, running the device flow
// when the store is empty, and persists the result.
func (m *Manager) Authenticate(ctx context.Context) error {
	if m.githubToken != "" {
		return nil
	}
	stored, err := m.store.Read()
	switch {
	case err == nil:
		m.mu.Lock()
		m.githubToken = stored
		m.mu.Unlock()
		return nil
	case !errors.Is(err, tokenstore.ErrNotPresent):
		return err
	}

	dc, err := m.client.RequestDeviceCode(ctx)
	if err != nil {
		return fmt.Errorf("failed to start device flow: %w", err)
	}
	fmt.Fprintf(m.out, "Please enter the code %s at %s\n", dc.UserCode, dc.VerificationURI)

	token, err := m.client.PollAccessToken(ctx, dc)
	if err != nil {
		return fmt.Errorf("device flow failed: %w", err)
	}
	if err := m.store.Write(token); err != nil {
		return err
	}
	m.mu.Lock()
	m.githubToken = token
	m.mu.Unlock()
	return nil
}

// Bootstrap authenticates and performs the initial token exchange. It must
// succeed before the server starts serving.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if err := m.Authenticate(ctx); err != nil {
		return err
	}
	return m.exchange(ctx)
}

func (m *Manager) exchange(ctx context.Context) error {
	ct, err := m.client.ExchangeToken(ctx, m.GithubToken())
	if err != nil {
		if m.observeRefresh != nil {
			m.observeRefresh("error")
		}
		return fmt.Errorf("token exchange failed: %w", err)
	}
	if m.observeRefresh != nil {
		m.observeRefresh("ok")
	}
	m.client.SetAPIBase(ct.Endpoints.API)

	m.mu.Lock()
	m.shortToken = ct.Token
	m.refreshIn = time.Duration(ct.RefreshIn) * time.Second
	m.mu.Unlock()

	if m.showToken {
		m.logger.Info("short-lived token refreshed", "token", ct.Token)
	} else {
		m.logger.Debug("short-lived token refreshed", "refresh_in", ct.RefreshIn)
	}
	return nil
}

// refreshInterval returns how long to wait before the next refresh.
func (m *Manager) refreshInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.refreshIn - refreshHeadStart
	if d < minRefreshInterval {
		d = minRefreshInterval
	}
	return d
}

// Run refreshes the short-lived token until ctx is cancelled. Refresh
// failures are retried with short exponential delays; when all attempts fail
// the existing token is kept until the next scheduled refresh. Run never
// returns a refresh error.
func (m *Manager) Run(ctx context.Context) {
	for {
		if err := m.sleep(ctx, m.refreshInterval()); err != nil {
			return
		}
		if err := m.refreshWithRetry(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("token refresh failed, keeping current token", "err", err)
		}
	}
}

func (m *Manager) refreshWithRetry(ctx context.Context) error {
	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= refreshRetries; attempt++ {
		lastErr = m.exchange(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == refreshRetries {
			break
		}
		m.logger.Debug("token refresh attempt failed", "attempt", attempt, "err", lastErr)
		if err := m.sleep(ctx, min(delay, 30*time.Second)); err != nil {
			return err
		}
		delay *= 2
	}
	return lastErr
}

// Logout erases the persisted long-lived token.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.githubToken = ""
	m.shortToken = ""
	m.mu.Unlock()
	return m.store.Erase()
}
