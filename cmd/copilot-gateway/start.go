// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yduwcui/copilot-gateway/internal/compactor"
	"github.com/yduwcui/copilot-gateway/internal/copilot"
	"github.com/yduwcui/copilot-gateway/internal/limits"
	"github.com/yduwcui/copilot-gateway/internal/metrics"
	"github.com/yduwcui/copilot-gateway/internal/pprof"
	"github.com/yduwcui/copilot-gateway/internal/proxy"
	"github.com/yduwcui/copilot-gateway/internal/ratelimit"
	"github.com/yduwcui/copilot-gateway/internal/tokens"
	"github.com/yduwcui/copilot-gateway/internal/tokenstore"
)

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// buildManager assembles the store, upstream client and token manager shared
// by all commands that talk to the upstream.
func buildManager(logger *slog.Logger, githubToken, accountType string, proxyFromEnv, showToken bool, extra ...tokens.Option) (*tokens.Manager, *copilot.Client, error) {
	store, err := tokenstore.New()
	if err != nil {
		return nil, nil, err
	}

	var manager *tokens.Manager
	clientOpts := []copilot.Option{}
	if proxyFromEnv {
		clientOpts = append(clientOpts, copilot.WithProxyFromEnvironment())
	}
	if accountType != "" && accountType != "individual" {
		// Business and enterprise plans live on their own endpoint until the
		// token exchange announces the authoritative one.
		clientOpts = append(clientOpts, copilot.WithBaseURLs("", "",
			fmt.Sprintf("https://api.%s.githubcopilot.com", accountType)))
	}
	client := copilot.NewClient(logger, func() string { return manager.ShortToken() }, clientOpts...)

	managerOpts := []tokens.Option{}
	if githubToken != "" {
		managerOpts = append(managerOpts, tokens.WithGithubToken(githubToken))
	}
	if showToken {
		managerOpts = append(managerOpts, tokens.WithShowToken())
	}
	managerOpts = append(managerOpts, extra...)
	manager = tokens.NewManager(logger, store, client, managerOpts...)
	return manager, client, nil
}

// start boots the gateway and serves until ctx is cancelled.
func start(ctx context.Context, c cmdStart, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, c.Verbose)
	gatewayMetrics := metrics.New()

	manager, client, err := buildManager(logger, c.GithubToken, c.AccountType, c.ProxyFromEnv, c.ShowToken,
		tokens.WithRefreshObserver(gatewayMetrics.ObserveTokenRefresh))
	if err != nil {
		return err
	}
	if err := manager.Bootstrap(ctx); err != nil {
		return err
	}

	limiter := ratelimit.New(logger, ratelimit.WithInterval(time.Duration(c.RateLimit)*time.Second))
	defer limiter.Close()

	pprof.Run(ctx, logger)

	cfg := proxy.Config{
		Logger:                 logger,
		Client:                 client,
		Tokens:                 manager,
		Limiter:                limiter,
		Limits:                 limits.NewRegistry(),
		Metrics:                gatewayMetrics,
		Compactor:              compactor.New(logger),
		AutoCompact:            c.AutoCompact,
		DirectAnthropic:        c.DirectAnthropic,
		WaitOnRateLimit:        c.WaitOnRateLimit,
		ShowToken:              c.ShowToken,
		EnableHistory:          c.History,
		HistoryLimit:           c.HistoryLimit,
		SystemFilterSubstrings: c.FilterSystemLine,
		RewriteServerTools:     c.RewriteServerTools,
	}
	if c.Manual {
		cfg.Approve = stdinApprover(stdout)
	}
	server := proxy.NewServer(cfg)
	if err := server.RefreshModels(ctx); err != nil {
		return err
	}

	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		manager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("gateway listening", "addr", addr)
		_, _ = fmt.Fprintf(stdout, "Listening on http://%s\n", addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// stdinApprover prompts the operator before each forwarded request. Prompts
// are serialized; everything but an explicit yes rejects.
func stdinApprover(stdout io.Writer) func(string) bool {
	reader := bufio.NewReader(os.Stdin)
	var mu sync.Mutex
	return func(endpoint string) bool {
		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprintf(stdout, "Forward %s request? [y/N] ", endpoint)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		default:
			return false
		}
	}
}
