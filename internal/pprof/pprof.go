// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package pprof serves the Go profiling endpoints on a localhost side port.
package pprof

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"time"
)

const (
	addr = "localhost:6060" // The same default port as in the Go pprof documentation.

	// DisableEnvVarKey disables the pprof server when set to any value.
	DisableEnvVarKey = "DISABLE_PPROF"
)

// Run the pprof server if the DISABLE_PPROF environment variable is not set.
// This is non-blocking; the server runs in its own goroutine until ctx is
// cancelled.
func Run(ctx context.Context, logger *slog.Logger) {
	if _, ok := os.LookupEnv(DisableEnvVarKey); ok {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Debug("starting pprof server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("pprof server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down pprof server", "err", err)
		}
	}()
}
