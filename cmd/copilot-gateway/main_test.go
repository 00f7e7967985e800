// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoMainVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	doMain(t.Context(), &stdout, &stderr, []string{"version"}, func(int) {},
		func(context.Context, cmdStart, io.Writer, io.Writer) error { return nil })
	require.Contains(t, stdout.String(), "copilot-gateway: ")
}

func TestDoMainStartFlags(t *testing.T) {
	var captured cmdStart
	var stdout, stderr bytes.Buffer
	doMain(t.Context(), &stdout, &stderr, []string{
		"start",
		"--port", "9999",
		"--host", "0.0.0.0",
		"--verbose",
		"--manual",
		"--history",
		"--history-limit", "25",
		"--no-auto-compact",
		"--no-direct-anthropic",
		"--rate-limit", "30",
		"--account-type", "business",
		"--filter-system-line", "internal marker",
	}, func(int) {}, func(_ context.Context, c cmdStart, _, _ io.Writer) error {
		captured = c
		return nil
	})

	require.Equal(t, 9999, captured.Port)
	require.Equal(t, "0.0.0.0", captured.Host)
	require.True(t, captured.Verbose)
	require.True(t, captured.Manual)
	require.True(t, captured.History)
	require.Equal(t, 25, captured.HistoryLimit)
	require.False(t, captured.AutoCompact)
	require.False(t, captured.DirectAnthropic)
	require.Equal(t, 30, captured.RateLimit)
	require.Equal(t, "business", captured.AccountType)
	require.Equal(t, []string{"internal marker"}, captured.FilterSystemLine)
}

func TestDoMainStartDefaults(t *testing.T) {
	var captured cmdStart
	var stdout, stderr bytes.Buffer
	doMain(t.Context(), &stdout, &stderr, []string{"start"}, func(int) {},
		func(_ context.Context, c cmdStart, _, _ io.Writer) error {
			captured = c
			return nil
		})

	require.Equal(t, 4141, captured.Port)
	require.Equal(t, "127.0.0.1", captured.Host)
	require.Equal(t, "individual", captured.AccountType)
	require.Equal(t, 10, captured.RateLimit)
	require.True(t, captured.AutoCompact)
	require.True(t, captured.DirectAnthropic)
	require.True(t, captured.WaitOnRateLimit)
	require.False(t, captured.Manual)
}

func TestDoMainStartErrorExitsNonZero(t *testing.T) {
	var code int
	var stdout, stderr bytes.Buffer
	doMain(t.Context(), &stdout, &stderr, []string{"start"}, func(c int) { code = c },
		func(context.Context, cmdStart, io.Writer, io.Writer) error {
			return io.ErrUnexpectedEOF
		})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "error:")
}
