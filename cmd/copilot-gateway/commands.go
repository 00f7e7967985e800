// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/yduwcui/copilot-gateway/internal/tokenstore"
	"github.com/yduwcui/copilot-gateway/internal/version"
)

// runAuth forces the device flow (or adopts a stored token) without starting
// the server.
func runAuth(ctx context.Context, c cmdAuth, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, c.Verbose)
	manager, _, err := buildManager(logger, "", "", false, false)
	if err != nil {
		return err
	}
	if err := manager.Authenticate(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, "Authenticated. Token stored.")
	return nil
}

func runLogout(stdout io.Writer) error {
	store, err := tokenstore.New()
	if err != nil {
		return err
	}
	if err := store.Erase(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, "Token erased.")
	return nil
}

// runCheckUsage prints the Copilot quota snapshot for the authenticated user.
func runCheckUsage(ctx context.Context, c cmdCheckUsage, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, c.Verbose)
	manager, client, err := buildManager(logger, "", "", false, false)
	if err != nil {
		return err
	}
	if err := manager.Authenticate(ctx); err != nil {
		return err
	}
	raw, err := client.Usage(ctx, manager.GithubToken())
	if err != nil {
		return err
	}
	if snapshots := gjson.GetBytes(raw, "quota_snapshots"); snapshots.Exists() {
		_, _ = fmt.Fprintln(stdout, snapshots.String())
		return nil
	}
	_, _ = stdout.Write(raw)
	return nil
}

func runDebugInfo(stdout io.Writer) error {
	store, err := tokenstore.New()
	if err != nil {
		return err
	}
	info := map[string]string{
		"version":    version.Parse(),
		"token_path": store.Path(),
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

// runDebugModels bootstraps the credentials and prints the model catalog.
func runDebugModels(ctx context.Context, c cmdDebugModels, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, c.Verbose)
	manager, client, err := buildManager(logger, "", "", false, false)
	if err != nil {
		return err
	}
	if err := manager.Bootstrap(ctx); err != nil {
		return err
	}
	models, err := client.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		_, _ = fmt.Fprintf(stdout, "%-40s %-16s context=%d\n",
			m.ID, m.Vendor, m.Capabilities.Limits.ContextWindow())
	}
	return nil
}
