// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Command copilot-gateway runs a local proxy that exposes GitHub Copilot
// through OpenAI-style and Anthropic-style endpoints.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/yduwcui/copilot-gateway/internal/version"
)

type (
	// cmd corresponds to the top-level `copilot-gateway` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Auth runs the GitHub device flow and stores the resulting token.
		Auth cmdAuth `cmd:"" help:"Authenticate with GitHub and store the token."`
		// Logout erases the stored GitHub token.
		Logout cmdLogout `cmd:"" help:"Erase the stored GitHub token."`
		// Start runs the gateway server.
		Start cmdStart `cmd:"" help:"Start the local gateway server."`
		// CheckUsage prints the Copilot quota snapshot.
		CheckUsage cmdCheckUsage `cmd:"" name:"check-usage" help:"Show Copilot quota usage."`
		// Debug groups introspection sub-commands.
		Debug cmdDebug `cmd:"" help:"Inspect gateway internals."`
	}

	cmdAuth struct {
		Verbose bool `short:"v" help:"Enable debug logging."`
	}

	cmdLogout struct{}

	// cmdStart corresponds to `copilot-gateway start`.
	cmdStart struct {
		Host    string `help:"Interface to bind." default:"127.0.0.1"`
		Port    int    `help:"Port to listen on." default:"4141"`
		Verbose bool   `short:"v" help:"Enable debug logging."`

		GithubToken string `env:"GH_TOKEN" help:"Use this GitHub token instead of the stored one."`
		AccountType string `enum:"individual,business,enterprise" default:"individual" help:"Copilot account plan, selects the API endpoint."`
		ShowToken   bool   `help:"Expose the short-lived token on GET /token and log it on refresh."`

		RateLimit       int  `help:"Seconds between requests while the upstream is rate limiting." default:"10"`
		WaitOnRateLimit bool `default:"true" negatable:"" help:"Queue requests during upstream rate limiting instead of failing them."`
		Manual          bool `help:"Ask on stdin before forwarding each request."`

		AutoCompact     bool `default:"true" negatable:"" help:"Compact over-budget conversations instead of failing them."`
		DirectAnthropic bool `default:"true" negatable:"" help:"Serve Anthropic models natively on /v1/messages."`

		History      bool `help:"Record served requests for GET /history."`
		HistoryLimit int  `default:"100" help:"Maximum history entries kept, 0 keeps all."`

		ProxyFromEnv       bool     `help:"Honor HTTP(S)_PROXY and NO_PROXY for upstream calls."`
		FilterSystemLine   []string `help:"Drop system prompt lines containing this substring during translation."`
		RewriteServerTools bool     `help:"Rewrite server-side tool declarations into custom tools on the direct path."`
	}

	cmdCheckUsage struct {
		Verbose bool `short:"v" help:"Enable debug logging."`
	}

	cmdDebug struct {
		// Info shows resolved paths and the version.
		Info struct{} `cmd:"" help:"Show resolved paths and version."`
		// Models lists the upstream model catalog.
		Models cmdDebugModels `cmd:"" help:"List the upstream model catalog."`
	}

	cmdDebugModels struct {
		Verbose bool `short:"v" help:"Enable debug logging."`
	}
)

// startFn runs the gateway server. Injectable for testing.
type startFn func(context.Context, cmdStart, io.Writer, io.Writer) error

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, start)
}

// doMain parses the command line and executes the selected command.
//
//   - stdout and stderr are the output writers. Mainly for testing.
//   - args are the command line arguments without the program name.
//   - exitFn is called to terminate during argument parsing. Mainly for testing.
//   - sf runs the server. Mainly for testing.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int), sf startFn) {
	// A .env next to the binary may carry GH_TOKEN and friends.
	_ = godotenv.Load()

	var c cmd
	parser, err := kong.New(&c,
		kong.Name("copilot-gateway"),
		kong.Description("Local OpenAI- and Anthropic-compatible proxy for GitHub Copilot."),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "copilot-gateway: %s\n", version.Parse())
		return
	case "auth":
		err = runAuth(ctx, c.Auth, stdout, stderr)
	case "logout":
		err = runLogout(stdout)
	case "start":
		err = sf(ctx, c.Start, stdout, stderr)
	case "check-usage":
		err = runCheckUsage(ctx, c.CheckUsage, stdout, stderr)
	case "debug info":
		err = runDebugInfo(stdout)
	case "debug models":
		err = runDebugModels(ctx, c.Debug.Models, stdout, stderr)
	default:
		err = fmt.Errorf("unknown command %q", parsed.Command())
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		exitFn(1)
	}
}
