// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later
// Package main implements the codectx CLI for ingesting repositories into
// the code context graph and asking questions against it.
//
// Usage:
//
//	codectx ingest <url> [--branch main]   Ingest a repository by clone URL
//	codectx ingest --dir .                 Ingest a local directory
//	codectx ask "question" [--agent ...]   Ask a question against the graph
//	codectx backfill                       Re-embed nodes missing vectors
//	codectx serve                          Run the webhook and metrics server
//	codectx status [--json]                Show graph entity counts
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/kraklabs/codectx/internal/bootstrap"
	"github.com/kraklabs/codectx/internal/config"
	"github.com/kraklabs/codectx/internal/errors"
	"github.com/kraklabs/codectx/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags carries the options every command respects.
type GlobalFlags struct {
	ConfigPath string
	JSON       bool
	Debug      bool
}

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version and exit")
		configPath  = flag.String("config", "", "Path to codectx.yaml (default: ./codectx.yaml, then ~/.codectx/config.yaml)")
		jsonOutput  = flag.Bool("json", false, "Output as JSON")
		noColor     = flag.Bool("no-color", false, "Disable colored output")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `codectx - developer context engine

codectx ingests repositories and their git history into a Neo4j
property graph with vector embeddings, and answers questions about
the code through retrieval-augmented agents.

Usage:
  codectx <command> [options]

Commands:
  ingest        Ingest a repository (clone URL or local directory)
  ask           Ask a question against the context graph
  backfill      Embed nodes that are missing vectors
  serve         Run the webhook and metrics HTTP server
  status        Show graph entity counts

Global Options:
  --config      Path to codectx.yaml
  --json        Output as JSON
  --no-color    Disable colored output
  --debug       Enable debug logging
  --version     Show version and exit

Examples:
  codectx ingest https://github.com/acme/payments
  codectx ingest --dir .
  codectx ask "where is retry handled?" --agent diagnostic
  codectx ask "what changed in the parser?" --agent history --stream
  codectx serve
  codectx status --json

Environment Variables:
  CODECTX_NEO4J_URI        Neo4j bolt URI (default: neo4j://localhost:7687)
  CODECTX_NEO4J_PASSWORD   Neo4j password
  CODECTX_LLM_BASE_URL     LLM endpoint (default: http://localhost:11434)

For detailed command help: codectx <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("codectx version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	ui.InitColors(*noColor)
	globals := GlobalFlags{ConfigPath: *configPath, JSON: *jsonOutput, Debug: *debug}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "ingest":
		runIngest(cmdArgs, globals)
	case "ask":
		runAsk(cmdArgs, globals)
	case "backfill":
		runBackfill(cmdArgs, globals)
	case "serve":
		runServe(cmdArgs, globals)
	case "status":
		runStatus(cmdArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

// newLogger builds the process logger. Commands that emit JSON on
// stdout log to stderr so the two streams never interleave.
func newLogger(globals GlobalFlags) *slog.Logger {
	level := slog.LevelInfo
	if globals.Debug {
		level = slog.LevelDebug
	}
	w := os.Stdout
	if globals.JSON {
		w = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// mustBootstrap loads configuration and wires the application, exiting
// with a user-facing error on failure.
func mustBootstrap(ctx context.Context, globals GlobalFlags, logger *slog.Logger) *bootstrap.App {
	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Failed to load configuration",
			err.Error(),
			"Check the codectx.yaml path and syntax",
			err,
		), globals.JSON)
	}

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		errors.FatalError(errors.NewStoreError(
			"Failed to start codectx",
			err.Error(),
			"Verify Neo4j is reachable at the configured URI (CODECTX_NEO4J_URI)",
			err,
		), globals.JSON)
	}
	return app
}
