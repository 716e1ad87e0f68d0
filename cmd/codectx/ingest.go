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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kraklabs/codectx/internal/errors"
	"github.com/kraklabs/codectx/internal/output"
	"github.com/kraklabs/codectx/internal/ui"
	"github.com/kraklabs/codectx/pkg/ingest"
)

// runIngest executes the 'ingest' CLI command.
//
// With a URL argument it clones the repository into a scratch
// directory and ingests it; when the repository head is already known
// the run is incremental (only changed files are re-parsed). With
// --dir it ingests a local directory in place.
//
// Examples:
//
//	codectx ingest https://github.com/acme/payments
//	codectx ingest https://github.com/acme/payments --branch release
//	codectx ingest --dir . --name payments
func runIngest(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	dir := fs.String("dir", "", "Ingest a local directory instead of cloning a URL")
	name := fs.String("name", "", "Repository name for --dir ingestion (default: directory name)")
	branch := fs.String("branch", "", "Branch to ingest (default: the remote default branch)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: codectx ingest <url> [options]
       codectx ingest --dir <path> [options]

Ingests a repository into the context graph: source files are parsed,
definitions and git history become nodes and relationships, and text
content is embedded for semantic search.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	url := fs.Arg(0)
	if url == "" && *dir == "" {
		fmt.Fprintln(os.Stderr, "Error: provide a clone URL or --dir")
		fs.Usage()
		os.Exit(1)
	}
	if url != "" && *dir != "" {
		fmt.Fprintln(os.Stderr, "Error: --dir and a URL are mutually exclusive")
		os.Exit(1)
	}

	logger := newLogger(globals)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown.signal", "signal", sig.String())
		cancel()
	}()

	app := mustBootstrap(ctx, globals, logger)
	defer func() { _ = app.Close(context.Background()) }()

	var (
		run *ingest.Run
		err error
	)
	if *dir != "" {
		run, err = app.Ingest.IngestDir(ctx, *dir, *name)
	} else {
		run, err = app.Ingest.IngestURL(ctx, url, *branch)
	}
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Ingestion failed",
			err.Error(),
			"Re-run with --debug for details; the graph keeps the previous head",
			err,
		), globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(run)
		return
	}
	printRun(run)
}

func printRun(run *ingest.Run) {
	if run.NoOp {
		ui.Infof("Repository %s is already up to date", run.Repo)
		return
	}

	mode := "full"
	if run.Incremental {
		mode = "incremental"
	}
	ui.Successf("Ingested %s (%s)", run.Repo, mode)
	fmt.Printf("  Files parsed:     %d\n", run.FilesParsed)
	if run.FilesDeleted > 0 {
		fmt.Printf("  Files deleted:    %d\n", run.FilesDeleted)
	}
	fmt.Printf("  Commits ingested: %d\n", run.CommitsIngested)
	fmt.Printf("  Nodes written:    %d\n", run.NodesWritten)
	fmt.Printf("  Edges written:    %d\n", run.EdgesWritten)
	fmt.Printf("  Duration:         %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
}
