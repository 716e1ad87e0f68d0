// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/kraklabs/codectx/internal/errors"
	"github.com/kraklabs/codectx/internal/output"
	"github.com/kraklabs/codectx/internal/ui"
	"github.com/kraklabs/codectx/pkg/graph"
)

// runBackfill executes the 'backfill' CLI command, embedding nodes
// whose vector property is still missing. Useful after switching the
// embedding model or when an ingestion was interrupted mid-embed.
//
// Examples:
//
//	codectx backfill
//	codectx backfill --labels Function,Class
func runBackfill(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	labelsFlag := fs.String("labels", "", "Comma-separated labels to backfill (default: all embeddable labels)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: codectx backfill [options]

Embeds graph nodes that have content but no vector yet. Runs in pages,
so it is safe to interrupt and re-run.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var labels []graph.Label
	if *labelsFlag != "" {
		for _, raw := range strings.Split(*labelsFlag, ",") {
			label := graph.Label(strings.TrimSpace(raw))
			if label == "" {
				continue
			}
			if !label.IsEmbeddable() {
				errors.FatalError(errors.NewInputError(
					"Label cannot be backfilled",
					fmt.Sprintf("%q has no vector index", label),
					fmt.Sprintf("Use labels from: %s", joinLabels(graph.EmbeddableLabels)),
				), globals.JSON)
			}
			labels = append(labels, label)
		}
	}

	logger := newLogger(globals)
	ctx := context.Background()
	app := mustBootstrap(ctx, globals, logger)
	defer func() { _ = app.Close(context.Background()) }()

	stats, err := app.Backfiller.Run(ctx, labels)
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Backfill failed",
			err.Error(),
			"Check that the embedding endpoint is reachable",
			err,
		), globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(stats)
		return
	}
	ui.Successf("Backfill complete: %d embedded, %d skipped (%d pages)",
		stats.Embedded, stats.Skipped, stats.Pages)
}

func joinLabels(labels []graph.Label) string {
	parts := make([]string, len(labels))
	for i, label := range labels {
		parts[i] = string(label)
	}
	return strings.Join(parts, ", ")
}
