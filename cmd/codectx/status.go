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
	"time"

	"github.com/kraklabs/codectx/internal/errors"
	"github.com/kraklabs/codectx/internal/output"
	"github.com/kraklabs/codectx/internal/ui"
	"github.com/kraklabs/codectx/pkg/graph"
)

// RepoStatus is one ingested repository as reported by 'status'.
type RepoStatus struct {
	Name string `json:"name"`
	Head string `json:"head,omitempty"`
}

// StatusResult represents the graph status for JSON output.
type StatusResult struct {
	URI          string         `json:"uri"`
	Repositories []RepoStatus   `json:"repositories"`
	Counts       map[string]int `json:"counts"`
	Timestamp    time.Time      `json:"timestamp"`
}

// runStatus executes the 'status' CLI command, reporting ingested
// repositories and per-label node counts from the graph.
//
// Examples:
//
//	codectx status           Display formatted status
//	codectx status --json    Output as JSON for programmatic use
func runStatus(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: codectx status [options]

Shows ingested repositories and graph entity counts.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger := newLogger(globals)
	ctx := context.Background()
	app := mustBootstrap(ctx, globals, logger)
	defer func() { _ = app.Close(context.Background()) }()

	result := &StatusResult{
		URI:       app.Config.Store.URI,
		Counts:    map[string]int{},
		Timestamp: time.Now(),
	}

	repos, err := listRepositories(ctx, app.Store)
	if err != nil {
		errors.FatalError(errors.NewStoreError(
			"Cannot query the graph",
			err.Error(),
			"Verify Neo4j is reachable and the credentials are correct",
			err,
		), globals.JSON)
	}
	result.Repositories = repos

	for _, label := range graph.AllLabels {
		result.Counts[string(label)] = countNodes(ctx, app.Store, label)
	}

	if globals.JSON {
		_ = output.JSON(result)
		return
	}
	printStatus(result)
}

func listRepositories(ctx context.Context, store *graph.Store) ([]RepoStatus, error) {
	records, err := store.RunRead(ctx,
		"MATCH (r:Repository) RETURN r.name AS name, r.repo_sha AS head ORDER BY name",
		nil,
	)
	if err != nil {
		return nil, err
	}

	repos := make([]RepoStatus, 0, len(records))
	for _, record := range records {
		var repo RepoStatus
		if v, ok := record.Get("name"); ok {
			if name, ok := v.(string); ok {
				repo.Name = name
			}
		}
		if v, ok := record.Get("head"); ok {
			if head, ok := v.(string); ok {
				repo.Head = head
			}
		}
		if repo.Name != "" {
			repos = append(repos, repo)
		}
	}
	return repos, nil
}

// countNodes counts nodes carrying the given label. Labels cannot be
// parameterized in Cypher; the label set here is the schema's own, not
// user input. Returns 0 on query failure.
func countNodes(ctx context.Context, store *graph.Store, label graph.Label) int {
	records, err := store.RunRead(ctx,
		fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS c", label),
		nil,
	)
	if err != nil || len(records) == 0 {
		return 0
	}

	v, ok := records[0].Get("c")
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func printStatus(result *StatusResult) {
	ui.Header("Context Graph Status")
	fmt.Printf("%s %s\n", ui.Label("Store:"), result.URI)
	fmt.Println()

	if len(result.Repositories) == 0 {
		fmt.Println("No repositories ingested yet.")
		fmt.Println("Run 'codectx ingest <url>' to get started.")
		return
	}

	ui.SubHeader("Repositories:")
	for _, repo := range result.Repositories {
		head := repo.Head
		if head == "" {
			head = "(no completed ingest)"
		} else if len(head) > 12 {
			head = head[:12]
		}
		fmt.Printf("  %-30s %s\n", repo.Name, ui.DimText(head))
	}
	fmt.Println()

	ui.SubHeader("Entities:")
	for _, label := range graph.AllLabels {
		if count := result.Counts[string(label)]; count > 0 {
			fmt.Printf("  %-15s %d\n", string(label)+":", count)
		}
	}
}
