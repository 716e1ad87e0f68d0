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

package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kraklabs/codectx/internal/config"
	"github.com/kraklabs/codectx/internal/flags"
	"github.com/kraklabs/codectx/pkg/analyzer"
	"github.com/kraklabs/codectx/pkg/embedding"
	"github.com/kraklabs/codectx/pkg/gitutil"
	"github.com/kraklabs/codectx/pkg/graph"
	"github.com/kraklabs/codectx/pkg/ingest"
	"github.com/kraklabs/codectx/pkg/llm"
	"github.com/kraklabs/codectx/pkg/parser"
	"github.com/kraklabs/codectx/pkg/qa"
)

// App holds the wired service graph for one process. The graph store
// driver and both providers are process-wide singletons; every service
// hangs off them.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store    *graph.Store
	Embedder embedding.Provider
	LLM      llm.Provider

	Ingestor   *graph.Ingestor
	Backfiller *graph.Backfiller
	Graph      *graph.Service
	Ingest     *ingest.Service
	QA         *qa.Service
}

// New wires the full application from configuration. It opens the graph
// driver (verifying connectivity once) and constructs the provider
// singletons; schema setup is deferred to the first ingestion.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	flags.Init(cfg.Flags)

	store, err := graph.NewStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}

	embedder, err := embedding.Get(cfg.Embedding, logger)
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("embedding provider: %w", err)
	}

	provider, err := llm.Get(cfg.LLM)
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("llm provider: %w", err)
	}

	git := gitutil.NewClient(logger)
	registry := parser.NewRegistry(logger)
	repoAnalyzer := analyzer.New(registry, git, cfg.Analyzer, logger)
	commits := analyzer.NewCommitIngester(git, logger)

	ingestor := graph.NewIngestor(store, logger)
	backfiller := graph.NewBackfiller(store, embedder, cfg.BackfillBatchSize, logger)
	graphSvc := graph.NewService(store, embedder, cfg.Search, logger)

	ingestSvc := ingest.NewService(
		ingestor, backfiller, repoAnalyzer, commits, git,
		embedder.Dimension(), cfg.Ingest, logger,
	)
	qaSvc := qa.NewService(graphSvc, provider, cfg.QA, logger)

	logger.Info("bootstrap.ready",
		"store_uri", cfg.Store.URI,
		"embedding_variant", string(cfg.Embedding.Variant),
		"llm_type", cfg.LLM.Type,
	)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Embedder:   embedder,
		LLM:        provider,
		Ingestor:   ingestor,
		Backfiller: backfiller,
		Graph:      graphSvc,
		Ingest:     ingestSvc,
		QA:         qaSvc,
	}, nil
}

// Close releases the graph driver. Providers hold no persistent
// connections.
func (a *App) Close(ctx context.Context) error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close(ctx)
}
