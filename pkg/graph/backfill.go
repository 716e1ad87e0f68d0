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

package graph

import (
	"context"
	"fmt"
	"strings"

	"log/slog"
)

// BatchEmbedder is the slice of the embedding provider the backfill worker
// needs. Satisfied by embedding.Provider.
type BatchEmbedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Backfiller scans embeddable labels for nodes without an embedding and
// fills them in bounded pages. A node whose text representation is empty
// is marked skipped so the scan terminates.
type Backfiller struct {
	store     *Store
	embedder  BatchEmbedder
	batchSize int
	logger    *slog.Logger
}

// NewBackfiller creates an embedding backfill worker. batchSize <= 0
// defaults to 50.
func NewBackfiller(store *Store, embedder BatchEmbedder, batchSize int, logger *slog.Logger) *Backfiller {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Backfiller{
		store:     store,
		embedder:  embedder,
		batchSize: batchSize,
		logger:    logger,
	}
}

// BackfillStats summarizes a backfill run.
type BackfillStats struct {
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
	Pages    int `json:"pages"`
}

// Run backfills every label in labels (all embeddable labels when empty).
// Each label is paged until a page comes back smaller than the batch size.
func (b *Backfiller) Run(ctx context.Context, labels []Label) (*BackfillStats, error) {
	if len(labels) == 0 {
		labels = EmbeddableLabels
	}
	stats := &BackfillStats{}
	for _, label := range labels {
		if !label.IsEmbeddable() {
			return nil, fmt.Errorf("label %s is not embeddable", label)
		}
		if err := b.backfillLabel(ctx, label, stats); err != nil {
			return nil, fmt.Errorf("backfill %s: %w", label, err)
		}
	}
	b.logger.Info("backfill.complete",
		"embedded", stats.Embedded,
		"skipped", stats.Skipped,
		"pages", stats.Pages,
	)
	return stats, nil
}

func (b *Backfiller) backfillLabel(ctx context.Context, label Label, stats *BackfillStats) error {
	dim := b.embedder.Dimension()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		page, err := b.fetchPage(ctx, label)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		stats.Pages++

		ids := make([]string, 0, len(page))
		texts := make([]string, 0, len(page))
		var skipIDs []string
		for _, node := range page {
			text := EmbedText(label, node.Props)
			if strings.TrimSpace(text) == "" {
				skipIDs = append(skipIDs, node.ID)
				continue
			}
			ids = append(ids, node.ID)
			texts = append(texts, text)
		}

		if len(skipIDs) > 0 {
			if err := b.markSkipped(ctx, label, skipIDs); err != nil {
				return err
			}
			stats.Skipped += len(skipIDs)
		}

		if len(texts) > 0 {
			vectors, err := b.embedder.EmbedMany(ctx, texts)
			if err != nil {
				return fmt.Errorf("embed page: %w", err)
			}
			rows := make([]map[string]any, 0, len(ids))
			for i, id := range ids {
				if len(vectors[i]) != dim {
					return fmt.Errorf("embedding for %s has dimension %d, want %d", id, len(vectors[i]), dim)
				}
				rows = append(rows, map[string]any{"id": id, "vector": vectors[i]})
			}
			query := fmt.Sprintf(`UNWIND $rows AS row
MATCH (n:%s {id: row.id})
CALL db.create.setNodeVectorProperty(n, 'embedding', row.vector)`, label)
			if _, err := b.store.Run(ctx, query, map[string]any{"rows": rows}); err != nil {
				return fmt.Errorf("write embeddings: %w", err)
			}
			stats.Embedded += len(rows)
			graphMetrics.recordBackfill(len(rows))
		}

		b.logger.Info("backfill.page",
			"label", label,
			"embedded", len(texts),
			"skipped", len(skipIDs),
		)
		if len(page) < b.batchSize {
			return nil
		}
	}
}

func (b *Backfiller) fetchPage(ctx context.Context, label Label) ([]NodeResult, error) {
	query := fmt.Sprintf(`MATCH (n:%s)
WHERE n.embedding IS NULL AND n.embedding_skipped IS NULL
RETURN n.id AS id, labels(n) AS labels, properties(n) AS props
LIMIT $limit`, label)
	records, err := b.store.RunRead(ctx, query, map[string]any{"limit": b.batchSize})
	if err != nil {
		return nil, err
	}
	nodes := make([]NodeResult, 0, len(records))
	for _, rec := range records {
		nodes = append(nodes, *nodeFromRecord(rec))
	}
	return nodes, nil
}

func (b *Backfiller) markSkipped(ctx context.Context, label Label, ids []string) error {
	query := fmt.Sprintf(
		"UNWIND $ids AS id MATCH (n:%s {id: id}) SET n.embedding_skipped = true", label)
	_, err := b.store.Run(ctx, query, map[string]any{"ids": ids})
	return err
}

// EmbedText builds the label-specific text representation fed to the
// embedding provider.
func EmbedText(label Label, props map[string]any) string {
	get := func(key string) string {
		if v, ok := props[key].(string); ok {
			return v
		}
		return ""
	}

	switch label {
	case LabelFunction:
		var b strings.Builder
		fmt.Fprintf(&b, "Function: %s", get("name"))
		if sig := get("signature"); sig != "" {
			fmt.Fprintf(&b, "\nSignature: %s", sig)
		}
		if snippet := get("snippet"); snippet != "" {
			fmt.Fprintf(&b, "\nCode: %s", snippet)
		}
		return b.String()
	case LabelClass:
		var b strings.Builder
		fmt.Fprintf(&b, "Class: %s", get("name"))
		if snippet := get("snippet"); snippet != "" {
			fmt.Fprintf(&b, "\nCode: %s", snippet)
		}
		return b.String()
	case LabelFile:
		var b strings.Builder
		fmt.Fprintf(&b, "File: %s", get("path"))
		if lang := get("language"); lang != "" {
			fmt.Fprintf(&b, "\nLanguage: %s", lang)
		}
		return b.String()
	case LabelModule:
		var b strings.Builder
		fmt.Fprintf(&b, "Module: %s", get("name"))
		if pkg := get("package"); pkg != "" {
			fmt.Fprintf(&b, "\nPackage: %s", pkg)
		}
		return b.String()
	case LabelDoc:
		return get("text")
	case LabelCommit:
		if content := get("content"); content != "" {
			return content
		}
		return fmt.Sprintf("Commit by %s: %s", get("author_name"), get("message"))
	default:
		return ""
	}
}
