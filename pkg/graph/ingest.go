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
	"sort"
	"time"

	"log/slog"
)

// Ingestor writes node/edge batches into the store with upsert-on-id
// semantics. Write order within a batch: constraints, then nodes, then
// edges. Edges are only merged after both endpoints exist, so a batch can
// never produce a dangling edge.
type Ingestor struct {
	store  *Store
	logger *slog.Logger
}

// NewIngestor creates a batch ingestor over the store.
func NewIngestor(store *Store, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, logger: logger}
}

// IngestStats summarizes one batch flush.
type IngestStats struct {
	NodesWritten int
	EdgesWritten int
	Duration     time.Duration
}

// EnsureConstraints creates the per-label UNIQUE(id) constraints.
// Idempotent and best-effort: individual failures are logged and skipped
// because the constraint usually already exists.
func (ing *Ingestor) EnsureConstraints(ctx context.Context) {
	for _, label := range AllLabels {
		query := fmt.Sprintf(
			"CREATE CONSTRAINT %s_id_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE",
			Slugify(string(label)), label,
		)
		if _, err := ing.store.Run(ctx, query, nil); err != nil {
			ing.logger.Warn("graph.constraint.skip", "label", label, "err", err)
		}
	}
}

// EnsureVectorIndexes creates the cosine vector index for each embeddable
// label at the given dimension. The dimension comes from the embedding
// provider and is the ground truth for invariant checks on writes.
func (ing *Ingestor) EnsureVectorIndexes(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("vector index dimension must be positive, got %d", dimension)
	}
	for _, label := range EmbeddableLabels {
		query := fmt.Sprintf(`CREATE VECTOR INDEX %s IF NOT EXISTS
FOR (n:%s) ON (n.embedding)
OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: $dim, `+"`vector.similarity_function`"+`: 'cosine'}}`,
			label.VectorIndexName(), label)
		if _, err := ing.store.Run(ctx, query, map[string]any{"dim": dimension}); err != nil {
			return fmt.Errorf("create vector index for %s: %w", label, err)
		}
	}
	ing.logger.Info("graph.vector_indexes.ready", "dimension", dimension, "labels", len(EmbeddableLabels))
	return nil
}

// IngestBatch flushes a batch: dedupe nodes by ID, upsert nodes grouped by
// label, then merge edges grouped by (from label, type, to label).
// Write failures are logged and re-raised; they never pass silently.
func (ing *Ingestor) IngestBatch(ctx context.Context, batch *Batch) (*IngestStats, error) {
	start := time.Now()
	nodes := batch.DedupedNodes()
	edges := batch.DedupedEdges()

	if err := ing.upsertNodes(ctx, nodes); err != nil {
		ing.logger.Error("graph.ingest.nodes.failed", "count", len(nodes), "err", err)
		return nil, err
	}
	if err := ing.upsertEdges(ctx, edges); err != nil {
		ing.logger.Error("graph.ingest.edges.failed", "count", len(edges), "err", err)
		return nil, err
	}

	stats := &IngestStats{
		NodesWritten: len(nodes),
		EdgesWritten: len(edges),
		Duration:     time.Since(start),
	}
	graphMetrics.recordBatch(len(nodes), len(edges), stats.Duration)
	ing.logger.Info("graph.ingest.batch.complete",
		"nodes", stats.NodesWritten,
		"edges", stats.EdgesWritten,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	return stats, nil
}

// upsertNodes writes nodes grouped by label with a single UNWIND per label.
// MERGE on id plus SET += keeps properties that the new record does not
// carry, so stub nodes never erase richer ones.
func (ing *Ingestor) upsertNodes(ctx context.Context, nodes []Node) error {
	byLabel := make(map[Label][]map[string]any)
	for _, n := range nodes {
		props, err := SanitizeProps(n.Props)
		if err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
		delete(props, "id")
		byLabel[n.Label] = append(byLabel[n.Label], map[string]any{
			"id":    n.ID,
			"props": props,
		})
	}

	for _, label := range sortedLabels(byLabel) {
		rows := byLabel[label]
		query := fmt.Sprintf(
			"UNWIND $rows AS row MERGE (n:%s {id: row.id}) SET n += row.props",
			label,
		)
		if _, err := ing.store.Run(ctx, query, map[string]any{"rows": rows}); err != nil {
			return fmt.Errorf("upsert %d %s nodes: %w", len(rows), label, err)
		}
	}
	return nil
}

// upsertEdges merges edges after matching both endpoints by ID. An edge
// whose endpoint is missing is silently skipped by MATCH, never half-written.
func (ing *Ingestor) upsertEdges(ctx context.Context, edges []Edge) error {
	type edgeShape struct {
		from Label
		to   Label
		rel  RelType
	}
	byShape := make(map[edgeShape][]map[string]any)
	for _, e := range edges {
		shape := edgeShape{from: e.FromLabel, to: e.ToLabel, rel: e.Type}
		byShape[shape] = append(byShape[shape], map[string]any{
			"from": e.FromID,
			"to":   e.ToID,
		})
	}

	shapes := make([]edgeShape, 0, len(byShape))
	for s := range byShape {
		shapes = append(shapes, s)
	}
	sort.Slice(shapes, func(i, j int) bool {
		a, b := shapes[i], shapes[j]
		if a.rel != b.rel {
			return a.rel < b.rel
		}
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	for _, shape := range shapes {
		rows := byShape[shape]
		query := fmt.Sprintf(
			"UNWIND $rows AS row MATCH (a:%s {id: row.from}) MATCH (b:%s {id: row.to}) MERGE (a)-[:%s]->(b)",
			shape.from, shape.to, shape.rel,
		)
		if _, err := ing.store.Run(ctx, query, map[string]any{"rows": rows}); err != nil {
			return fmt.Errorf("upsert %d %s edges: %w", len(rows), shape.rel, err)
		}
	}
	return nil
}

// DeleteFileSubgraph removes every node owned by one file path (ID prefix
// "{repo_name}:{path}:") together with all incident edges.
func (ing *Ingestor) DeleteFileSubgraph(ctx context.Context, repoName, path string) error {
	prefix := FileOwnedPrefix(repoName, path)
	query := "MATCH (n) WHERE n.id STARTS WITH $prefix DETACH DELETE n"
	if _, err := ing.store.Run(ctx, query, map[string]any{"prefix": prefix}); err != nil {
		ing.logger.Error("graph.delete.file_subgraph.failed", "prefix", prefix, "err", err)
		return err
	}
	graphMetrics.recordSubgraphDelete()
	ing.logger.Info("graph.delete.file_subgraph", "prefix", prefix)
	return nil
}

// DeleteRepository removes the Repository node and every node whose ID is
// scoped under the repository name (files, commits, pull requests, and the
// per-file subgraphs they own). Shared Package and Person nodes survive.
func (ing *Ingestor) DeleteRepository(ctx context.Context, repoName string) error {
	scoped := "MATCH (n) WHERE n.id STARTS WITH $prefix DETACH DELETE n"
	if _, err := ing.store.Run(ctx, scoped, map[string]any{"prefix": repoName + ":"}); err != nil {
		return fmt.Errorf("delete repository-scoped nodes: %w", err)
	}
	root := "MATCH (r:Repository {id: $id}) DETACH DELETE r"
	if _, err := ing.store.Run(ctx, root, map[string]any{"id": RepositoryID(repoName)}); err != nil {
		return fmt.Errorf("delete repository node: %w", err)
	}
	ing.logger.Info("graph.delete.repository", "repo", repoName)
	return nil
}

// GetRepositoryHead reads Repository.repo_sha, the last successfully
// ingested head. Returns ErrRepositoryUnknown when the node is absent and
// "" when the node exists but has not completed an ingest.
func (ing *Ingestor) GetRepositoryHead(ctx context.Context, repoName string) (string, error) {
	records, err := ing.store.RunRead(ctx,
		"MATCH (r:Repository {id: $id}) RETURN r.repo_sha AS repo_sha",
		map[string]any{"id": RepositoryID(repoName)},
	)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", ErrRepositoryUnknown
	}
	return recordString(records[0], "repo_sha"), nil
}

// SetRepositoryHead advances Repository.repo_sha. This is the ingest's
// linearization point and must be the last write of a successful run.
func (ing *Ingestor) SetRepositoryHead(ctx context.Context, repoName, sha string) error {
	_, err := ing.store.Run(ctx,
		"MATCH (r:Repository {id: $id}) SET r.repo_sha = $sha",
		map[string]any{"id": RepositoryID(repoName), "sha": sha},
	)
	if err != nil {
		ing.logger.Error("graph.repo_sha.update.failed", "repo", repoName, "err", err)
		return err
	}
	ing.logger.Info("graph.repo_sha.updated", "repo", repoName, "sha", shortSHA(sha))
	return nil
}

func sortedLabels(m map[Label][]map[string]any) []Label {
	labels := make([]Label, 0, len(m))
	for l := range m {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
