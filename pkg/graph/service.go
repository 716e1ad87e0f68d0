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
	"strings"

	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
)

// Embedder is the slice of the embedding provider the graph service needs
// for query-side embedding. Satisfied by embedding.Provider.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// readQuerier is the slice of the store the retrieval service reads
// through. *Store satisfies it.
type readQuerier interface {
	RunRead(ctx context.Context, query string, params map[string]any) ([]*db.Record, error)
}

// ServiceConfig configures retrieval behavior.
type ServiceConfig struct {
	// MaxSearchLimit clamps the limit of any search call (default 25).
	MaxSearchLimit int `yaml:"max_search_limit"`
}

// Service provides node lookup, vector search, hybrid search, and
// similar-node search over the graph and its vector indexes.
type Service struct {
	store    readQuerier
	embedder Embedder
	maxLimit int
	logger   *slog.Logger
}

// NewService creates a graph retrieval service.
func NewService(store *Store, embedder Embedder, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSearchLimit <= 0 {
		cfg.MaxSearchLimit = 25
	}
	return &Service{
		store:    store,
		embedder: embedder,
		maxLimit: cfg.MaxSearchLimit,
		logger:   logger,
	}
}

// NodeResult is a node returned by a lookup or search.
type NodeResult struct {
	ID     string         `json:"id"`
	Labels []string       `json:"labels"`
	Props  map[string]any `json:"props"`
}

// ScoredNode pairs a node with its search score.
type ScoredNode struct {
	Node  NodeResult `json:"node"`
	Score float64    `json:"score"`
}

// GetNode performs an exact lookup by ID and label.
func (s *Service) GetNode(ctx context.Context, id string, label Label) (*NodeResult, error) {
	query := fmt.Sprintf(
		"MATCH (n:%s {id: $id}) RETURN n.id AS id, labels(n) AS labels, properties(n) AS props",
		label,
	)
	records, err := s.store.RunRead(ctx, query, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNodeNotFound, id, label)
	}
	return nodeFromRecord(records[0]), nil
}

// VectorSearch embeds the query text and runs the label's native vector
// index, returning nodes ordered by descending cosine similarity. The
// limit is clamped to the configured maximum. Fails with ErrIndexMissing
// when the label's index does not exist; there is no silent fallback.
func (s *Service) VectorSearch(ctx context.Context, queryText string, label Label, limit int) ([]ScoredNode, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, fmt.Errorf("query text is empty")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if !label.IsEmbeddable() {
		return nil, fmt.Errorf("label %s has no vector index", label)
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	if err := s.requireIndex(ctx, label); err != nil {
		return nil, err
	}

	vector, err := s.embedder.EmbedOne(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	return s.queryVectorIndex(ctx, label, vector, limit, "")
}

// HybridSearch combines vector similarity with a label-aware text score:
// score = alpha*vector + (1-alpha)*text. It widens the candidate pool to
// 2*limit before re-ranking. Pure-vector hits with no text match are
// retained; there is no hard text filter.
func (s *Service) HybridSearch(ctx context.Context, queryText string, label Label, limit int, vectorWeight float64) ([]ScoredNode, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}
	if vectorWeight < 0 {
		vectorWeight = 0
	}
	if vectorWeight > 1 {
		vectorWeight = 1
	}

	candidates, err := s.VectorSearch(ctx, queryText, label, 2*limit)
	if err != nil {
		return nil, err
	}

	terms := queryTerms(queryText)
	for i := range candidates {
		text := textScore(label, candidates[i].Node.Props, terms)
		candidates[i].Score = vectorWeight*candidates[i].Score + (1-vectorWeight)*text
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// FindSimilar uses a stored node's embedding as the query vector and
// returns its nearest neighbors, excluding the source node itself.
func (s *Service) FindSimilar(ctx context.Context, nodeID string, label Label, limit int) ([]ScoredNode, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}
	if err := s.requireIndex(ctx, label); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN n.embedding AS embedding", label)
	records, err := s.store.RunRead(ctx, query, map[string]any{"id": nodeID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNodeNotFound, nodeID, label)
	}
	embedding := recordVector(records[0], "embedding")
	if len(embedding) == 0 {
		return nil, fmt.Errorf("node %s has no embedding", nodeID)
	}

	return s.queryVectorIndex(ctx, label, embedding, limit, nodeID)
}

// queryVectorIndex runs the native vector index. excludeID, when non-empty,
// is filtered from the result set (used by FindSimilar).
func (s *Service) queryVectorIndex(ctx context.Context, label Label, vector []float32, limit int, excludeID string) ([]ScoredNode, error) {
	// Over-fetch by one when excluding so the source node does not eat a slot.
	k := limit
	if excludeID != "" {
		k++
	}
	records, err := s.store.RunRead(ctx, `
CALL db.index.vector.queryNodes($index, $k, $vector)
YIELD node, score
RETURN node.id AS id, labels(node) AS labels, properties(node) AS props, score
ORDER BY score DESC`,
		map[string]any{
			"index":  label.VectorIndexName(),
			"k":      k,
			"vector": vector,
		})
	if err != nil {
		return nil, err
	}

	results := make([]ScoredNode, 0, len(records))
	for _, rec := range records {
		node := nodeFromRecord(rec)
		if excludeID != "" && node.ID == excludeID {
			continue
		}
		results = append(results, ScoredNode{Node: *node, Score: recordFloat(rec, "score")})
		if len(results) == limit {
			break
		}
	}
	graphMetrics.recordSearch(string(label), len(results))
	return results, nil
}

// requireIndex fails with ErrIndexMissing when the label's vector index
// has not been created.
func (s *Service) requireIndex(ctx context.Context, label Label) error {
	records, err := s.store.RunRead(ctx,
		"SHOW INDEXES YIELD name WHERE name = $name RETURN name",
		map[string]any{"name": label.VectorIndexName()},
	)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: %s", ErrIndexMissing, label.VectorIndexName())
	}
	return nil
}

func nodeFromRecord(rec recordGetter) *NodeResult {
	node := &NodeResult{Props: map[string]any{}}
	if v, ok := rec.Get("id"); ok {
		node.ID, _ = v.(string)
	}
	if v, ok := rec.Get("labels"); ok {
		if raw, ok := v.([]any); ok {
			for _, l := range raw {
				if s, ok := l.(string); ok {
					node.Labels = append(node.Labels, s)
				}
			}
		}
	}
	if v, ok := rec.Get("props"); ok {
		if props, ok := v.(map[string]any); ok {
			for k, pv := range props {
				if k == "embedding" {
					continue
				}
				node.Props[k] = pv
			}
		}
	}
	return node
}

// recordGetter matches both db.Record and test fakes.
type recordGetter interface {
	Get(key string) (any, bool)
}

func recordVector(rec recordGetter, key string) []float32 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float32, 0, len(raw))
	for _, f := range raw {
		switch n := f.(type) {
		case float64:
			out = append(out, float32(n))
		case float32:
			out = append(out, n)
		}
	}
	return out
}

// queryTerms lowercases and tokenizes the query, dropping one-character
// noise tokens.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}

// textScore computes the label-aware lexical score in [0,1]: the fraction
// of query terms found in the label's searchable text. Commits are matched
// against content, author, and touched files; code nodes against name,
// signature, and snippet.
func textScore(label Label, props map[string]any, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	var haystack strings.Builder
	appendProp := func(key string) {
		if v, ok := props[key]; ok {
			switch s := v.(type) {
			case string:
				haystack.WriteString(s)
				haystack.WriteByte(' ')
			case []any:
				for _, item := range s {
					if str, ok := item.(string); ok {
						haystack.WriteString(str)
						haystack.WriteByte(' ')
					}
				}
			case []string:
				for _, str := range s {
					haystack.WriteString(str)
					haystack.WriteByte(' ')
				}
			}
		}
	}

	switch label {
	case LabelCommit:
		appendProp("content")
		appendProp("message")
		appendProp("author_name")
		appendProp("files_changed")
	default:
		appendProp("name")
		appendProp("signature")
		appendProp("snippet")
		appendProp("content")
		appendProp("path")
	}

	text := strings.ToLower(haystack.String())
	if text == "" {
		return 0
	}

	matched := 0
	for _, term := range terms {
		if strings.Contains(text, term) {
			matched++
		}
		// Light stemming: "authentication" should still hit "auth".
		if len(term) > 4 && strings.Contains(text, term[:4]) && !strings.Contains(text, term) {
			matched++
		}
	}
	score := float64(matched) / float64(len(terms))
	if score > 1 {
		score = 1
	}
	return score
}
