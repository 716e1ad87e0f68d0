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
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryTerms(t *testing.T) {
	terms := queryTerms("How does the Auth-Handler work?")
	assert.Equal(t, []string{"how", "does", "the", "auth", "handler", "work"}, terms)
}

func TestQueryTermsDropsNoise(t *testing.T) {
	assert.Empty(t, queryTerms("a ? !"))
}

func TestTextScoreCommitLabel(t *testing.T) {
	authCommit := map[string]any{
		"content":     "Commit: abc\nMessage: add auth middleware",
		"author_name": "ada",
	}
	readmeCommit := map[string]any{
		"content":     "Commit: def\nMessage: update README",
		"author_name": "bob",
	}

	terms := queryTerms("authentication")
	authScore := textScore(LabelCommit, authCommit, terms)
	readmeScore := textScore(LabelCommit, readmeCommit, terms)
	assert.Greater(t, authScore, readmeScore,
		"commit mentioning auth must outscore unrelated commit")
}

func TestTextScoreCodeLabelUsesNameAndSignature(t *testing.T) {
	fn := map[string]any{
		"name":      "validateToken",
		"signature": "validateToken(token)",
	}
	terms := queryTerms("validate token")
	assert.Equal(t, 1.0, textScore(LabelFunction, fn, terms))
}

func TestTextScoreEmptyInputs(t *testing.T) {
	assert.Equal(t, 0.0, textScore(LabelFunction, map[string]any{}, queryTerms("query")))
	assert.Equal(t, 0.0, textScore(LabelFunction, map[string]any{"name": "x"}, nil))
}

func TestTextScoreFilesChangedList(t *testing.T) {
	commit := map[string]any{
		"content":       "Commit: abc",
		"files_changed": []any{"auth/middleware.py"},
	}
	score := textScore(LabelCommit, commit, queryTerms("middleware"))
	assert.Greater(t, score, 0.0)
}

type fakeRecord map[string]any

func (r fakeRecord) Get(key string) (any, bool) {
	v, ok := r[key]
	return v, ok
}

func TestNodeFromRecordStripsEmbedding(t *testing.T) {
	rec := fakeRecord{
		"id":     "demo:app.py:function:add",
		"labels": []any{"Function"},
		"props": map[string]any{
			"name":      "add",
			"embedding": []any{0.1, 0.2},
		},
	}
	node := nodeFromRecord(rec)
	assert.Equal(t, "demo:app.py:function:add", node.ID)
	assert.Equal(t, []string{"Function"}, node.Labels)
	assert.Equal(t, "add", node.Props["name"])
	assert.NotContains(t, node.Props, "embedding")
}

func TestRecordVector(t *testing.T) {
	rec := fakeRecord{"embedding": []any{0.5, 1.0}}
	assert.Equal(t, []float32{0.5, 1.0}, recordVector(rec, "embedding"))
	assert.Nil(t, recordVector(rec, "missing"))
}

// fakeReadStore scripts the three read queries the retrieval service
// issues: index existence, vector index calls, and embedding lookups.
type fakeReadStore struct {
	indexes    []string
	vectors    []*db.Record
	embeddings map[string][]any
	calls      []readCall
}

type readCall struct {
	query  string
	params map[string]any
}

func (f *fakeReadStore) RunRead(_ context.Context, query string, params map[string]any) ([]*db.Record, error) {
	f.calls = append(f.calls, readCall{query: query, params: params})

	switch {
	case strings.Contains(query, "SHOW INDEXES"):
		name, _ := params["name"].(string)
		for _, idx := range f.indexes {
			if idx == name {
				return []*db.Record{{Keys: []string{"name"}, Values: []any{name}}}, nil
			}
		}
		return nil, nil

	case strings.Contains(query, "db.index.vector.queryNodes"):
		k, _ := params["k"].(int)
		recs := f.vectors
		if len(recs) > k {
			recs = recs[:k]
		}
		return recs, nil

	case strings.Contains(query, "AS embedding"):
		id, _ := params["id"].(string)
		if emb, ok := f.embeddings[id]; ok {
			return []*db.Record{{Keys: []string{"embedding"}, Values: []any{emb}}}, nil
		}
		return nil, nil
	}
	return nil, nil
}

// lastVectorK returns the k parameter of the most recent vector index call.
func (f *fakeReadStore) lastVectorK(t *testing.T) int {
	t.Helper()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if strings.Contains(f.calls[i].query, "db.index.vector.queryNodes") {
			k, ok := f.calls[i].params["k"].(int)
			require.True(t, ok, "k parameter missing on vector call")
			return k
		}
	}
	t.Fatal("no vector index call recorded")
	return 0
}

type fixedEmbedder struct{}

func (fixedEmbedder) EmbedOne(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (fixedEmbedder) Dimension() int { return 3 }

func searchRecord(id, name string, score float64) *db.Record {
	return &db.Record{
		Keys: []string{"id", "labels", "props", "score"},
		Values: []any{
			id,
			[]any{"Function"},
			map[string]any{"name": name},
			score,
		},
	}
}

func newSearchService(store *fakeReadStore, maxLimit int) *Service {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Service{
		store:    store,
		embedder: fixedEmbedder{},
		maxLimit: maxLimit,
		logger:   logger,
	}
}

func functionIndex() []string {
	return []string{LabelFunction.VectorIndexName()}
}

func TestVectorSearchOrdersAndMapsResults(t *testing.T) {
	store := &fakeReadStore{
		indexes: functionIndex(),
		vectors: []*db.Record{
			searchRecord("demo:a.py:function:add", "add", 0.9),
			searchRecord("demo:a.py:function:sub", "sub", 0.7),
		},
	}
	svc := newSearchService(store, 25)

	results, err := svc.VectorSearch(context.Background(), "arithmetic helpers", LabelFunction, 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "demo:a.py:function:add", results[0].Node.ID)
	assert.Equal(t, 0.9, results[0].Score)
	assert.Equal(t, "add", results[0].Node.Props["name"])
}

func TestVectorSearchClampsLimit(t *testing.T) {
	store := &fakeReadStore{indexes: functionIndex()}
	svc := newSearchService(store, 3)

	_, err := svc.VectorSearch(context.Background(), "anything", LabelFunction, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, store.lastVectorK(t), "limit must be clamped to the configured maximum")
}

func TestVectorSearchIndexMissing(t *testing.T) {
	svc := newSearchService(&fakeReadStore{}, 25)

	_, err := svc.VectorSearch(context.Background(), "anything", LabelFunction, 5)
	assert.ErrorIs(t, err, ErrIndexMissing)
}

func TestVectorSearchRejectsBadInput(t *testing.T) {
	svc := newSearchService(&fakeReadStore{indexes: functionIndex()}, 25)

	_, err := svc.VectorSearch(context.Background(), "  ", LabelFunction, 5)
	assert.Error(t, err)

	_, err = svc.VectorSearch(context.Background(), "q", LabelFunction, 0)
	assert.Error(t, err)

	_, err = svc.VectorSearch(context.Background(), "q", LabelRepository, 5)
	assert.Error(t, err, "Repository carries no vector index")
}

func TestHybridSearchAlphaOneEqualsVectorSearch(t *testing.T) {
	store := &fakeReadStore{
		indexes: functionIndex(),
		vectors: []*db.Record{
			searchRecord("demo:a.py:function:add", "add", 0.9),
			searchRecord("demo:a.py:function:sub", "sub", 0.7),
			searchRecord("demo:a.py:function:mul", "mul", 0.5),
			searchRecord("demo:a.py:function:div", "div", 0.3),
		},
	}
	svc := newSearchService(store, 25)

	vector, err := svc.VectorSearch(context.Background(), "math", LabelFunction, 2)
	require.NoError(t, err)
	hybrid, err := svc.HybridSearch(context.Background(), "math", LabelFunction, 2, 1.0)
	require.NoError(t, err)

	assert.Equal(t, vector, hybrid, "alpha=1.0 must reduce to pure vector search")
}

func TestHybridSearchWidensThenTruncates(t *testing.T) {
	store := &fakeReadStore{
		indexes: functionIndex(),
		vectors: []*db.Record{
			searchRecord("f1", "a", 0.9),
			searchRecord("f2", "b", 0.8),
			searchRecord("f3", "c", 0.7),
			searchRecord("f4", "d", 0.6),
			searchRecord("f5", "e", 0.5),
		},
	}
	svc := newSearchService(store, 25)

	results, err := svc.HybridSearch(context.Background(), "query", LabelFunction, 2, 0.7)
	require.NoError(t, err)
	assert.Equal(t, 4, store.lastVectorK(t), "candidate pool must be 2*limit")
	assert.Len(t, results, 2)
}

func TestHybridSearchTextMatchReranks(t *testing.T) {
	store := &fakeReadStore{
		indexes: functionIndex(),
		vectors: []*db.Record{
			searchRecord("demo:x.py:function:unrelated", "unrelated", 0.9),
			searchRecord("demo:x.py:function:parse_token", "parse_token", 0.8),
		},
	}
	svc := newSearchService(store, 25)

	results, err := svc.HybridSearch(context.Background(), "parse token", LabelFunction, 2, 0.0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "demo:x.py:function:parse_token", results[0].Node.ID,
		"alpha=0 must rank by lexical score alone")
}

func TestHybridSearchIndexMissing(t *testing.T) {
	svc := newSearchService(&fakeReadStore{}, 25)

	_, err := svc.HybridSearch(context.Background(), "anything", LabelFunction, 5, 0.7)
	assert.ErrorIs(t, err, ErrIndexMissing)
}

func TestFindSimilarExcludesSourceNode(t *testing.T) {
	source := "demo:a.py:function:add"
	store := &fakeReadStore{
		indexes:    functionIndex(),
		embeddings: map[string][]any{source: {0.1, 0.2, 0.3}},
		vectors: []*db.Record{
			searchRecord(source, "add", 1.0),
			searchRecord("demo:a.py:function:sum_all", "sum_all", 0.8),
			searchRecord("demo:a.py:function:plus", "plus", 0.6),
		},
	}
	svc := newSearchService(store, 25)

	results, err := svc.FindSimilar(context.Background(), source, LabelFunction, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, store.lastVectorK(t), "over-fetch by one to cover the excluded source")
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, source, r.Node.ID)
	}
}

func TestFindSimilarUnknownNode(t *testing.T) {
	store := &fakeReadStore{indexes: functionIndex()}
	svc := newSearchService(store, 25)

	_, err := svc.FindSimilar(context.Background(), "demo:missing", LabelFunction, 2)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}
