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

package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/codectx/internal/flags"
	"github.com/kraklabs/codectx/pkg/analyzer"
	"github.com/kraklabs/codectx/pkg/gitutil"
	"github.com/kraklabs/codectx/pkg/graph"
	"github.com/kraklabs/codectx/pkg/parser"
)

type fakeGraph struct {
	mu        sync.Mutex
	heads     map[string]string
	headsSet  []string
	batches   []*graph.Batch
	deleted   []string
	ingestErr error
}

func (f *fakeGraph) EnsureConstraints(ctx context.Context) {}

func (f *fakeGraph) EnsureVectorIndexes(ctx context.Context, dimension int) error { return nil }

func (f *fakeGraph) IngestBatch(ctx context.Context, batch *graph.Batch) (*graph.IngestStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	f.batches = append(f.batches, batch)
	return &graph.IngestStats{
		NodesWritten: len(batch.DedupedNodes()),
		EdgesWritten: len(batch.DedupedEdges()),
	}, nil
}

func (f *fakeGraph) DeleteFileSubgraph(ctx context.Context, repoName, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeGraph) GetRepositoryHead(ctx context.Context, repoName string) (string, error) {
	if sha, ok := f.heads[repoName]; ok {
		return sha, nil
	}
	return "", graph.ErrRepositoryUnknown
}

func (f *fakeGraph) SetRepositoryHead(ctx context.Context, repoName, sha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headsSet = append(f.headsSet, repoName+"@"+sha)
	return nil
}

func (f *fakeGraph) allNodes() []graph.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []graph.Node
	for _, b := range f.batches {
		out = append(out, b.DedupedNodes()...)
	}
	return out
}

type fakeBackfiller struct{ runs int }

func (f *fakeBackfiller) Run(ctx context.Context, labels []graph.Label) (*graph.BackfillStats, error) {
	f.runs++
	return &graph.BackfillStats{}, nil
}

// fakeGit materializes its file map into the clone target, so the real
// analyzer can walk a believable working tree.
type fakeGit struct {
	files   map[string]string
	head    string
	delta   *gitutil.Delta
	diffErr error
	clones  []gitutil.CloneOptions
}

func (f *fakeGit) Clone(ctx context.Context, url, dir string, opts gitutil.CloneOptions) error {
	f.clones = append(f.clones, opts)
	for rel, content := range f.files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeGit) HeadSHA(ctx context.Context, dir string) (string, error) { return f.head, nil }

func (f *fakeGit) Diff(ctx context.Context, dir, oldSHA, newSHA string) (*gitutil.Delta, error) {
	if f.diffErr != nil {
		return nil, f.diffErr
	}
	return f.delta, nil
}

func (f *fakeGit) IsRepository(ctx context.Context, dir string) bool { return false }

func newTestService(t *testing.T, store *fakeGraph, back *fakeBackfiller, git GitClient) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	realGit := gitutil.NewClient(logger)
	an := analyzer.New(parser.NewRegistry(logger), realGit, analyzer.Config{}, logger)
	commits := analyzer.NewCommitIngester(realGit, logger)
	cfg := Config{ScratchRoot: t.TempDir()}
	return NewService(store, back, an, commits, git, 768, cfg, logger)
}

func TestIngestDirFull(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("def add(a, b):\n    return a + b\n"), 0o644))

	store := &fakeGraph{}
	back := &fakeBackfiller{}
	svc := newTestService(t, store, back, &fakeGit{})

	run, err := svc.IngestDir(context.Background(), dir, "demo")
	require.NoError(t, err)
	assert.Equal(t, StateDone, run.State)
	assert.Equal(t, 1, run.FilesParsed)
	assert.False(t, run.Incremental)
	assert.Equal(t, 1, back.runs)

	ids := map[string]bool{}
	for _, n := range store.allNodes() {
		ids[n.ID] = true
	}
	assert.True(t, ids["repo:demo"])
	assert.True(t, ids["demo:app.py:function:add"])
}

func TestIngestURLFullUsesShallowClone(t *testing.T) {
	store := &fakeGraph{}
	git := &fakeGit{
		files: map[string]string{"app.py": "def go():\n    pass\n"},
		head:  "abc123",
	}
	svc := newTestService(t, store, &fakeBackfiller{}, git)

	run, err := svc.IngestURL(context.Background(), "https://example.com/acme/demo-repo", "main")
	require.NoError(t, err)
	assert.Equal(t, StateDone, run.State)
	assert.False(t, run.Incremental)
	require.Len(t, git.clones, 1)
	assert.Equal(t, 1, git.clones[0].Depth)
	assert.Equal(t, []string{"demo-repo@abc123"}, store.headsSet)
}

func TestIngestURLUnchangedHeadIsNoOp(t *testing.T) {
	store := &fakeGraph{heads: map[string]string{"demo-repo": "abc123"}}
	back := &fakeBackfiller{}
	git := &fakeGit{head: "abc123"}
	svc := newTestService(t, store, back, git)

	run, err := svc.IngestURL(context.Background(), "https://example.com/acme/demo-repo", "main")
	require.NoError(t, err)
	assert.Equal(t, StateDone, run.State)
	assert.True(t, run.NoOp)
	assert.True(t, run.Incremental)
	// Incremental runs need history, so the clone is full depth.
	require.Len(t, git.clones, 1)
	assert.Equal(t, 0, git.clones[0].Depth)
	assert.Equal(t, 0, back.runs)
	assert.Empty(t, store.headsSet)
}

func TestIngestURLIncrementalDelta(t *testing.T) {
	store := &fakeGraph{heads: map[string]string{"demo-repo": "aaa111"}}
	back := &fakeBackfiller{}
	git := &fakeGit{
		files: map[string]string{
			"app.py": "def add(a, b):\n    return a + b\n",
			"new.py": "def fresh():\n    pass\n",
		},
		head: "bbb222",
		delta: &gitutil.Delta{
			Added:    []string{"new.py"},
			Modified: []string{"app.py"},
			Deleted:  []string{"old.py"},
		},
	}
	svc := newTestService(t, store, back, git)

	run, err := svc.IngestURL(context.Background(), "https://example.com/acme/demo-repo", "main")
	require.NoError(t, err)
	assert.Equal(t, StateDone, run.State)
	assert.True(t, run.Incremental)
	assert.Equal(t, 2, run.FilesParsed)
	// Removed paths plus each changed path lose their old subgraph.
	assert.ElementsMatch(t, []string{"old.py", "new.py", "app.py"}, store.deleted)
	assert.Equal(t, 1, back.runs)
	assert.Equal(t, []string{"demo-repo@bbb222"}, store.headsSet)

	ids := map[string]bool{}
	for _, n := range store.allNodes() {
		ids[n.ID] = true
	}
	assert.True(t, ids["demo-repo:new.py:function:fresh"])
	assert.True(t, ids["repo:demo-repo"])
}

func TestIncrementalReadmeChangeKeepsDoc(t *testing.T) {
	store := &fakeGraph{heads: map[string]string{"demo-repo": "aaa111"}}
	back := &fakeBackfiller{}
	git := &fakeGit{
		files: map[string]string{
			"README.md": "# demo\n\nAn example service.\n",
		},
		head: "bbb222",
		delta: &gitutil.Delta{
			Modified: []string{"README.md"},
		},
	}
	svc := newTestService(t, store, back, git)

	run, err := svc.IngestURL(context.Background(), "https://example.com/acme/demo-repo", "main")
	require.NoError(t, err)
	assert.Equal(t, StateDone, run.State)
	assert.True(t, run.Incremental)

	// The README has no parser, so its subgraph delete must be paired
	// with a fresh Doc extraction in the same run.
	assert.Contains(t, store.deleted, "README.md")
	ids := map[string]bool{}
	for _, n := range store.allNodes() {
		ids[n.ID] = true
	}
	assert.True(t, ids["demo-repo:README.md:doc:readme"],
		"repository README doc must survive an incremental update")
}

func TestIngestURLDiffFailureEscalatesToFull(t *testing.T) {
	store := &fakeGraph{heads: map[string]string{"demo-repo": "aaa111"}}
	git := &fakeGit{
		files:   map[string]string{"app.py": "def add(a, b):\n    return a + b\n"},
		head:    "bbb222",
		diffErr: errors.New("bad object aaa111"),
	}
	svc := newTestService(t, store, &fakeBackfiller{}, git)

	run, err := svc.IngestURL(context.Background(), "https://example.com/acme/demo-repo", "main")
	require.NoError(t, err)
	assert.Equal(t, StateDone, run.State)
	assert.False(t, run.Incremental)
	assert.Empty(t, store.deleted)
	assert.Equal(t, []string{"demo-repo@bbb222"}, store.headsSet)
}

func TestIncrementalFlagDisabledForcesFull(t *testing.T) {
	flags.Init(map[string]bool{flags.IncrementalIngest: false})
	defer flags.Reset()

	store := &fakeGraph{heads: map[string]string{"demo-repo": "aaa111"}}
	git := &fakeGit{
		files: map[string]string{"app.py": "def add(a, b):\n    return a + b\n"},
		head:  "bbb222",
	}
	svc := newTestService(t, store, &fakeBackfiller{}, git)

	run, err := svc.IngestURL(context.Background(), "https://example.com/acme/demo-repo", "main")
	require.NoError(t, err)
	assert.False(t, run.Incremental)
	require.Len(t, git.clones, 1)
	assert.Equal(t, 1, git.clones[0].Depth)
}

func TestConcurrentIngestRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("x = 1\n"), 0o644))

	svc := newTestService(t, &fakeGraph{}, &fakeBackfiller{}, &fakeGit{})
	require.NoError(t, svc.acquire(filepath.Base(dir)))
	defer svc.release(filepath.Base(dir))

	_, err := svc.IngestDir(context.Background(), dir, filepath.Base(dir))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestIngestFailureRecordsState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("x = 1\n"), 0o644))

	store := &fakeGraph{ingestErr: errors.New("connection refused")}
	svc := newTestService(t, store, &fakeBackfiller{}, &fakeGit{})

	run, err := svc.IngestDir(context.Background(), dir, "demo")
	require.Error(t, err)
	assert.Equal(t, StateFailed, run.State)
	assert.Contains(t, run.Error, "connection refused")

	got, ok := svc.RunByID(run.ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, got.State)
}
