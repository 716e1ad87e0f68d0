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

package analyzer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/codectx/pkg/gitutil"
	"github.com/kraklabs/codectx/pkg/graph"
	"github.com/kraklabs/codectx/pkg/parser"
)

func newTestAnalyzer(t *testing.T, cfg Config) *Analyzer {
	t.Helper()
	return New(parser.NewRegistry(nil), gitutil.NewClient(nil), cfg, nil)
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func batchNode(b *graph.Batch, id string) (graph.Node, bool) {
	for _, n := range b.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return graph.Node{}, false
}

func TestAnalyzeDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.py", "def add(a, b):\n    return a + b\n")
	writeFile(t, dir, "README.md", "# Demo\nA demo repository.\n")
	writeFile(t, dir, "notes.txt", "not source\n")
	writeFile(t, dir, "node_modules/dep/index.js", "module.exports = 1;\n")
	writeFile(t, dir, ".cache/tmp.py", "x = 1\n")

	a := newTestAnalyzer(t, Config{})
	result, err := a.AnalyzeDir(context.Background(), dir, "demo")
	require.NoError(t, err)

	assert.Equal(t, "demo", result.Repo.Name)
	assert.Equal(t, 1, result.Stats.FilesParsed)
	assert.Zero(t, result.Stats.ParseFailures)

	repo, ok := batchNode(result.Batch, "repo:demo")
	require.True(t, ok)
	assert.Equal(t, "demo", repo.Props["name"])

	_, ok = batchNode(result.Batch, "demo:app.py:file")
	assert.True(t, ok)
	_, ok = batchNode(result.Batch, "demo:app.py:function:add")
	assert.True(t, ok)

	// node_modules and dot-directories never contribute files
	_, ok = batchNode(result.Batch, "demo:node_modules/dep/index.js:file")
	assert.False(t, ok)
	_, ok = batchNode(result.Batch, "demo:.cache/tmp.py:file")
	assert.False(t, ok)

	readme, ok := batchNode(result.Batch, "demo:README.md:doc:readme")
	require.True(t, ok)
	assert.Equal(t, "README", readme.Props["type"])
	assert.Contains(t, readme.Props["text"], "A demo repository.")
}

func TestAnalyzeDirExcludeGlobs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/app.py", "x = 1\n")
	writeFile(t, dir, "src/schema_gen.py", "y = 2\n")

	a := newTestAnalyzer(t, Config{Exclude: []string{"**/*_gen.py"}})
	result, err := a.AnalyzeDir(context.Background(), dir, "demo")
	require.NoError(t, err)

	_, ok := batchNode(result.Batch, "demo:src/app.py:file")
	assert.True(t, ok)
	_, ok = batchNode(result.Batch, "demo:src/schema_gen.py:file")
	assert.False(t, ok)
}

func TestReadmeTruncation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", strings.Repeat("a", readmeMaxBytes+100))

	a := newTestAnalyzer(t, Config{})
	result, err := a.AnalyzeDir(context.Background(), dir, "demo")
	require.NoError(t, err)

	readme, ok := batchNode(result.Batch, "demo:README.md:doc:readme")
	require.True(t, ok)
	text := readme.Props["text"].(string)
	assert.True(t, strings.HasSuffix(text, truncatedMarker))
	assert.Len(t, text, readmeMaxBytes+len(truncatedMarker))
}

func TestReadmeCandidateOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.txt", "plain text readme")
	writeFile(t, dir, "README.md", "markdown readme")

	a := newTestAnalyzer(t, Config{})
	result, err := a.AnalyzeDir(context.Background(), dir, "demo")
	require.NoError(t, err)

	readme, ok := batchNode(result.Batch, "demo:README.md:doc:readme")
	require.True(t, ok)
	assert.Equal(t, "markdown readme", readme.Props["text"])
	_, ok = batchNode(result.Batch, "demo:README.txt:doc:readme")
	assert.False(t, ok)
}

func testCommit(sha, email string, files []string) gitutil.Commit {
	return gitutil.Commit{
		SHA:         sha,
		AuthorName:  "Ada Lovelace",
		AuthorEmail: email,
		When:        time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		Message:     "fix parser edge case",
		Insertions:  12,
		Deletions:   3,
		Files:       files,
	}
}

func TestCommitBatch(t *testing.T) {
	ci := NewCommitIngester(gitutil.NewClient(nil), nil)
	batch := &graph.Batch{}
	ci.addCommit(batch, "demo", testCommit("abc123", "Ada@Example.com", []string{"src/a.py", "src/b.py"}))

	commit, ok := batchNode(batch, "demo:commit:abc123")
	require.True(t, ok)
	assert.Equal(t, "abc123", commit.Props["sha"])
	assert.Equal(t, []string{"src/a.py", "src/b.py"}, commit.Props["files_changed"])

	content := commit.Props["content"].(string)
	assert.Contains(t, content, "Commit: abc123")
	assert.Contains(t, content, "Author: Ada Lovelace <Ada@Example.com>")
	assert.Contains(t, content, "Repo: demo")
	assert.Contains(t, content, "Message: fix parser edge case")
	assert.Contains(t, content, "Scope: 2 files changed, +12 -3")

	// lowercased email forms the person id
	person, ok := batchNode(batch, "person:ada@example.com")
	require.True(t, ok)
	assert.Equal(t, "ada@example.com", person.Props["email"])

	var touched, belongs int
	for _, e := range batch.Edges {
		switch e.Type {
		case graph.RelTouched:
			touched++
		case graph.RelBelongsTo:
			belongs++
		}
	}
	assert.Equal(t, 2, touched)
	assert.Equal(t, 3, belongs, "commit and both file stubs belong to the repo")
}

func TestCommitSummaryFileCap(t *testing.T) {
	files := make([]string, 60)
	for i := range files {
		files[i] = fmt.Sprintf("src/file%02d.py", i)
	}
	commit := testCommit("deadbeefcafe", "ada@example.com", files)

	summary := CommitSummary("demo", commit)
	assert.Contains(t, summary, "Commit: deadbeef")
	assert.Contains(t, summary, "(and 10 more)")
	assert.Contains(t, summary, "Scope: 60 files changed")

	ci := NewCommitIngester(gitutil.NewClient(nil), nil)
	batch := &graph.Batch{}
	ci.addCommit(batch, "demo", commit)

	touched := 0
	for _, e := range batch.Edges {
		if e.Type == graph.RelTouched {
			touched++
		}
	}
	assert.Equal(t, 60, touched, "every touched file gets an edge even past the prose cap")
}

func TestPersonDedupAcrossCommits(t *testing.T) {
	ci := NewCommitIngester(gitutil.NewClient(nil), nil)
	batch := &graph.Batch{}
	ci.addCommit(batch, "demo", testCommit("sha1", "ADA@example.com", nil))
	ci.addCommit(batch, "demo", testCommit("sha2", "ada@EXAMPLE.com", nil))

	people := 0
	for _, n := range batch.DedupedNodes() {
		if n.Label == graph.LabelPerson {
			people++
		}
	}
	assert.Equal(t, 1, people)
}
