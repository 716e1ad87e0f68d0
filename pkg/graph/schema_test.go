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
	"testing"
)

func TestStableIDShapes(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"repository", RepositoryID("demo"), "repo:demo"},
		{"file", FileID("demo", "src/app.py"), "demo:src/app.py:file"},
		{"file normalized", FileID("demo", "./src\\app.py"), "demo:src/app.py:file"},
		{"module", ModuleID("demo", "src/app.py", "app"), "demo:src/app.py:module:app"},
		{"class", ClassID("demo", "app.py", "Server"), "demo:app.py:class:Server"},
		{"function", FunctionID("demo", "app.py", "add"), "demo:app.py:function:add"},
		{"method", MethodID("demo", "app.py", "Server", "start"), "demo:app.py:method:Server:start"},
		{"variable", VariableID("demo", "app.py", "DEBUG", 3), "demo:app.py:variable:DEBUG:3"},
		{"doc", DocID("demo", "app.py", "docstring:1"), "demo:app.py:doc:docstring:1"},
		{"test", TestID("demo", "test_app.py", "test_add"), "demo:test_app.py:test:test_add"},
		{"package", PackageID("requests"), "package:requests"},
		{"commit", CommitID("demo", "abc123"), "demo:commit:abc123"},
		{"person email", PersonID("Ada", "Ada@Example.COM"), "person:ada@example.com"},
		{"person slug", PersonID("Ada Lovelace", ""), "person:ada-lovelace"},
		{"pull request", PullRequestID("demo", 42), "demo:pr:42"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestStableIDsDeterministic(t *testing.T) {
	a := FunctionID("demo", "lib/core.py", "run")
	b := FunctionID("demo", "lib/core.py", "run")
	if a != b {
		t.Errorf("FunctionID not deterministic: %q vs %q", a, b)
	}
}

func TestFileOwnedPrefix(t *testing.T) {
	prefix := FileOwnedPrefix("demo", "./lib/core.py")
	if prefix != "demo:lib/core.py:" {
		t.Errorf("unexpected prefix: %q", prefix)
	}

	// Every file-scoped node ID must fall under the prefix.
	ids := []string{
		FileID("demo", "lib/core.py"),
		ClassID("demo", "lib/core.py", "Core"),
		FunctionID("demo", "lib/core.py", "run"),
		VariableID("demo", "lib/core.py", "x", 10),
		DocID("demo", "lib/core.py", "docstring:1"),
		TestID("demo", "lib/core.py", "test_run"),
	}
	for _, id := range ids {
		if len(id) < len(prefix) || id[:len(prefix)] != prefix {
			t.Errorf("id %q does not share file prefix %q", id, prefix)
		}
	}
}

func TestBatchDedupedNodesKeepsLast(t *testing.T) {
	var b Batch
	b.AddNode(Node{ID: "demo:app.py:file", Label: LabelFile, Props: map[string]any{"stub": true}})
	b.AddNode(Node{ID: "x", Label: LabelFile})
	b.AddNode(Node{ID: "demo:app.py:file", Label: LabelFile, Props: map[string]any{"language": "python"}})

	nodes := b.DedupedNodes()
	if len(nodes) != 2 {
		t.Fatalf("expected 2 deduped nodes, got %d", len(nodes))
	}
	if nodes[0].Props["language"] != "python" {
		t.Errorf("dedupe should keep the last (richer) record, got %v", nodes[0].Props)
	}
}

func TestBatchDedupedEdges(t *testing.T) {
	e := Edge{FromID: "a", FromLabel: LabelFile, ToID: "b", ToLabel: LabelRepository, Type: RelBelongsTo}
	var b Batch
	b.AddEdge(e)
	b.AddEdge(e)
	b.AddEdge(Edge{FromID: "a", FromLabel: LabelFile, ToID: "b", ToLabel: LabelRepository, Type: RelHasFile})

	if got := len(b.DedupedEdges()); got != 2 {
		t.Errorf("expected 2 deduped edges, got %d", got)
	}
}

func TestVectorIndexName(t *testing.T) {
	if got := LabelFunction.VectorIndexName(); got != "function_embedding_index" {
		t.Errorf("unexpected index name: %q", got)
	}
	if got := LabelPullRequest.VectorIndexName(); got != "pullrequest_embedding_index" {
		t.Errorf("unexpected index name: %q", got)
	}
}

func TestIsEmbeddable(t *testing.T) {
	if !LabelCommit.IsEmbeddable() {
		t.Error("Commit should be embeddable")
	}
	if LabelVariable.IsEmbeddable() {
		t.Error("Variable should not be embeddable")
	}
	if LabelPerson.IsEmbeddable() {
		t.Error("Person should not be embeddable")
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Ada Lovelace":    "ada-lovelace",
		"  John  Smith  ": "john-smith",
		"a__b..c":         "a-b-c",
		"":                "",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
