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
	"fmt"
	"path/filepath"
	"strings"
)

// Label identifies a node label in the property graph.
type Label string

// Node labels. Every label has a UNIQUE(id) constraint; the embeddable
// subset additionally carries a vector index (see EmbeddableLabels).
const (
	LabelRepository  Label = "Repository"
	LabelFile        Label = "File"
	LabelModule      Label = "Module"
	LabelClass       Label = "Class"
	LabelFunction    Label = "Function"
	LabelVariable    Label = "Variable"
	LabelDoc         Label = "Doc"
	LabelTest        Label = "Test"
	LabelPackage     Label = "Package"
	LabelCommit      Label = "Commit"
	LabelPerson      Label = "Person"
	LabelPullRequest Label = "PullRequest"
)

// AllLabels lists every label with a uniqueness constraint.
var AllLabels = []Label{
	LabelRepository, LabelFile, LabelModule, LabelClass, LabelFunction,
	LabelVariable, LabelDoc, LabelTest, LabelPackage, LabelCommit,
	LabelPerson, LabelPullRequest,
}

// EmbeddableLabels lists the labels that carry a vector index on the
// `embedding` property.
var EmbeddableLabels = []Label{
	LabelFile, LabelModule, LabelClass, LabelFunction, LabelDoc, LabelCommit,
}

// IsEmbeddable reports whether nodes with this label can carry an embedding.
func (l Label) IsEmbeddable() bool {
	for _, el := range EmbeddableLabels {
		if l == el {
			return true
		}
	}
	return false
}

// VectorIndexName returns the name of the vector index for this label, e.g.
// "function_embedding_index" for Function.
func (l Label) VectorIndexName() string {
	return strings.ToLower(string(l)) + "_embedding_index"
}

// RelType identifies a directed relationship type.
type RelType string

// Relationship types.
const (
	RelHasFile          RelType = "HAS_FILE"
	RelHasModule        RelType = "HAS_MODULE"
	RelHasClass         RelType = "HAS_CLASS"
	RelHasFunction      RelType = "HAS_FUNCTION"
	RelHasMethod        RelType = "HAS_METHOD"
	RelHasVariable      RelType = "HAS_VARIABLE"
	RelHasDoc           RelType = "HAS_DOC"
	RelHasTest          RelType = "HAS_TEST"
	RelContainsClass    RelType = "CONTAINS_CLASS"
	RelContainsFunction RelType = "CONTAINS_FUNCTION"
	RelDefinedIn        RelType = "DEFINED_IN"
	RelImports          RelType = "IMPORTS"
	RelDependsOn        RelType = "DEPENDS_ON"
	RelCalls            RelType = "CALLS"
	RelUsesVariable     RelType = "USES_VARIABLE"
	RelTouched          RelType = "TOUCHED"
	RelAuthoredBy       RelType = "AUTHORED_BY"
	RelBelongsTo        RelType = "BELONGS_TO"
	RelCreatedBy        RelType = "CREATED_BY"
	RelMergedTo         RelType = "MERGED_TO"
	RelReferences       RelType = "REFERENCES"
	RelRelatedTo        RelType = "RELATED_TO"
	RelIncludes         RelType = "INCLUDES"
)

// Node is one node record in an in-memory batch. Props must be
// sanitizable (primitives, lists of primitives, or values the sanitizer
// can convert); the ID is the sole correlation key across runs.
type Node struct {
	ID    string
	Label Label
	Props map[string]any
}

// Edge is one directed relationship record. Both endpoints are referenced
// by stable ID; the edge is only written after both endpoints exist.
type Edge struct {
	FromID    string
	FromLabel Label
	ToID      string
	ToLabel   Label
	Type      RelType
}

// Batch is a flat node/edge accumulator. It deliberately holds no
// parent-child object pointers: the graph may contain cycles but the batch
// must not. Nodes are deduplicated by ID at flush time.
type Batch struct {
	Nodes []Node
	Edges []Edge
}

// AddNode appends a node to the batch.
func (b *Batch) AddNode(n Node) {
	b.Nodes = append(b.Nodes, n)
}

// AddEdge appends an edge to the batch.
func (b *Batch) AddEdge(e Edge) {
	b.Edges = append(b.Edges, e)
}

// Merge appends all nodes and edges from other into b.
func (b *Batch) Merge(other *Batch) {
	if other == nil {
		return
	}
	b.Nodes = append(b.Nodes, other.Nodes...)
	b.Edges = append(b.Edges, other.Edges...)
}

// DedupedNodes returns the batch nodes with duplicates removed, keeping the
// last occurrence of each ID so that later, richer records win over stubs.
func (b *Batch) DedupedNodes() []Node {
	index := make(map[string]int, len(b.Nodes))
	out := make([]Node, 0, len(b.Nodes))
	for _, n := range b.Nodes {
		if i, ok := index[n.ID]; ok {
			out[i] = n
			continue
		}
		index[n.ID] = len(out)
		out = append(out, n)
	}
	return out
}

// DedupedEdges returns the batch edges with exact duplicates removed.
func (b *Batch) DedupedEdges() []Edge {
	seen := make(map[Edge]bool, len(b.Edges))
	out := make([]Edge, 0, len(b.Edges))
	for _, e := range b.Edges {
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// NormalizePath normalizes a repository-relative path for ID formation:
// forward slashes, no leading "./", no leading slash.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	if strings.HasPrefix(path, "./") {
		path = path[2:]
	}
	path = filepath.ToSlash(filepath.Clean(path))
	path = strings.TrimPrefix(path, "/")
	return path
}

// Stable ID constructors. These shapes are the correlation contract across
// ingestion runs; changing any of them orphans previously written nodes.

// RepositoryID returns "repo:{repo_name}".
func RepositoryID(repoName string) string {
	return "repo:" + repoName
}

// FileID returns "{repo_name}:{path}:file".
func FileID(repoName, path string) string {
	return fmt.Sprintf("%s:%s:file", repoName, NormalizePath(path))
}

// ModuleID returns "{repo_name}:{path}:module:{name}".
func ModuleID(repoName, path, name string) string {
	return fmt.Sprintf("%s:%s:module:%s", repoName, NormalizePath(path), name)
}

// ClassID returns "{repo_name}:{path}:class:{name}".
func ClassID(repoName, path, name string) string {
	return fmt.Sprintf("%s:%s:class:%s", repoName, NormalizePath(path), name)
}

// FunctionID returns "{repo_name}:{path}:function:{name}".
func FunctionID(repoName, path, name string) string {
	return fmt.Sprintf("%s:%s:function:%s", repoName, NormalizePath(path), name)
}

// MethodID returns "{repo_name}:{path}:method:{class}:{name}".
func MethodID(repoName, path, className, name string) string {
	return fmt.Sprintf("%s:%s:method:%s:%s", repoName, NormalizePath(path), className, name)
}

// VariableID returns "{repo_name}:{path}:variable:{name}:{line}".
func VariableID(repoName, path, name string, line int) string {
	return fmt.Sprintf("%s:%s:variable:%s:%d", repoName, NormalizePath(path), name, line)
}

// DocID returns "{repo_name}:{path}:doc:{anchor}".
func DocID(repoName, path, anchor string) string {
	return fmt.Sprintf("%s:%s:doc:%s", repoName, NormalizePath(path), anchor)
}

// TestID returns "{repo_name}:{path}:test:{name}".
func TestID(repoName, path, name string) string {
	return fmt.Sprintf("%s:%s:test:%s", repoName, NormalizePath(path), name)
}

// PackageID returns "package:{name}". Package nodes are shared across
// files and repositories; the last written version wins.
func PackageID(name string) string {
	return "package:" + name
}

// CommitID returns "{repo_name}:commit:{sha}".
func CommitID(repoName, sha string) string {
	return fmt.Sprintf("%s:commit:%s", repoName, sha)
}

// PersonID returns "person:{email-or-slug}". Authors deduplicate on
// lowercased email; when the email is empty a slug of the name is used.
func PersonID(name, email string) string {
	key := strings.ToLower(strings.TrimSpace(email))
	if key == "" {
		key = Slugify(name)
	}
	return "person:" + key
}

// PullRequestID returns "{repo_name}:pr:{number}".
func PullRequestID(repoName string, number int) string {
	return fmt.Sprintf("%s:pr:%d", repoName, number)
}

// FileOwnedPrefix returns the ID prefix owned by a file path. Every node
// whose ID starts with this prefix is deleted together when the file is
// re-ingested.
func FileOwnedPrefix(repoName, path string) string {
	return fmt.Sprintf("%s:%s:", repoName, NormalizePath(path))
}

// Slugify lowercases s and replaces runs of non-alphanumeric characters
// with single dashes.
func Slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
