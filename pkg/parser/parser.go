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

// Package parser turns single source files into graph batches. One parser
// per language, dispatched by file extension; all parsers are deterministic
// so that identical bytes produce identical node ids across runs.
package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/kraklabs/codectx/pkg/graph"
)

// FileCommit is the most recent commit touching a file, resolved by the
// caller from local git history before parsing.
type FileCommit struct {
	SHA         string
	AuthorName  string
	AuthorEmail string
	When        time.Time
	Message     string
}

// Context is the repository-level context a parser works under.
type Context struct {
	RepoName string
	SHA      string

	// LastCommit links the file to the commit that last touched it.
	// Nil when history is unavailable (e.g. parsing loose files).
	LastCommit *FileCommit
}

// Parser parses one source file into a graph batch.
type Parser interface {
	Language() string
	Extensions() []string
	ParseFile(path string, content []byte, rc Context) (*graph.Batch, error)
}

// Registry dispatches parsers by file extension.
type Registry struct {
	byExt  map[string]Parser
	logger *slog.Logger
}

// NewRegistry builds a registry with all built-in language parsers.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{byExt: map[string]Parser{}, logger: logger}
	r.Register(newPythonParser(logger))
	r.Register(newGoParser(logger))
	r.Register(newTypeScriptParser(logger))
	r.Register(newJavaScriptParser(logger))
	return r
}

// Register maps every extension of p to p, overriding earlier claims.
func (r *Registry) Register(p Parser) {
	for _, ext := range p.Extensions() {
		r.byExt[ext] = p
	}
}

// ForPath returns the parser responsible for path's extension.
func (r *Registry) ForPath(path string) (Parser, bool) {
	p, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return p, ok
}

// Extensions lists every registered extension.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	return out
}

const snippetMaxLines = 5

// fileBuilder accumulates the per-file subgraph while a language parser
// walks the AST. All ids flow through the shared id constructors so every
// node stays inside the file-owned prefix.
type fileBuilder struct {
	batch    *graph.Batch
	rc       Context
	path     string
	language string
	content  []byte
	lines    []string

	repoID string
	fileID string
}

func newFileBuilder(path string, content []byte, rc Context, language string) *fileBuilder {
	path = graph.NormalizePath(path)
	b := &fileBuilder{
		batch:    &graph.Batch{},
		rc:       rc,
		path:     path,
		language: language,
		content:  content,
		lines:    strings.Split(string(content), "\n"),
		repoID:   graph.RepositoryID(rc.RepoName),
		fileID:   graph.FileID(rc.RepoName, path),
	}
	b.addFileNode()
	b.addLastCommit()
	return b
}

func (b *fileBuilder) addFileNode() {
	sum := sha256.Sum256(b.content)
	b.batch.AddNode(graph.Node{
		ID:    b.fileID,
		Label: graph.LabelFile,
		Props: map[string]any{
			"path":       b.path,
			"name":       filepath.Base(b.path),
			"language":   b.language,
			"sha":        hex.EncodeToString(sum[:]),
			"line_count": len(b.lines),
			"content":    snippetFrom(b.lines, 1, 40),
		},
	})
	b.batch.AddEdge(graph.Edge{
		FromID: b.repoID, FromLabel: graph.LabelRepository,
		ToID: b.fileID, ToLabel: graph.LabelFile,
		Type: graph.RelHasFile,
	})
	b.batch.AddEdge(graph.Edge{
		FromID: b.fileID, FromLabel: graph.LabelFile,
		ToID: b.repoID, ToLabel: graph.LabelRepository,
		Type: graph.RelBelongsTo,
	})
}

func (b *fileBuilder) addLastCommit() {
	c := b.rc.LastCommit
	if c == nil || c.SHA == "" {
		return
	}
	commitID := graph.CommitID(b.rc.RepoName, c.SHA)
	b.batch.AddNode(graph.Node{
		ID:    commitID,
		Label: graph.LabelCommit,
		Props: map[string]any{
			"sha":          c.SHA,
			"author_name":  c.AuthorName,
			"author_email": c.AuthorEmail,
			"committed_at": c.When,
			"message":      c.Message,
		},
	})
	b.batch.AddEdge(graph.Edge{
		FromID: commitID, FromLabel: graph.LabelCommit,
		ToID: b.fileID, ToLabel: graph.LabelFile,
		Type: graph.RelTouched,
	})
	b.batch.AddEdge(graph.Edge{
		FromID: commitID, FromLabel: graph.LabelCommit,
		ToID: b.repoID, ToLabel: graph.LabelRepository,
		Type: graph.RelBelongsTo,
	})
}

func (b *fileBuilder) addClass(name, snippet string, startLine, endLine int) string {
	id := graph.ClassID(b.rc.RepoName, b.path, name)
	b.batch.AddNode(graph.Node{
		ID:    id,
		Label: graph.LabelClass,
		Props: map[string]any{
			"name":       name,
			"start_line": startLine,
			"end_line":   endLine,
			"snippet":    snippet,
		},
	})
	b.batch.AddEdge(graph.Edge{
		FromID: b.fileID, FromLabel: graph.LabelFile,
		ToID: id, ToLabel: graph.LabelClass,
		Type: graph.RelContainsClass,
	})
	b.batch.AddEdge(graph.Edge{
		FromID: id, FromLabel: graph.LabelClass,
		ToID: b.fileID, ToLabel: graph.LabelFile,
		Type: graph.RelDefinedIn,
	})
	return id
}

func (b *fileBuilder) addFunction(name, signature, snippet string, startLine, endLine int) string {
	id := graph.FunctionID(b.rc.RepoName, b.path, name)
	b.batch.AddNode(graph.Node{
		ID:    id,
		Label: graph.LabelFunction,
		Props: map[string]any{
			"name":       name,
			"signature":  signature,
			"start_line": startLine,
			"end_line":   endLine,
			"is_method":  false,
			"snippet":    snippet,
		},
	})
	b.batch.AddEdge(graph.Edge{
		FromID: b.fileID, FromLabel: graph.LabelFile,
		ToID: id, ToLabel: graph.LabelFunction,
		Type: graph.RelContainsFunction,
	})
	b.batch.AddEdge(graph.Edge{
		FromID: id, FromLabel: graph.LabelFunction,
		ToID: b.fileID, ToLabel: graph.LabelFile,
		Type: graph.RelDefinedIn,
	})
	return id
}

func (b *fileBuilder) addMethod(classID, className, name, signature, snippet string, startLine, endLine int) string {
	id := graph.MethodID(b.rc.RepoName, b.path, className, name)
	b.batch.AddNode(graph.Node{
		ID:    id,
		Label: graph.LabelFunction,
		Props: map[string]any{
			"name":       name,
			"signature":  signature,
			"start_line": startLine,
			"end_line":   endLine,
			"is_method":  true,
			"class":      className,
			"snippet":    snippet,
		},
	})
	b.batch.AddEdge(graph.Edge{
		FromID: classID, FromLabel: graph.LabelClass,
		ToID: id, ToLabel: graph.LabelFunction,
		Type: graph.RelHasMethod,
	})
	b.batch.AddEdge(graph.Edge{
		FromID: id, FromLabel: graph.LabelFunction,
		ToID: b.fileID, ToLabel: graph.LabelFile,
		Type: graph.RelDefinedIn,
	})
	return id
}

func (b *fileBuilder) addVariable(name, kind string, line int) {
	id := graph.VariableID(b.rc.RepoName, b.path, name, line)
	b.batch.AddNode(graph.Node{
		ID:    id,
		Label: graph.LabelVariable,
		Props: map[string]any{
			"name":       name,
			"kind":       kind,
			"start_line": line,
		},
	})
	b.batch.AddEdge(graph.Edge{
		FromID: b.fileID, FromLabel: graph.LabelFile,
		ToID: id, ToLabel: graph.LabelVariable,
		Type: graph.RelHasVariable,
	})
}

func (b *fileBuilder) addDoc(anchor, docType, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	id := graph.DocID(b.rc.RepoName, b.path, anchor)
	b.batch.AddNode(graph.Node{
		ID:    id,
		Label: graph.LabelDoc,
		Props: map[string]any{
			"type": docType,
			"text": text,
		},
	})
	b.batch.AddEdge(graph.Edge{
		FromID: b.fileID, FromLabel: graph.LabelFile,
		ToID: id, ToLabel: graph.LabelDoc,
		Type: graph.RelHasDoc,
	})
	b.batch.AddEdge(graph.Edge{
		FromID: id, FromLabel: graph.LabelDoc,
		ToID: b.fileID, ToLabel: graph.LabelFile,
		Type: graph.RelDefinedIn,
	})
}

func (b *fileBuilder) addTest(name, kind string) {
	id := graph.TestID(b.rc.RepoName, b.path, name)
	b.batch.AddNode(graph.Node{
		ID:    id,
		Label: graph.LabelTest,
		Props: map[string]any{
			"name": name,
			"kind": kind,
		},
	})
	b.batch.AddEdge(graph.Edge{
		FromID: b.fileID, FromLabel: graph.LabelFile,
		ToID: id, ToLabel: graph.LabelTest,
		Type: graph.RelHasTest,
	})
	b.batch.AddEdge(graph.Edge{
		FromID: id, FromLabel: graph.LabelTest,
		ToID: b.fileID, ToLabel: graph.LabelFile,
		Type: graph.RelDefinedIn,
	})
}

func (b *fileBuilder) addImport(importPath string) {
	pkg := PackageRoot(importPath)
	if pkg == "" {
		return
	}
	id := graph.PackageID(pkg)
	b.batch.AddNode(graph.Node{
		ID:    id,
		Label: graph.LabelPackage,
		Props: map[string]any{"name": pkg},
	})
	b.batch.AddEdge(graph.Edge{
		FromID: b.fileID, FromLabel: graph.LabelFile,
		ToID: id, ToLabel: graph.LabelPackage,
		Type: graph.RelImports,
	})
}

func (b *fileBuilder) addModule(name, pkg string) string {
	id := graph.ModuleID(b.rc.RepoName, b.path, name)
	b.batch.AddNode(graph.Node{
		ID:    id,
		Label: graph.LabelModule,
		Props: map[string]any{
			"name":    name,
			"package": pkg,
		},
	})
	b.batch.AddEdge(graph.Edge{
		FromID: b.fileID, FromLabel: graph.LabelFile,
		ToID: id, ToLabel: graph.LabelModule,
		Type: graph.RelHasModule,
	})
	return id
}

// snippet extracts at most snippetMaxLines lines starting at the node's
// first line. Lines are 1-indexed.
func (b *fileBuilder) snippet(startLine int) string {
	return snippetFrom(b.lines, startLine, snippetMaxLines)
}

func snippetFrom(lines []string, startLine, maxLines int) string {
	if startLine < 1 {
		startLine = 1
	}
	if startLine > len(lines) {
		return ""
	}
	end := startLine - 1 + maxLines
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[startLine-1:end], "\n")
}

// PackageRoot reduces an import path to the package it belongs to: the
// first segment, or the first two for scoped packages like "@acme/ui".
func PackageRoot(importPath string) string {
	importPath = strings.TrimSpace(strings.Trim(importPath, `"'`))
	if importPath == "" || strings.HasPrefix(importPath, ".") {
		return ""
	}
	if strings.HasPrefix(importPath, "@") {
		parts := strings.SplitN(importPath, "/", 3)
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
		return parts[0]
	}
	seg := importPath
	if i := strings.Index(seg, "/"); i > 0 {
		seg = seg[:i]
	} else if i := strings.Index(seg, "."); i > 0 {
		// Dotted module path (Python style): keep the root module.
		seg = seg[:i]
	}
	return seg
}

// IsTestPath reports whether a path looks like a test file for any
// supported language.
func IsTestPath(path string) bool {
	path = graph.NormalizePath(path)
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"),
		strings.HasSuffix(base, "_test.py"),
		strings.HasSuffix(base, ".test.ts"), strings.HasSuffix(base, ".test.js"),
		strings.HasSuffix(base, ".spec.ts"), strings.HasSuffix(base, ".spec.js"),
		strings.HasSuffix(base, ".test.tsx"), strings.HasSuffix(base, ".spec.tsx"):
		return true
	}
	for _, part := range strings.Split(path, "/") {
		if part == "test" || part == "tests" || part == "__tests__" {
			return true
		}
	}
	return false
}

// testKind classifies a test by its path.
func testKind(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "e2e"):
		return "e2e"
	case strings.Contains(lower, "integration"):
		return "integration"
	default:
		return "unit"
	}
}

func nodeText(n *sitter.Node, content []byte) string {
	if n == nil {
		return ""
	}
	return string(content[n.StartByte():n.EndByte()])
}

func startLine(n *sitter.Node) int { return int(n.StartPoint().Row) + 1 }
func endLine(n *sitter.Node) int   { return int(n.EndPoint().Row) + 1 }

// parseTree runs tree-sitter over content; the language is carried by the
// configured parser instance. Parsers are not thread-safe, so every call
// uses a fresh one.
func parseTree(lang *sitter.Language, content []byte) (*sitter.Tree, error) {
	p := sitter.NewParser()
	p.SetLanguage(lang)
	tree, err := p.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	return tree, nil
}
