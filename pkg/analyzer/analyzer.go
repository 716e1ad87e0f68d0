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

// Package analyzer walks a repository working tree, dispatches source
// files to the language parsers and assembles one consolidated graph
// batch. It also materializes commit history into the batch format.
package analyzer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kraklabs/codectx/pkg/gitutil"
	"github.com/kraklabs/codectx/pkg/graph"
	"github.com/kraklabs/codectx/pkg/parser"
)

const (
	readmeMaxBytes  = 50 * 1024
	truncatedMarker = "\n...[truncated]"
)

var readmeCandidates = []string{"README.md", "README.rst", "README.txt", "README", "readme.md"}

// Always-skipped directory names: VCS metadata, dependency folders, build
// outputs and IDE state.
var ignoredDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true,
	"node_modules": true, "vendor": true, "bower_components": true,
	"venv": true, ".venv": true, "env": true, "__pycache__": true,
	".pytest_cache": true, ".mypy_cache": true, ".tox": true, ".eggs": true,
	"site-packages": true, "dist": true, "build": true, "target": true,
	"out": true, ".idea": true, ".vscode": true,
}

// RepoInfo is the repository-level metadata read from the working tree.
type RepoInfo struct {
	Name          string
	URL           string
	Owner         string
	FullName      string
	DefaultBranch string
	HeadSHA       string
}

// Stats counts the outcome of a whole-repo analysis.
type Stats struct {
	FilesParsed   int
	FilesSkipped  int
	ParseFailures int
}

// Result is a consolidated analysis: repository metadata plus the full
// graph batch for every parsed file.
type Result struct {
	Repo  RepoInfo
	Batch *graph.Batch
	Stats Stats
}

// Analyzer orchestrates whole-repository parsing.
type Analyzer struct {
	registry *parser.Registry
	git      *gitutil.Client
	exclude  []string
	logger   *slog.Logger
}

// Config tunes analyzer behavior.
type Config struct {
	// Exclude holds doublestar glob patterns matched against
	// repository-relative paths; matching files are skipped.
	Exclude []string `yaml:"exclude"`
}

func New(registry *parser.Registry, git *gitutil.Client, cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		registry: registry,
		git:      git,
		exclude:  cfg.Exclude,
		logger:   logger,
	}
}

// AnalyzeDir parses every supported file under dir into one batch.
// repoName may be empty, in which case it is derived from the remote URL
// or the directory name.
func (a *Analyzer) AnalyzeDir(ctx context.Context, dir, repoName string) (*Result, error) {
	info, err := a.ReadRepoInfo(ctx, dir, repoName)
	if err != nil {
		return nil, err
	}

	result := &Result{Repo: info, Batch: &graph.Batch{}}
	result.Batch.AddNode(RepositoryNode(info))
	a.AddReadme(dir, info.Name, result.Batch)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		rel = graph.NormalizePath(rel)

		if d.IsDir() {
			if path != dir && a.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if a.excluded(rel) {
			result.Stats.FilesSkipped++
			return nil
		}
		langParser, ok := a.registry.ForPath(rel)
		if !ok {
			result.Stats.FilesSkipped++
			return nil
		}

		batch, parseErr := a.ParseOne(ctx, dir, rel, info, langParser)
		if parseErr != nil {
			result.Stats.ParseFailures++
			a.logger.Warn("analyze.file.failed",
				"repo", info.Name,
				"path", rel,
				"error", parseErr,
			)
			return nil
		}
		result.Batch.Merge(batch)
		result.Stats.FilesParsed++
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, walkErr)
	}

	a.logger.Info("analyze.complete",
		"repo", info.Name,
		"files_parsed", result.Stats.FilesParsed,
		"files_skipped", result.Stats.FilesSkipped,
		"parse_failures", result.Stats.ParseFailures,
		"nodes", len(result.Batch.Nodes),
		"edges", len(result.Batch.Edges),
	)
	return result, nil
}

// ParseOne parses a single repository-relative file, resolving its latest
// commit from local history when available.
func (a *Analyzer) ParseOne(ctx context.Context, dir, rel string, info RepoInfo, langParser parser.Parser) (*graph.Batch, error) {
	content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	rc := parser.Context{RepoName: info.Name, SHA: info.HeadSHA}
	if commit, cerr := a.git.LatestCommitForFile(ctx, dir, rel); cerr == nil && commit != nil {
		rc.LastCommit = &parser.FileCommit{
			SHA:         commit.SHA,
			AuthorName:  commit.AuthorName,
			AuthorEmail: commit.AuthorEmail,
			When:        commit.When,
			Message:     commit.Message,
		}
	}
	return langParser.ParseFile(rel, content, rc)
}

// ParserFor exposes registry dispatch for callers driving per-file
// parsing themselves.
func (a *Analyzer) ParserFor(path string) (parser.Parser, bool) {
	return a.registry.ForPath(path)
}

func (a *Analyzer) skipDir(name string) bool {
	if ignoredDirs[name] {
		return true
	}
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

func (a *Analyzer) excluded(rel string) bool {
	for _, pattern := range a.exclude {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// ReadRepoInfo reads git metadata from the working tree. Missing values
// degrade to defaults: branch "main", name from the directory.
func (a *Analyzer) ReadRepoInfo(ctx context.Context, dir, repoName string) (RepoInfo, error) {
	if _, err := os.Stat(dir); err != nil {
		return RepoInfo{}, fmt.Errorf("repository dir: %w", err)
	}

	info := RepoInfo{Name: repoName, DefaultBranch: "main"}

	if url, err := a.git.RemoteURL(ctx, dir); err == nil && url != "" {
		info.URL = gitutil.NormalizeURL(url)
		if info.Name == "" {
			info.Name = gitutil.RepoNameFromURL(info.URL)
		}
		info.Owner, info.FullName = ownerFromURL(info.URL)
	}
	if info.Name == "" {
		info.Name = filepath.Base(dir)
	}
	if sha, err := a.git.HeadSHA(ctx, dir); err == nil {
		info.HeadSHA = sha
	}
	if branch, err := a.git.DefaultBranch(ctx, dir); err == nil && branch != "" {
		info.DefaultBranch = branch
	}
	return info, nil
}

// RepositoryNode renders repository metadata as an upsertable node. The
// repo_sha property is intentionally absent: only a finished ingest may
// advance it.
func RepositoryNode(info RepoInfo) graph.Node {
	return graph.Node{
		ID:    graph.RepositoryID(info.Name),
		Label: graph.LabelRepository,
		Props: map[string]any{
			"name":           info.Name,
			"url":            info.URL,
			"owner":          info.Owner,
			"full_name":      info.FullName,
			"default_branch": info.DefaultBranch,
		},
	}
}

// IsReadmeCandidate reports whether a repo-relative path is one of the
// root-level README names AddReadme extracts from.
func IsReadmeCandidate(rel string) bool {
	for _, candidate := range readmeCandidates {
		if rel == candidate {
			return true
		}
	}
	return false
}

// AddReadme attaches the first README found as a Doc on the Repository,
// capped at 50 KiB. Incremental ingestion calls it directly when a
// readme candidate shows up in the delta, since no parser claims those
// files.
func (a *Analyzer) AddReadme(dir, repoName string, batch *graph.Batch) {
	for _, candidate := range readmeCandidates {
		content, err := os.ReadFile(filepath.Join(dir, candidate))
		if err != nil {
			continue
		}
		text := string(content)
		if len(text) > readmeMaxBytes {
			text = text[:readmeMaxBytes] + truncatedMarker
		}
		docID := graph.DocID(repoName, candidate, "readme")
		batch.AddNode(graph.Node{
			ID:    docID,
			Label: graph.LabelDoc,
			Props: map[string]any{
				"type": "README",
				"text": text,
			},
		})
		batch.AddEdge(graph.Edge{
			FromID: graph.RepositoryID(repoName), FromLabel: graph.LabelRepository,
			ToID: docID, ToLabel: graph.LabelDoc,
			Type: graph.RelHasDoc,
		})
		return
	}
}

func ownerFromURL(url string) (owner, fullName string) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 3 {
		owner = parts[len(parts)-2]
		fullName = owner + "/" + parts[len(parts)-1]
	}
	return owner, fullName
}
