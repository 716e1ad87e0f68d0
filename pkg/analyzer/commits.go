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
	"log/slog"
	"strings"
	"time"

	"github.com/kraklabs/codectx/pkg/gitutil"
	"github.com/kraklabs/codectx/pkg/graph"
)

// commitFileListCap bounds how many touched paths make it into the prose
// summary. Every touched path still gets a TOUCHED edge.
const commitFileListCap = 50

// CommitIngester materializes commit history into graph batches: one
// Commit node per commit, a deduplicated Person per author, and File
// stubs for every touched path.
type CommitIngester struct {
	git    *gitutil.Client
	logger *slog.Logger
}

func NewCommitIngester(git *gitutil.Client, logger *slog.Logger) *CommitIngester {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommitIngester{git: git, logger: logger}
}

// Ingest reads up to max commits newest-first from the working tree at
// dir and returns them as a batch.
func (ci *CommitIngester) Ingest(ctx context.Context, dir, repoName string, max int) (*graph.Batch, error) {
	commits, err := ci.git.Log(ctx, dir, max)
	if err != nil {
		return nil, fmt.Errorf("commit log: %w", err)
	}
	batch := &graph.Batch{}
	for _, commit := range commits {
		ci.addCommit(batch, repoName, commit)
	}
	ci.logger.Info("commits.ingest.complete",
		"repo", repoName,
		"commits", len(commits),
	)
	return batch, nil
}

func (ci *CommitIngester) addCommit(batch *graph.Batch, repoName string, commit gitutil.Commit) {
	repoID := graph.RepositoryID(repoName)
	commitID := graph.CommitID(repoName, commit.SHA)

	batch.AddNode(graph.Node{
		ID:    commitID,
		Label: graph.LabelCommit,
		Props: map[string]any{
			"sha":           commit.SHA,
			"author_name":   commit.AuthorName,
			"author_email":  commit.AuthorEmail,
			"committed_at":  commit.When,
			"insertions":    commit.Insertions,
			"deletions":     commit.Deletions,
			"files_changed": commit.Files,
			"message":       commit.Message,
			"content":       CommitSummary(repoName, commit),
		},
	})
	batch.AddEdge(graph.Edge{
		FromID: commitID, FromLabel: graph.LabelCommit,
		ToID: repoID, ToLabel: graph.LabelRepository,
		Type: graph.RelBelongsTo,
	})

	personID := graph.PersonID(commit.AuthorName, commit.AuthorEmail)
	batch.AddNode(graph.Node{
		ID:    personID,
		Label: graph.LabelPerson,
		Props: map[string]any{
			"name":  commit.AuthorName,
			"email": strings.ToLower(commit.AuthorEmail),
		},
	})
	batch.AddEdge(graph.Edge{
		FromID: commitID, FromLabel: graph.LabelCommit,
		ToID: personID, ToLabel: graph.LabelPerson,
		Type: graph.RelAuthoredBy,
	})

	// Touched paths may no longer exist in the working tree; a File stub
	// still anchors the TOUCHED edge and keeps history navigable.
	for _, path := range commit.Files {
		path = graph.NormalizePath(path)
		fileID := graph.FileID(repoName, path)
		batch.AddNode(graph.Node{
			ID:    fileID,
			Label: graph.LabelFile,
			Props: map[string]any{"path": path},
		})
		batch.AddEdge(graph.Edge{
			FromID: commitID, FromLabel: graph.LabelCommit,
			ToID: fileID, ToLabel: graph.LabelFile,
			Type: graph.RelTouched,
		})
		batch.AddEdge(graph.Edge{
			FromID: fileID, FromLabel: graph.LabelFile,
			ToID: repoID, ToLabel: graph.LabelRepository,
			Type: graph.RelBelongsTo,
		})
	}
}

// CommitSummary renders the commit's embeddable text representation.
func CommitSummary(repoName string, commit gitutil.Commit) string {
	files := commit.Files
	suffix := ""
	if len(files) > commitFileListCap {
		files = files[:commitFileListCap]
		suffix = fmt.Sprintf(" (and %d more)", len(commit.Files)-commitFileListCap)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Commit: %s\n", shortSHA(commit.SHA))
	fmt.Fprintf(&sb, "Author: %s <%s>\n", commit.AuthorName, commit.AuthorEmail)
	fmt.Fprintf(&sb, "Date: %s\n", commit.When.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Repo: %s\n", repoName)
	fmt.Fprintf(&sb, "Message: %s\n", commit.Message)
	fmt.Fprintf(&sb, "Scope: %d files changed, +%d -%d\n", len(commit.Files), commit.Insertions, commit.Deletions)
	fmt.Fprintf(&sb, "Files: %s%s", strings.Join(files, ", "), suffix)
	return sb.String()
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
