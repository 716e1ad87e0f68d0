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

// Package gitutil wraps the git CLI as a subprocess. Every operation takes
// a context and carries its own timeout class: clones get five minutes,
// history walks thirty seconds, single-shot lookups five.
package gitutil

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	cloneTimeout   = 5 * time.Minute
	historyTimeout = 30 * time.Second
	quickTimeout   = 5 * time.Second
)

// ErrTimeout marks a git subprocess killed by its deadline.
var ErrTimeout = errors.New("git operation timed out")

// Commit is one entry from the repository history.
type Commit struct {
	SHA         string
	AuthorName  string
	AuthorEmail string
	When        time.Time
	Message     string
	Insertions  int
	Deletions   int
	Files       []string
}

// Delta is the file-level difference between two revisions.
type Delta struct {
	Added    []string
	Modified []string
	Deleted  []string
	Renamed  map[string]string // old path -> new path
}

// Changed returns every path that needs reparsing: added, modified and
// rename targets.
func (d *Delta) Changed() []string {
	out := make([]string, 0, len(d.Added)+len(d.Modified)+len(d.Renamed))
	out = append(out, d.Added...)
	out = append(out, d.Modified...)
	for _, newPath := range d.Renamed {
		out = append(out, newPath)
	}
	return out
}

// Removed returns every path whose subgraph must be dropped: deleted files
// and rename sources.
func (d *Delta) Removed() []string {
	out := make([]string, 0, len(d.Deleted)+len(d.Renamed))
	out = append(out, d.Deleted...)
	for oldPath := range d.Renamed {
		out = append(out, oldPath)
	}
	return out
}

// Client runs git commands against local working trees.
type Client struct {
	logger *slog.Logger
}

func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger}
}

// CloneOptions control Clone behavior.
type CloneOptions struct {
	// Depth limits history; 0 clones the full history. Incremental
	// ingestion needs the old revision reachable, so it clones full.
	Depth int

	// Branch checks out a specific branch instead of the remote default.
	Branch string
}

// Clone clones url into dir.
func (c *Client) Clone(ctx context.Context, url, dir string, opts CloneOptions) error {
	args := []string{"clone"}
	if opts.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(opts.Depth))
	}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	args = append(args, url, dir)

	start := time.Now()
	_, err := c.run(ctx, "", cloneTimeout, args...)
	if err != nil {
		return err
	}
	c.logger.Info("git.clone.complete",
		"url", url,
		"depth", opts.Depth,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Checkout switches the working tree at dir to ref.
func (c *Client) Checkout(ctx context.Context, dir, ref string) error {
	_, err := c.run(ctx, dir, quickTimeout, "checkout", "--quiet", ref)
	return err
}

// HeadSHA returns the full SHA of HEAD.
func (c *Client) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, quickTimeout, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// RemoteURL returns the origin remote URL, or "" when there is none.
func (c *Client) RemoteURL(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, quickTimeout, "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// DefaultBranch resolves the branch HEAD points at.
func (c *Client) DefaultBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, quickTimeout, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" || branch == "HEAD" {
		return "main", nil
	}
	return branch, nil
}

// Diff computes the file-level delta between two revisions, with rename
// detection.
func (c *Client) Diff(ctx context.Context, dir, oldSHA, newSHA string) (*Delta, error) {
	out, err := c.run(ctx, dir, historyTimeout, "diff", "--name-status", "-M", oldSHA, newSHA)
	if err != nil {
		return nil, err
	}
	return parseDiff(out), nil
}

func parseDiff(out []byte) *Delta {
	delta := &Delta{Renamed: map[string]string{}}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		switch status[0] {
		case 'A':
			delta.Added = append(delta.Added, fields[1])
		case 'M':
			delta.Modified = append(delta.Modified, fields[1])
		case 'D':
			delta.Deleted = append(delta.Deleted, fields[1])
		case 'R':
			if len(fields) >= 3 {
				delta.Renamed[fields[1]] = fields[2]
			}
		case 'C':
			if len(fields) >= 3 {
				delta.Added = append(delta.Added, fields[2])
			}
		}
	}
	return delta
}

// Record and field separators keep commit messages, which may span lines,
// parseable in a single git log pass.
const (
	recordSep = "\x1e"
	fieldSep  = "\x1f"
)

// Log returns up to max commits, newest first, with per-commit file stats.
func (c *Client) Log(ctx context.Context, dir string, max int) ([]Commit, error) {
	if max <= 0 {
		max = 50
	}
	format := recordSep + strings.Join([]string{"%H", "%an", "%ae", "%aI", "%B"}, fieldSep) + fieldSep
	out, err := c.run(ctx, dir, historyTimeout,
		"log", "-n", strconv.Itoa(max), "--numstat", "--pretty=format:"+format)
	if err != nil {
		return nil, err
	}
	return parseLog(out)
}

func parseLog(out []byte) ([]Commit, error) {
	var commits []Commit
	for _, record := range strings.Split(string(out), recordSep) {
		if strings.TrimSpace(record) == "" {
			continue
		}
		fields := strings.Split(record, fieldSep)
		if len(fields) < 6 {
			return nil, fmt.Errorf("malformed git log record: %d fields", len(fields))
		}
		when, err := time.Parse(time.RFC3339, fields[3])
		if err != nil {
			return nil, fmt.Errorf("parse commit date %q: %w", fields[3], err)
		}
		commit := Commit{
			SHA:         fields[0],
			AuthorName:  fields[1],
			AuthorEmail: fields[2],
			When:        when,
			Message:     strings.TrimSpace(fields[4]),
		}
		parseNumstat(fields[5], &commit)
		commits = append(commits, commit)
	}
	return commits, nil
}

// parseNumstat reads "insertions<TAB>deletions<TAB>path" lines. Binary
// files report "-" which counts as zero.
func parseNumstat(blob string, commit *Commit) {
	for _, line := range strings.Split(blob, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "\t")
		if len(parts) != 3 || parts[2] == "" {
			continue
		}
		if n, err := strconv.Atoi(parts[0]); err == nil {
			commit.Insertions += n
		}
		if n, err := strconv.Atoi(parts[1]); err == nil {
			commit.Deletions += n
		}
		commit.Files = append(commit.Files, parts[2])
	}
}

// LatestCommitForFile returns the most recent commit touching filePath, or
// nil when the file has no history.
func (c *Client) LatestCommitForFile(ctx context.Context, dir, filePath string) (*Commit, error) {
	format := strings.Join([]string{"%H", "%an", "%ae", "%aI", "%s"}, fieldSep)
	out, err := c.run(ctx, dir, historyTimeout,
		"log", "-n", "1", "--pretty=format:"+format, "--", filePath)
	if err != nil {
		return nil, err
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return nil, nil
	}
	fields := strings.Split(line, fieldSep)
	if len(fields) < 5 {
		return nil, fmt.Errorf("malformed git log line for %s", filePath)
	}
	when, err := time.Parse(time.RFC3339, fields[3])
	if err != nil {
		return nil, fmt.Errorf("parse commit date %q: %w", fields[3], err)
	}
	return &Commit{
		SHA:         fields[0],
		AuthorName:  fields[1],
		AuthorEmail: fields[2],
		When:        when,
		Message:     fields[4],
	}, nil
}

// BlameLine is one line attribution from git blame.
type BlameLine struct {
	SHA         string
	AuthorName  string
	AuthorEmail string
	Line        int
	Content     string
}

// Blame attributes every line of filePath to the commit that last
// changed it, via line-porcelain output.
func (c *Client) Blame(ctx context.Context, dir, filePath string) ([]BlameLine, error) {
	out, err := c.run(ctx, dir, historyTimeout, "blame", "--line-porcelain", filePath)
	if err != nil {
		return nil, err
	}
	return parseBlame(out), nil
}

// parseBlame reads line-porcelain blocks: a sha header, commit metadata
// (emitted once per commit), then the tab-prefixed content line.
func parseBlame(out []byte) []BlameLine {
	var (
		lines []BlameLine
		cur   BlameLine
	)
	type author struct{ name, email string }
	authors := map[string]author{}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "\t"):
			cur.Content = strings.TrimPrefix(line, "\t")
			if a, ok := authors[cur.SHA]; ok {
				cur.AuthorName = a.name
				cur.AuthorEmail = a.email
			}
			lines = append(lines, cur)
			cur = BlameLine{}
		case cur.SHA == "":
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				cur.SHA = fields[0]
				cur.Line, _ = strconv.Atoi(fields[2])
			}
		case strings.HasPrefix(line, "author "):
			a := authors[cur.SHA]
			a.name = strings.TrimPrefix(line, "author ")
			authors[cur.SHA] = a
		case strings.HasPrefix(line, "author-mail "):
			a := authors[cur.SHA]
			a.email = strings.Trim(strings.TrimPrefix(line, "author-mail "), "<>")
			authors[cur.SHA] = a
		}
	}
	return lines
}

// IsRepository reports whether dir is inside a git working tree.
func (c *Client) IsRepository(ctx context.Context, dir string) bool {
	_, err := c.run(ctx, dir, quickTimeout, "rev-parse", "--git-dir")
	return err == nil
}

func (c *Client) run(ctx context.Context, dir string, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: git %s after %s", ErrTimeout, args[0], timeout)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git %s failed: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	return output, nil
}

// NormalizeURL canonicalizes a repository URL: scp-style remotes become
// https and the trailing .git suffix is dropped.
func NormalizeURL(url string) string {
	url = strings.TrimSpace(url)
	url = strings.TrimSuffix(url, ".git")
	if strings.HasPrefix(url, "git@") {
		rest := strings.TrimPrefix(url, "git@")
		host, repoPath, found := strings.Cut(rest, ":")
		if found {
			return "https://" + host + "/" + strings.TrimPrefix(repoPath, "/")
		}
	}
	return url
}

// RepoNameFromURL derives a repository name from its URL: the last path
// segment without the .git suffix.
func RepoNameFromURL(url string) string {
	normalized := NormalizeURL(url)
	name := path.Base(strings.TrimSuffix(normalized, "/"))
	if name == "." || name == "/" || name == "" {
		return "repository"
	}
	return name
}
