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

// Package ingest orchestrates repository ingestion end to end: clone,
// parse, graph write, commit history, embedding backfill and head
// publication. Each run walks a fixed state machine; the repo_sha update
// in FINALIZING is the linearization point, so a crash anywhere earlier
// leaves the next run free to retry the same delta.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/codectx/internal/flags"
	"github.com/kraklabs/codectx/pkg/analyzer"
	"github.com/kraklabs/codectx/pkg/gitutil"
	"github.com/kraklabs/codectx/pkg/graph"
)

// State names one stage of the ingestion lifecycle.
type State string

const (
	StateIdle             State = "IDLE"
	StateCloning          State = "CLONING"
	StateParsing          State = "PARSING"
	StateIngestingGraph   State = "INGESTING_GRAPH"
	StateIngestingCommits State = "INGESTING_COMMITS"
	StateEmbedding        State = "EMBEDDING"
	StateFinalizing       State = "FINALIZING"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

// ErrAlreadyRunning means another ingestion currently holds the
// per-repository lock.
var ErrAlreadyRunning = errors.New("ingestion already running for repository")

// Run tracks one ingestion from start to terminal state.
type Run struct {
	ID          string `json:"id"`
	Repo        string `json:"repo"`
	URL         string `json:"url,omitempty"`
	Branch      string `json:"branch,omitempty"`
	State       State  `json:"state"`
	Incremental bool   `json:"incremental"`
	NoOp        bool   `json:"no_op,omitempty"`
	Error       string `json:"error,omitempty"`

	FilesParsed     int `json:"files_parsed"`
	FilesDeleted    int `json:"files_deleted,omitempty"`
	CommitsIngested int `json:"commits_ingested"`
	NodesWritten    int `json:"nodes_written"`
	EdgesWritten    int `json:"edges_written"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Config tunes ingestion behavior.
type Config struct {
	// CommitLimit bounds history ingestion on the full path.
	CommitLimit int `yaml:"commit_limit"`

	// IncrementalCommitCap bounds history on the incremental path. Gaps
	// wider than the cap under-ingest; the next full run catches up.
	IncrementalCommitCap int `yaml:"incremental_commit_cap"`

	// ScratchRoot is where per-task clone workspaces are created.
	// Empty means the system temp dir.
	ScratchRoot string `yaml:"scratch_root"`

	// PreserveScratch keeps clone workspaces on disk after the run.
	PreserveScratch bool `yaml:"preserve_scratch"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.CommitLimit <= 0 {
		out.CommitLimit = 200
	}
	if out.IncrementalCommitCap <= 0 {
		out.IncrementalCommitCap = 50
	}
	return out
}

// GraphWriter is the slice of the graph ingestor the orchestrator needs.
// *graph.Ingestor satisfies it.
type GraphWriter interface {
	EnsureConstraints(ctx context.Context)
	EnsureVectorIndexes(ctx context.Context, dimension int) error
	IngestBatch(ctx context.Context, batch *graph.Batch) (*graph.IngestStats, error)
	DeleteFileSubgraph(ctx context.Context, repoName, path string) error
	GetRepositoryHead(ctx context.Context, repoName string) (string, error)
	SetRepositoryHead(ctx context.Context, repoName, sha string) error
}

// EmbeddingBackfiller embeds nodes written without vectors.
// *graph.Backfiller satisfies it.
type EmbeddingBackfiller interface {
	Run(ctx context.Context, labels []graph.Label) (*graph.BackfillStats, error)
}

// GitClient is the slice of git plumbing the orchestrator needs.
// *gitutil.Client satisfies it.
type GitClient interface {
	Clone(ctx context.Context, url, dir string, opts gitutil.CloneOptions) error
	HeadSHA(ctx context.Context, dir string) (string, error)
	Diff(ctx context.Context, dir, oldSHA, newSHA string) (*gitutil.Delta, error)
	IsRepository(ctx context.Context, dir string) bool
}

// Service runs ingestions. Per-repository advisory locks enforce
// at-most-one concurrent ingestion per repository; different repositories
// may run in parallel.
type Service struct {
	ingestor   GraphWriter
	backfiller EmbeddingBackfiller
	analyzer   *analyzer.Analyzer
	commits    *analyzer.CommitIngester
	git        GitClient
	dimension  int
	cfg        Config
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]bool
	runs    map[string]*Run
}

func NewService(
	ingestor GraphWriter,
	backfiller EmbeddingBackfiller,
	repoAnalyzer *analyzer.Analyzer,
	commits *analyzer.CommitIngester,
	git GitClient,
	dimension int,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ingestor:   ingestor,
		backfiller: backfiller,
		analyzer:   repoAnalyzer,
		commits:    commits,
		git:        git,
		dimension:  dimension,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		running:    map[string]bool{},
		runs:       map[string]*Run{},
	}
}

// IngestURL ingests a remote repository: incrementally when a previous
// head is recorded and the feature flag allows, otherwise fully.
func (s *Service) IngestURL(ctx context.Context, url, branch string) (*Run, error) {
	url = gitutil.NormalizeURL(url)
	repoName := gitutil.RepoNameFromURL(url)

	if err := s.acquire(repoName); err != nil {
		return nil, err
	}
	defer s.release(repoName)

	run := s.newRun(repoName, url, branch)

	oldSHA, err := s.ingestor.GetRepositoryHead(ctx, repoName)
	if err != nil && !errors.Is(err, graph.ErrRepositoryUnknown) {
		return run, s.fail(run, fmt.Errorf("read stored head: %w", err))
	}
	incremental := oldSHA != "" && flags.Enabled(flags.IncrementalIngest)
	run.Incremental = incremental

	s.setState(run, StateCloning)
	dir, cleanup, err := s.cloneScratch(ctx, url, branch, !incremental)
	if err != nil {
		return run, s.fail(run, err)
	}
	defer cleanup()

	newSHA, err := s.git.HeadSHA(ctx, dir)
	if err != nil {
		return run, s.fail(run, fmt.Errorf("read head: %w", err))
	}

	if incremental {
		if newSHA == oldSHA {
			run.NoOp = true
			s.finish(run)
			return run, nil
		}
		delta, diffErr := s.git.Diff(ctx, dir, oldSHA, newSHA)
		if diffErr != nil {
			// Catastrophic diff failure widens to a full re-ingest.
			s.logger.Warn("ingest.diff.failed",
				"repo", repoName,
				"old_sha", oldSHA,
				"new_sha", newSHA,
				"error", diffErr,
			)
			run.Incremental = false
			return run, s.runFull(ctx, run, dir, newSHA)
		}
		return run, s.runIncremental(ctx, run, dir, newSHA, delta)
	}
	return run, s.runFull(ctx, run, dir, newSHA)
}

// IngestDir ingests a local working tree fully, without cloning.
func (s *Service) IngestDir(ctx context.Context, dir, repoName string) (*Run, error) {
	info, err := s.analyzer.ReadRepoInfo(ctx, dir, repoName)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(info.Name); err != nil {
		return nil, err
	}
	defer s.release(info.Name)

	run := s.newRun(info.Name, info.URL, info.DefaultBranch)
	return run, s.runFull(ctx, run, dir, info.HeadSHA)
}

func (s *Service) runFull(ctx context.Context, run *Run, dir, headSHA string) error {
	s.setState(run, StateParsing)
	result, err := s.analyzer.AnalyzeDir(ctx, dir, run.Repo)
	if err != nil {
		return s.fail(run, fmt.Errorf("analyze: %w", err))
	}
	run.FilesParsed = result.Stats.FilesParsed

	s.setState(run, StateIngestingGraph)
	s.ingestor.EnsureConstraints(ctx)
	if err := s.ingestor.EnsureVectorIndexes(ctx, s.dimension); err != nil {
		return s.fail(run, err)
	}
	if err := s.flush(ctx, run, result.Batch); err != nil {
		return s.fail(run, err)
	}

	s.setState(run, StateIngestingCommits)
	if err := s.ingestCommits(ctx, run, dir, s.cfg.CommitLimit); err != nil {
		return s.fail(run, err)
	}

	s.setState(run, StateEmbedding)
	if _, err := s.backfiller.Run(ctx, nil); err != nil {
		return s.fail(run, err)
	}

	s.setState(run, StateFinalizing)
	if headSHA != "" {
		if err := s.ingestor.SetRepositoryHead(ctx, run.Repo, headSHA); err != nil {
			return s.fail(run, err)
		}
	}
	s.finish(run)
	return nil
}

func (s *Service) runIncremental(ctx context.Context, run *Run, dir, newSHA string, delta *gitutil.Delta) error {
	info, err := s.analyzer.ReadRepoInfo(ctx, dir, run.Repo)
	if err != nil {
		return s.fail(run, err)
	}

	s.setState(run, StateParsing)
	batch := &graph.Batch{}
	batch.AddNode(analyzer.RepositoryNode(info))
	changed := delta.Changed()
	for _, rel := range changed {
		langParser, ok := s.analyzer.ParserFor(rel)
		if !ok {
			continue
		}
		fileBatch, parseErr := s.analyzer.ParseOne(ctx, dir, rel, info, langParser)
		if parseErr != nil {
			s.logger.Warn("ingest.file.failed",
				"repo", run.Repo,
				"path", rel,
				"error", parseErr,
			)
			continue
		}
		batch.Merge(fileBatch)
		run.FilesParsed++
	}
	// A changed or removed README has no parser, so its Doc falls out of
	// the subgraph delete below. Re-extract it into this batch.
	for _, rel := range append(delta.Removed(), changed...) {
		if analyzer.IsReadmeCandidate(rel) {
			s.analyzer.AddReadme(dir, run.Repo, batch)
			break
		}
	}

	s.setState(run, StateIngestingGraph)
	s.ingestor.EnsureConstraints(ctx)
	if err := s.ingestor.EnsureVectorIndexes(ctx, s.dimension); err != nil {
		return s.fail(run, err)
	}
	// Stale subgraphs go first: removed paths entirely, changed paths
	// before their rewrite.
	for _, rel := range append(delta.Removed(), changed...) {
		if err := s.ingestor.DeleteFileSubgraph(ctx, run.Repo, rel); err != nil {
			return s.fail(run, err)
		}
		run.FilesDeleted++
	}
	if err := s.flush(ctx, run, batch); err != nil {
		return s.fail(run, err)
	}

	s.setState(run, StateIngestingCommits)
	if err := s.ingestCommits(ctx, run, dir, s.cfg.IncrementalCommitCap); err != nil {
		return s.fail(run, err)
	}

	s.setState(run, StateEmbedding)
	if _, err := s.backfiller.Run(ctx, nil); err != nil {
		return s.fail(run, err)
	}

	s.setState(run, StateFinalizing)
	if err := s.ingestor.SetRepositoryHead(ctx, run.Repo, newSHA); err != nil {
		return s.fail(run, err)
	}
	s.finish(run)
	return nil
}

func (s *Service) ingestCommits(ctx context.Context, run *Run, dir string, limit int) error {
	// Plain directories have no history to ingest.
	if !s.git.IsRepository(ctx, dir) {
		s.logger.Info("ingest.commits.skipped", "repo", run.Repo, "dir", dir)
		return nil
	}
	commitBatch, err := s.commits.Ingest(ctx, dir, run.Repo, limit)
	if err != nil {
		return fmt.Errorf("ingest commits: %w", err)
	}
	run.CommitsIngested = countLabel(commitBatch, graph.LabelCommit)
	return s.flush(ctx, run, commitBatch)
}

func (s *Service) flush(ctx context.Context, run *Run, batch *graph.Batch) error {
	stats, err := s.ingestor.IngestBatch(ctx, batch)
	if err != nil {
		return err
	}
	run.NodesWritten += stats.NodesWritten
	run.EdgesWritten += stats.EdgesWritten
	return nil
}

// cloneScratch clones into a fresh per-task workspace. The returned
// cleanup removes it on success and failure alike, unless preservation
// was requested.
func (s *Service) cloneScratch(ctx context.Context, url, branch string, shallow bool) (string, func(), error) {
	dir, err := os.MkdirTemp(s.cfg.ScratchRoot, "codectx-ingest-*")
	if err != nil {
		return "", nil, fmt.Errorf("scratch workspace: %w", err)
	}
	cleanup := func() {
		if s.cfg.PreserveScratch {
			s.logger.Info("ingest.scratch.preserved", "dir", dir)
			return
		}
		_ = os.RemoveAll(dir)
	}

	opts := gitutil.CloneOptions{Branch: branch}
	if shallow {
		opts.Depth = 1
	}
	if err := s.git.Clone(ctx, url, dir, opts); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("clone: %w", err)
	}
	return dir, cleanup, nil
}

func (s *Service) newRun(repo, url, branch string) *Run {
	run := &Run{
		ID:        uuid.NewString(),
		Repo:      repo,
		URL:       url,
		Branch:    branch,
		State:     StateIdle,
		StartedAt: time.Now(),
	}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	return run
}

func (s *Service) setState(run *Run, state State) {
	s.mu.Lock()
	run.State = state
	s.mu.Unlock()
	s.logger.Info("ingest.state",
		"run_id", run.ID,
		"repo", run.Repo,
		"state", string(state),
	)
}

func (s *Service) fail(run *Run, err error) error {
	s.mu.Lock()
	run.State = StateFailed
	run.Error = err.Error()
	run.FinishedAt = time.Now()
	s.mu.Unlock()
	metrics().recordRun(string(StateFailed), time.Since(run.StartedAt))
	s.logger.Error("ingest.failed",
		"run_id", run.ID,
		"repo", run.Repo,
		"error", err,
	)
	return err
}

func (s *Service) finish(run *Run) {
	s.mu.Lock()
	run.State = StateDone
	run.FinishedAt = time.Now()
	s.mu.Unlock()
	metrics().recordRun(string(StateDone), time.Since(run.StartedAt))
	metrics().recordFiles(run.FilesParsed, run.FilesDeleted)
	s.logger.Info("ingest.done",
		"run_id", run.ID,
		"repo", run.Repo,
		"incremental", run.Incremental,
		"no_op", run.NoOp,
		"files_parsed", run.FilesParsed,
		"commits", run.CommitsIngested,
		"duration_ms", time.Since(run.StartedAt).Milliseconds(),
	)
}

// acquire takes the advisory per-repository lock without blocking.
func (s *Service) acquire(repo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[repo] {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, repo)
	}
	s.running[repo] = true
	return nil
}

func (s *Service) release(repo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, repo)
}

// Runs returns a snapshot of all tracked runs, newest first.
func (s *Service) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, *run)
	}
	sortRunsNewestFirst(out)
	return out
}

// RunByID returns a snapshot of one run.
func (s *Service) RunByID(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

func sortRunsNewestFirst(runs []Run) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j].StartedAt.After(runs[j-1].StartedAt); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}
}

func countLabel(batch *graph.Batch, label graph.Label) int {
	n := 0
	for _, node := range batch.DedupedNodes() {
		if node.Label == label {
			n++
		}
	}
	return n
}
