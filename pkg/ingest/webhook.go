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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kraklabs/codectx/pkg/gitutil"
	"github.com/kraklabs/codectx/pkg/graph"
)

// ErrBadPayload marks webhook payloads that cannot be interpreted.
var ErrBadPayload = errors.New("malformed webhook payload")

// WebhookEvent is the provider-agnostic envelope delivered by forge
// webhooks. Fields not relevant to the event type stay zero.
type WebhookEvent struct {
	EventType  string `json:"event_type"`
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
	Action      string `json:"action"`
	PullRequest *struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		State  string `json:"state"`
		Merged bool   `json:"merged"`
		User   struct {
			Login string `json:"login"`
			Email string `json:"email"`
		} `json:"user"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Head struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
}

// WebhookResult reports what a delivery triggered.
type WebhookResult struct {
	Event     string `json:"event"`
	Repo      string `json:"repo,omitempty"`
	Ingested  bool   `json:"ingested"`
	Run       *Run   `json:"run,omitempty"`
	PRWritten bool   `json:"pr_written,omitempty"`
}

// HandleWebhook interprets one webhook delivery. Push events to a branch
// trigger an ingestion of that branch. Pull request events always upsert
// the PullRequest node; a merged close additionally re-ingests the base
// branch, since the merge commit landed there.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte) (*WebhookResult, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if ev.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrBadPayload)
	}
	url := ev.Repository.CloneURL
	if url == "" {
		url = ev.Repository.HTMLURL
	}
	if url == "" {
		return nil, fmt.Errorf("%w: missing repository url", ErrBadPayload)
	}
	metrics().recordWebhook(ev.EventType)

	switch ev.EventType {
	case "push":
		return s.handlePush(ctx, &ev, url)
	case "pull_request":
		return s.handlePullRequest(ctx, &ev, url)
	default:
		s.logger.Info("webhook.ignored", "event_type", ev.EventType)
		return &WebhookResult{Event: ev.EventType}, nil
	}
}

func (s *Service) handlePush(ctx context.Context, ev *WebhookEvent, url string) (*WebhookResult, error) {
	branch := strings.TrimPrefix(ev.Ref, "refs/heads/")
	if branch == ev.Ref && strings.HasPrefix(ev.Ref, "refs/") {
		// Tag pushes and other non-branch refs are not indexed.
		s.logger.Info("webhook.push.skipped", "ref", ev.Ref)
		return &WebhookResult{Event: "push"}, nil
	}
	run, err := s.IngestURL(ctx, url, branch)
	result := &WebhookResult{Event: "push", Ingested: err == nil, Run: run}
	if run != nil {
		result.Repo = run.Repo
	}
	return result, err
}

func (s *Service) handlePullRequest(ctx context.Context, ev *WebhookEvent, url string) (*WebhookResult, error) {
	if ev.PullRequest == nil {
		return nil, fmt.Errorf("%w: pull_request event without pull_request object", ErrBadPayload)
	}
	pr := ev.PullRequest
	repoName := ev.Repository.Name
	if repoName == "" {
		repoName = gitutil.RepoNameFromURL(gitutil.NormalizeURL(url))
	}

	batch := &graph.Batch{}
	prID := graph.PullRequestID(repoName, pr.Number)
	batch.AddNode(graph.Node{
		ID:    prID,
		Label: graph.LabelPullRequest,
		Props: map[string]any{
			"number":      pr.Number,
			"title":       pr.Title,
			"body":        pr.Body,
			"author":      pr.User.Login,
			"state":       pr.State,
			"merged":      pr.Merged,
			"base_branch": pr.Base.Ref,
			"head_branch": pr.Head.Ref,
			"content":     fmt.Sprintf("PR #%d: %s\n%s", pr.Number, pr.Title, pr.Body),
		},
	})
	batch.AddEdge(graph.Edge{
		FromID: prID, FromLabel: graph.LabelPullRequest,
		ToID: graph.RepositoryID(repoName), ToLabel: graph.LabelRepository,
		Type: graph.RelBelongsTo,
	})
	if pr.User.Login != "" || pr.User.Email != "" {
		personID := graph.PersonID(pr.User.Login, pr.User.Email)
		batch.AddNode(graph.Node{
			ID:    personID,
			Label: graph.LabelPerson,
			Props: map[string]any{
				"name":  pr.User.Login,
				"email": strings.ToLower(pr.User.Email),
			},
		})
		batch.AddEdge(graph.Edge{
			FromID: prID, FromLabel: graph.LabelPullRequest,
			ToID: personID, ToLabel: graph.LabelPerson,
			Type: graph.RelCreatedBy,
		})
	}
	if _, err := s.ingestor.IngestBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("upsert pull request: %w", err)
	}
	result := &WebhookResult{Event: "pull_request", Repo: repoName, PRWritten: true}
	s.logger.Info("webhook.pr.upserted",
		"repo", repoName,
		"number", pr.Number,
		"action", ev.Action,
		"merged", pr.Merged,
	)

	if ev.Action == "closed" && pr.Merged {
		run, err := s.IngestURL(ctx, url, pr.Base.Ref)
		result.Run = run
		result.Ingested = err == nil
		return result, err
	}
	return result, nil
}
