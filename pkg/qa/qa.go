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

// Package qa answers natural-language questions about indexed code.
// An agent type selects both the answering voice and the node labels the
// context is retrieved from; retrieval runs against the graph's vector or
// hybrid search, and the assembled prompt goes to the configured LLM
// provider in batch or streaming mode.
package qa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kraklabs/codectx/internal/flags"
	"github.com/kraklabs/codectx/pkg/graph"
	"github.com/kraklabs/codectx/pkg/llm"
)

// RefusalAnswer is returned verbatim when retrieval yields no context.
// No LLM call is made in that case.
const RefusalAnswer = "I couldn't find any relevant context in the codebase to answer your question. " +
	"Please try rephrasing or ensure the code has been indexed."

// promptContentMax bounds how much of a node's stored content goes into
// the prompt. The full content stays available on the context block.
const promptContentMax = 1500

// ErrUnknownAgent marks an agent type outside the closed enumeration.
var ErrUnknownAgent = errors.New("unknown agent type")

// AgentType selects a system prompt and the node labels used for context.
type AgentType string

const (
	AgentStructural    AgentType = "structural"
	AgentHistory       AgentType = "history"
	AgentDiagnostic    AgentType = "diagnostic"
	AgentArchitectural AgentType = "architectural"
	AgentReview        AgentType = "review"
)

type agentProfile struct {
	system string
	labels []graph.Label
}

var agentProfiles = map[AgentType]agentProfile{
	AgentStructural: {
		system: "You are a code navigation assistant. Answer questions about the " +
			"structure of the codebase: which functions, classes and files exist, what " +
			"they do and how they relate. Ground every statement in the provided " +
			"context; if the context does not cover something, say so instead of guessing.",
		labels: []graph.Label{graph.LabelFunction, graph.LabelClass, graph.LabelFile},
	},
	AgentHistory: {
		system: "You are a repository historian. Answer questions about how the code " +
			"evolved: who changed what, when and why, based on the commit context " +
			"provided. Cite commit short hashes when you reference a change. Do not " +
			"speculate beyond the provided history.",
		labels: []graph.Label{graph.LabelCommit, graph.LabelFile},
	},
	AgentDiagnostic: {
		system: "You are a debugging assistant. Use the provided functions, files and " +
			"recent commits to reason about likely causes of the described problem. " +
			"Point at concrete code locations and recent changes that could explain the " +
			"behavior, and state your confidence.",
		labels: []graph.Label{graph.LabelFunction, graph.LabelFile, graph.LabelCommit},
	},
	AgentArchitectural: {
		system: "You are a software architecture analyst. Describe how the system is " +
			"organized: modules, layering, dependencies and responsibilities, based on " +
			"the provided modules, files and classes. Prefer the big picture over " +
			"line-level detail.",
		labels: []graph.Label{graph.LabelModule, graph.LabelFile, graph.LabelClass},
	},
	AgentReview: {
		system: "You are a code reviewer. Assess the provided functions, classes and " +
			"recent commits for correctness risks, unclear contracts and maintainability " +
			"concerns. Be specific and actionable; do not invent code that is not in the " +
			"context.",
		labels: []graph.Label{graph.LabelFunction, graph.LabelClass, graph.LabelCommit},
	},
}

// ParseAgentType validates a user-supplied agent name.
func ParseAgentType(s string) (AgentType, error) {
	agent := AgentType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := agentProfiles[agent]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, s)
	}
	return agent, nil
}

// SearchType selects the retrieval strategy.
type SearchType string

const (
	SearchVector SearchType = "vector"
	SearchHybrid SearchType = "hybrid"
)

// Searcher is the slice of the graph retrieval service the QA pipeline
// needs. *graph.Service satisfies it.
type Searcher interface {
	VectorSearch(ctx context.Context, queryText string, label graph.Label, limit int) ([]graph.ScoredNode, error)
	HybridSearch(ctx context.Context, queryText string, label graph.Label, limit int, vectorWeight float64) ([]graph.ScoredNode, error)
}

// Request is one question against the indexed graph.
type Request struct {
	Question     string
	Agent        AgentType
	Search       SearchType
	ContextLimit int

	// VectorWeight is the hybrid alpha in [0,1]. nil uses the configured
	// default; an explicit 0 means pure lexical ranking.
	VectorWeight *float64
}

// ContextBlock is one retrieved node as it appears in the answer's
// context summary. Content is the full stored content; the in-prompt copy
// may be truncated.
type ContextBlock struct {
	NodeID  string  `json:"node_id"`
	Label   string  `json:"label"`
	Name    string  `json:"name"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Answer is a batch-mode result.
type Answer struct {
	Text     string         `json:"text"`
	Model    string         `json:"model"`
	Provider string         `json:"provider"`
	Agent    AgentType      `json:"agent"`
	Refused  bool           `json:"refused"`
	Context  []ContextBlock `json:"context"`
}

// Config holds QA service settings.
type Config struct {
	Model        string  `yaml:"model"`
	ContextLimit int     `yaml:"context_limit"`
	VectorWeight float64 `yaml:"vector_weight"`
	Temperature  float64 `yaml:"temperature"`
}

// Service wires retrieval and generation.
type Service struct {
	search   Searcher
	provider llm.Provider
	cfg      Config
	logger   *slog.Logger
}

func NewService(search Searcher, provider llm.Provider, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = 6
	}
	if cfg.VectorWeight == 0 {
		cfg.VectorWeight = 0.7
	}
	return &Service{search: search, provider: provider, cfg: cfg, logger: logger}
}

func (s *Service) validate(req *Request) (agentProfile, error) {
	if strings.TrimSpace(req.Question) == "" {
		return agentProfile{}, fmt.Errorf("question is empty")
	}
	profile, ok := agentProfiles[req.Agent]
	if !ok {
		return agentProfile{}, fmt.Errorf("%w: %q", ErrUnknownAgent, req.Agent)
	}
	if req.ContextLimit < 0 {
		return agentProfile{}, fmt.Errorf("context limit must not be negative, got %d", req.ContextLimit)
	}
	switch req.Search {
	case SearchVector, SearchHybrid:
	case "":
		req.Search = SearchHybrid
	default:
		return agentProfile{}, fmt.Errorf("unknown search type %q", req.Search)
	}
	if req.VectorWeight == nil {
		weight := s.cfg.VectorWeight
		req.VectorWeight = &weight
	} else if *req.VectorWeight < 0 || *req.VectorWeight > 1 {
		return agentProfile{}, fmt.Errorf("vector weight must be in [0,1], got %g", *req.VectorWeight)
	}
	return profile, nil
}

// retrieve searches every label of the profile. Individual label failures
// are logged and skipped; a question should not die because one index is
// cold.
func (s *Service) retrieve(ctx context.Context, req *Request, profile agentProfile) []ContextBlock {
	perLabel := req.ContextLimit / len(profile.labels)
	if perLabel < 1 {
		perLabel = 1
	}
	useHybrid := req.Search == SearchHybrid && flags.Enabled(flags.HybridSearch)

	var blocks []ContextBlock
	for _, label := range profile.labels {
		var (
			hits []graph.ScoredNode
			err  error
		)
		if useHybrid {
			hits, err = s.search.HybridSearch(ctx, req.Question, label, perLabel, *req.VectorWeight)
		} else {
			hits, err = s.search.VectorSearch(ctx, req.Question, label, perLabel)
		}
		if err != nil {
			s.logger.Warn("qa.context.label_failed",
				"label", string(label),
				"error", err,
			)
			continue
		}
		for _, hit := range hits {
			blocks = append(blocks, blockFrom(label, hit))
		}
	}
	return blocks
}

func blockFrom(label graph.Label, hit graph.ScoredNode) ContextBlock {
	props := hit.Node.Props
	name, _ := props["name"].(string)
	if label == graph.LabelCommit {
		if sha, ok := props["sha"].(string); ok && len(sha) >= 8 {
			name = sha[:8]
		}
	}
	if name == "" {
		if path, ok := props["path"].(string); ok {
			name = path
		}
	}
	if name == "" {
		name = hit.Node.ID
	}
	content, _ := props["content"].(string)
	return ContextBlock{
		NodeID:  hit.Node.ID,
		Label:   string(label),
		Name:    name,
		Content: content,
		Score:   hit.Score,
	}
}

func buildPrompt(question string, blocks []ContextBlock) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nContext from the codebase:\n")
	for _, block := range blocks {
		content := block.Content
		if len(content) > promptContentMax {
			content = content[:promptContentMax] + "\n...[truncated]"
		}
		fmt.Fprintf(&b, "\n--- [%s] %s ---\n%s\n", block.Label, block.Name, content)
	}
	b.WriteString("\nAnswer the question using only the context above.")
	return b.String()
}

// Ask answers a question in batch mode. When retrieval comes back empty
// the canned refusal is returned and the provider is never called.
func (s *Service) Ask(ctx context.Context, req Request) (*Answer, error) {
	profile, err := s.validate(&req)
	if err != nil {
		return nil, err
	}
	answer := &Answer{
		Model:    s.cfg.Model,
		Provider: s.provider.Name(),
		Agent:    req.Agent,
	}

	var blocks []ContextBlock
	if req.ContextLimit > 0 {
		blocks = s.retrieve(ctx, &req, profile)
	}
	if len(blocks) == 0 {
		answer.Text = RefusalAnswer
		answer.Refused = true
		s.logger.Info("qa.refused", "agent", string(req.Agent))
		return answer, nil
	}
	answer.Context = blocks

	text, err := s.provider.Generate(ctx, llm.GenerateRequest{
		Prompt:      buildPrompt(req.Question, blocks),
		System:      profile.system,
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	answer.Text = text
	s.logger.Info("qa.answered",
		"agent", string(req.Agent),
		"context_blocks", len(blocks),
		"chars", len(text),
	)
	return answer, nil
}
