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

package qa

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/codectx/internal/flags"
	"github.com/kraklabs/codectx/pkg/graph"
	"github.com/kraklabs/codectx/pkg/llm"
)

type searchCall struct {
	label  graph.Label
	limit  int
	hybrid bool
	weight float64
}

type fakeSearcher struct {
	mu      sync.Mutex
	results map[graph.Label][]graph.ScoredNode
	errs    map[graph.Label]error
	calls   []searchCall
}

func (f *fakeSearcher) lookup(call searchCall) ([]graph.ScoredNode, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if err := f.errs[call.label]; err != nil {
		return nil, err
	}
	return f.results[call.label], nil
}

func (f *fakeSearcher) VectorSearch(ctx context.Context, q string, label graph.Label, limit int) ([]graph.ScoredNode, error) {
	return f.lookup(searchCall{label: label, limit: limit})
}

func (f *fakeSearcher) HybridSearch(ctx context.Context, q string, label graph.Label, limit int, w float64) ([]graph.ScoredNode, error) {
	return f.lookup(searchCall{label: label, limit: limit, hybrid: true, weight: w})
}

func scored(id string, score float64, props map[string]any) graph.ScoredNode {
	return graph.ScoredNode{
		Node:  graph.NodeResult{ID: id, Props: props},
		Score: score,
	}
}

func newTestQA(search Searcher, provider llm.Provider) *Service {
	return NewService(search, provider, Config{Model: "test-model"}, nil)
}

func TestAskStructural(t *testing.T) {
	search := &fakeSearcher{results: map[graph.Label][]graph.ScoredNode{
		graph.LabelFunction: {scored("demo:app.py:function:add", 0.91, map[string]any{
			"name":    "add",
			"content": "def add(a, b):\n    return a + b",
		})},
	}}
	provider := llm.NewMockProvider("test-model")
	provider.SetResponse("add sums two numbers.")
	svc := newTestQA(search, provider)

	answer, err := svc.Ask(context.Background(), Request{
		Question:     "What does add do?",
		Agent:        AgentStructural,
		Search:       SearchVector,
		ContextLimit: 6,
	})
	require.NoError(t, err)
	assert.Equal(t, "add sums two numbers.", answer.Text)
	assert.False(t, answer.Refused)
	assert.Equal(t, "mock", answer.Provider)
	require.Len(t, answer.Context, 1)
	assert.Equal(t, "add", answer.Context[0].Name)
	assert.Equal(t, "Function", answer.Context[0].Label)

	calls := provider.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].System, "code navigation")
	assert.Contains(t, calls[0].Prompt, "What does add do?")
	assert.Contains(t, calls[0].Prompt, "def add(a, b)")
	assert.Contains(t, calls[0].Prompt, "[Function] add")
}

func TestAskRefusesOnEmptyGraph(t *testing.T) {
	search := &fakeSearcher{}
	provider := llm.NewMockProvider("test-model")
	svc := newTestQA(search, provider)

	answer, err := svc.Ask(context.Background(), Request{
		Question:     "Where is the retry logic?",
		Agent:        AgentStructural,
		ContextLimit: 6,
	})
	require.NoError(t, err)
	assert.True(t, answer.Refused)
	assert.Equal(t, RefusalAnswer, answer.Text)
	assert.Empty(t, provider.Calls())
}

func TestAskContextLimitZeroRefusesWithoutSearch(t *testing.T) {
	search := &fakeSearcher{results: map[graph.Label][]graph.ScoredNode{
		graph.LabelFunction: {scored("x", 1, map[string]any{"name": "x"})},
	}}
	provider := llm.NewMockProvider("test-model")
	svc := newTestQA(search, provider)

	answer, err := svc.Ask(context.Background(), Request{
		Question:     "anything",
		Agent:        AgentStructural,
		ContextLimit: 0,
	})
	require.NoError(t, err)
	assert.True(t, answer.Refused)
	assert.Equal(t, RefusalAnswer, answer.Text)
	assert.Empty(t, search.calls)
	assert.Empty(t, provider.Calls())
}

func TestAskValidation(t *testing.T) {
	svc := newTestQA(&fakeSearcher{}, llm.NewMockProvider(""))

	_, err := svc.Ask(context.Background(), Request{Question: "  ", Agent: AgentStructural, ContextLimit: 4})
	require.Error(t, err)

	_, err = svc.Ask(context.Background(), Request{Question: "q", Agent: AgentType("oracle"), ContextLimit: 4})
	require.ErrorIs(t, err, ErrUnknownAgent)

	_, err = svc.Ask(context.Background(), Request{Question: "q", Agent: AgentStructural, ContextLimit: -1})
	require.Error(t, err)

	_, err = svc.Ask(context.Background(), Request{Question: "q", Agent: AgentStructural, ContextLimit: 4, Search: SearchType("psychic")})
	require.Error(t, err)
}

func TestPerLabelLimitSplitsBudget(t *testing.T) {
	search := &fakeSearcher{}
	svc := newTestQA(search, llm.NewMockProvider(""))

	// History uses two labels; a budget of five gives two per label.
	_, err := svc.Ask(context.Background(), Request{
		Question:     "who touched the parser?",
		Agent:        AgentHistory,
		Search:       SearchVector,
		ContextLimit: 5,
	})
	require.NoError(t, err)
	require.Len(t, search.calls, 2)
	for _, call := range search.calls {
		assert.Equal(t, 2, call.limit)
	}

	// A budget below the label count still asks for one each.
	search.calls = nil
	_, err = svc.Ask(context.Background(), Request{
		Question:     "who touched the parser?",
		Agent:        AgentHistory,
		Search:       SearchVector,
		ContextLimit: 1,
	})
	require.NoError(t, err)
	require.Len(t, search.calls, 2)
	for _, call := range search.calls {
		assert.Equal(t, 1, call.limit)
	}
}

func TestLabelFailureIsTolerated(t *testing.T) {
	search := &fakeSearcher{
		results: map[graph.Label][]graph.ScoredNode{
			graph.LabelFile: {scored("demo:app.py:file", 0.8, map[string]any{
				"path":    "app.py",
				"content": "print('hi')",
			})},
		},
		errs: map[graph.Label]error{
			graph.LabelCommit: graph.ErrIndexMissing,
		},
	}
	provider := llm.NewMockProvider("test-model")
	provider.SetResponse("app.py prints hi.")
	svc := newTestQA(search, provider)

	answer, err := svc.Ask(context.Background(), Request{
		Question:     "what changed recently?",
		Agent:        AgentHistory,
		Search:       SearchVector,
		ContextLimit: 4,
	})
	require.NoError(t, err)
	assert.False(t, answer.Refused)
	require.Len(t, answer.Context, 1)
	assert.Equal(t, "app.py", answer.Context[0].Name)
}

func TestHybridDisabledFallsBackToVector(t *testing.T) {
	flags.Init(map[string]bool{flags.HybridSearch: false})
	defer flags.Reset()

	search := &fakeSearcher{results: map[graph.Label][]graph.ScoredNode{
		graph.LabelFunction: {scored("f", 0.5, map[string]any{"name": "f", "content": "x"})},
	}}
	provider := llm.NewMockProvider("test-model")
	svc := newTestQA(search, provider)

	_, err := svc.Ask(context.Background(), Request{
		Question:     "q",
		Agent:        AgentStructural,
		Search:       SearchHybrid,
		ContextLimit: 3,
	})
	require.NoError(t, err)
	for _, call := range search.calls {
		assert.False(t, call.hybrid)
	}
}

func TestVectorWeightZeroIsHonored(t *testing.T) {
	search := &fakeSearcher{results: map[graph.Label][]graph.ScoredNode{
		graph.LabelFunction: {scored("f", 0.5, map[string]any{"name": "f", "content": "x"})},
	}}
	provider := llm.NewMockProvider("test-model")
	svc := newTestQA(search, provider)

	zero := 0.0
	_, err := svc.Ask(context.Background(), Request{
		Question:     "q",
		Agent:        AgentStructural,
		Search:       SearchHybrid,
		ContextLimit: 3,
		VectorWeight: &zero,
	})
	require.NoError(t, err)
	require.NotEmpty(t, search.calls)
	for _, call := range search.calls {
		assert.True(t, call.hybrid)
		assert.Equal(t, 0.0, call.weight, "explicit zero must not fall back to the default")
	}
}

func TestVectorWeightDefaultsWhenUnset(t *testing.T) {
	search := &fakeSearcher{results: map[graph.Label][]graph.ScoredNode{
		graph.LabelFunction: {scored("f", 0.5, map[string]any{"name": "f", "content": "x"})},
	}}
	svc := newTestQA(search, llm.NewMockProvider("test-model"))

	_, err := svc.Ask(context.Background(), Request{
		Question:     "q",
		Agent:        AgentStructural,
		Search:       SearchHybrid,
		ContextLimit: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, search.calls)
	for _, call := range search.calls {
		assert.Equal(t, 0.7, call.weight)
	}
}

func TestVectorWeightOutOfRange(t *testing.T) {
	svc := newTestQA(&fakeSearcher{}, llm.NewMockProvider(""))

	bad := 1.5
	_, err := svc.Ask(context.Background(), Request{
		Question:     "q",
		Agent:        AgentStructural,
		ContextLimit: 3,
		VectorWeight: &bad,
	})
	require.Error(t, err)
}

func TestCommitDisplayNameUsesShortSHA(t *testing.T) {
	search := &fakeSearcher{results: map[graph.Label][]graph.ScoredNode{
		graph.LabelCommit: {scored("demo:commit:abcdef1234567890", 0.9, map[string]any{
			"sha":     "abcdef1234567890",
			"content": "Commit: abcdef12\nMessage: fix parser",
		})},
	}}
	provider := llm.NewMockProvider("test-model")
	provider.SetResponse("abcdef12 fixed the parser.")
	svc := newTestQA(search, provider)

	answer, err := svc.Ask(context.Background(), Request{
		Question:     "what fixed the parser?",
		Agent:        AgentHistory,
		Search:       SearchVector,
		ContextLimit: 2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, answer.Context)
	assert.Equal(t, "abcdef12", answer.Context[0].Name)
}

func TestPromptTruncatesLongContent(t *testing.T) {
	long := strings.Repeat("x", promptContentMax+500)
	prompt := buildPrompt("q", []ContextBlock{{Label: "File", Name: "big.py", Content: long}})
	assert.Contains(t, prompt, "...[truncated]")
	assert.Less(t, len(prompt), len(long))
}

func TestParseAgentType(t *testing.T) {
	agent, err := ParseAgentType("  Structural ")
	require.NoError(t, err)
	assert.Equal(t, AgentStructural, agent)

	_, err = ParseAgentType("oracle")
	require.ErrorIs(t, err, ErrUnknownAgent)
}

func collectEvents(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close in time")
		}
	}
}

func TestStreamSequence(t *testing.T) {
	search := &fakeSearcher{results: map[graph.Label][]graph.ScoredNode{
		graph.LabelFunction: {scored("f", 0.9, map[string]any{"name": "f", "content": "def f(): pass"})},
	}}
	provider := llm.NewMockProvider("test-model")
	provider.SetResponse("f does nothing useful")
	svc := newTestQA(search, provider)

	events, err := svc.Stream(context.Background(), Request{
		Question:     "what does f do?",
		Agent:        AgentStructural,
		Search:       SearchVector,
		ContextLimit: 3,
	})
	require.NoError(t, err)
	got := collectEvents(t, events)
	require.GreaterOrEqual(t, len(got), 3)

	require.NotNil(t, got[0].Meta)
	assert.Equal(t, "test-model", got[0].Meta.Model)
	assert.Equal(t, "mock", got[0].Meta.Provider)
	assert.Equal(t, AgentStructural, got[0].Meta.Agent)
	assert.Equal(t, []string{"Function", "Class", "File"}, got[0].Meta.Labels)
	require.Len(t, got[0].Meta.Context, 1)

	var text strings.Builder
	for _, ev := range got[1 : len(got)-1] {
		text.WriteString(ev.Text)
	}
	assert.Equal(t, "f does nothing useful", text.String())
	assert.True(t, got[len(got)-1].Done)
}

func TestStreamRefusal(t *testing.T) {
	provider := llm.NewMockProvider("test-model")
	svc := newTestQA(&fakeSearcher{}, provider)

	events, err := svc.Stream(context.Background(), Request{
		Question:     "anything indexed?",
		Agent:        AgentStructural,
		ContextLimit: 4,
	})
	require.NoError(t, err)
	got := collectEvents(t, events)
	require.Len(t, got, 3)
	require.NotNil(t, got[0].Meta)
	assert.Empty(t, got[0].Meta.Context)
	assert.Equal(t, RefusalAnswer, got[1].Text)
	assert.True(t, got[2].Done)
	assert.Empty(t, provider.Calls())
}

// stubProvider hands out a caller-controlled chunk channel.
type stubProvider struct {
	chunks chan llm.StreamChunk
}

func (p *stubProvider) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	return "", errors.New("not implemented")
}

func (p *stubProvider) Stream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.StreamChunk, error) {
	return p.chunks, nil
}

func (p *stubProvider) IsAvailable(ctx context.Context) bool { return true }
func (p *stubProvider) Name() string                         { return "stub" }
func (p *stubProvider) Model() string                        { return "stub" }

func streamRequest() Request {
	return Request{
		Question:     "q",
		Agent:        AgentStructural,
		Search:       SearchVector,
		ContextLimit: 3,
	}
}

func contextSearcher() *fakeSearcher {
	return &fakeSearcher{results: map[graph.Label][]graph.ScoredNode{
		graph.LabelFunction: {scored("f", 0.9, map[string]any{"name": "f", "content": "x"})},
	}}
}

func TestStreamCancellationOmitsDone(t *testing.T) {
	provider := &stubProvider{chunks: make(chan llm.StreamChunk)}
	svc := newTestQA(contextSearcher(), provider)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := svc.Stream(ctx, streamRequest())
	require.NoError(t, err)

	first := <-events
	require.NotNil(t, first.Meta)
	cancel()

	got := collectEvents(t, events)
	for _, ev := range got {
		assert.False(t, ev.Done)
	}
}

func TestStreamErrorIsTerminal(t *testing.T) {
	provider := &stubProvider{chunks: make(chan llm.StreamChunk, 2)}
	provider.chunks <- llm.StreamChunk{Text: "partial"}
	provider.chunks <- llm.StreamChunk{Err: errors.New("upstream reset")}
	svc := newTestQA(contextSearcher(), provider)

	events, err := svc.Stream(context.Background(), streamRequest())
	require.NoError(t, err)
	got := collectEvents(t, events)
	require.Len(t, got, 4)
	require.NotNil(t, got[0].Meta)
	assert.Equal(t, "partial", got[1].Text)
	require.Error(t, got[2].Err)
	assert.False(t, got[2].Done)
	assert.True(t, got[3].Done, "the error event must still be followed by the done marker")
}
