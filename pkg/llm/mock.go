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

package llm

import (
	"context"
	"strings"
	"sync"
)

// MockProvider is a deterministic in-memory provider for tests. It echoes
// a canned response by default, or the value set with SetResponse, and
// streams it word by word.
type MockProvider struct {
	mu       sync.Mutex
	model    string
	response string
	calls    []GenerateRequest
	err      error
}

func NewMockProvider(model string) *MockProvider {
	if model == "" {
		model = "mock-model"
	}
	return &MockProvider{
		model:    model,
		response: "This is a mock response.",
	}
}

// SetResponse overrides the text returned by Generate and Stream.
func (p *MockProvider) SetResponse(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = text
}

// SetError makes subsequent calls fail with err.
func (p *MockProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Calls returns a copy of every request seen so far.
func (p *MockProvider) Calls() []GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]GenerateRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *MockProvider) Name() string  { return "mock" }
func (p *MockProvider) Model() string { return p.model }

func (p *MockProvider) IsAvailable(ctx context.Context) bool { return true }

func (p *MockProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.calls = append(p.calls, req)
	response, err := p.response, p.err
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	return response, nil
}

func (p *MockProvider) Stream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.calls = append(p.calls, req)
	response, failure := p.response, p.err
	p.mu.Unlock()
	if failure != nil {
		return nil, failure
	}

	words := strings.Fields(response)
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for i, word := range words {
			chunk := StreamChunk{Text: word}
			if i < len(words)-1 {
				chunk.Text += " "
			}
			if !emit(ctx, out, chunk) {
				return
			}
		}
	}()
	return out, nil
}
