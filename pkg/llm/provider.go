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

// Package llm provides a unified interface for Large Language Model
// providers. Supports Ollama, OpenAI-compatible APIs, Anthropic, and a
// deterministic mock, in batch and token-streaming modes.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Error kinds. Timeout covers deadline expiry, transport covers connection
// loss, provider covers model-level failures (unknown model, bad request).
var (
	ErrTimeout   = errors.New("llm request timed out")
	ErrTransport = errors.New("llm transport failure")
	ErrProvider  = errors.New("llm provider error")
)

// GenerateRequest is a single-prompt generation request.
type GenerateRequest struct {
	// Prompt is the user prompt. Required.
	Prompt string `json:"prompt"`

	// System is an optional system prompt.
	System string `json:"system,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// Temperature in [0,1]; 0 uses the provider default.
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens bounds the completion length; must be >= 1 when set.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// StreamChunk is one element of a token stream. Err, when non-nil, is
// terminal: no further chunks follow it.
type StreamChunk struct {
	Text string
	Err  error
}

// Provider defines the interface for LLM text generation.
type Provider interface {
	// Generate blocks until the full completion is available.
	Generate(ctx context.Context, req GenerateRequest) (string, error)

	// Stream emits incremental text fragments on the returned channel.
	// The channel is closed when generation completes or fails; consumer
	// cancellation via ctx stops further network reads.
	Stream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error)

	// IsAvailable probes the provider and reports reachability without
	// raising.
	IsAvailable(ctx context.Context) bool

	// Name returns the provider identifier.
	Name() string

	// Model returns the default model name.
	Model() string
}

// Config holds configuration for creating providers.
type Config struct {
	// Type selects the provider: "ollama", "openai", "anthropic", "mock".
	Type string `yaml:"type"`

	// BaseURL overrides the API endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates OpenAI/Anthropic providers.
	APIKey string `yaml:"api_key"`

	// Model is the default model when a request does not name one.
	Model string `yaml:"model"`

	// Timeout bounds each API request (default 120s).
	Timeout time.Duration `yaml:"timeout"`
}

// New creates a Provider based on configuration.
//
// Environment fallbacks follow the usual conventions: OLLAMA_HOST,
// OPENAI_API_KEY, OPENAI_BASE_URL, ANTHROPIC_API_KEY.
func New(cfg Config) (Provider, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	switch strings.ToLower(cfg.Type) {
	case "ollama", "local", "":
		return newOllamaProvider(cfg)
	case "openai", "openai-compatible":
		return newOpenAIProvider(cfg)
	case "anthropic", "claude":
		return newAnthropicProvider(cfg)
	case "mock", "test":
		return NewMockProvider(cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider type: %s (supported: ollama, openai, anthropic, mock)", cfg.Type)
	}
}

// Singleton registry: one shared instance per provider type, guarded for
// concurrent use. Explicit teardown via ResetRegistry.
var (
	registryMu sync.Mutex
	registry   = map[string]Provider{}
)

// Get returns the memoized provider for cfg.Type, constructing on first use.
func Get(cfg Config) (Provider, error) {
	key := strings.ToLower(cfg.Type)
	registryMu.Lock()
	defer registryMu.Unlock()
	if p, ok := registry[key]; ok {
		return p, nil
	}
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	registry[key] = p
	return p, nil
}

// ResetRegistry clears memoized providers. Teardown/test hook.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]Provider{}
}

// validate applies the shared request contract.
func (req *GenerateRequest) validate() error {
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrProvider)
	}
	if req.Temperature < 0 || req.Temperature > 1 {
		return fmt.Errorf("%w: temperature %v out of [0,1]", ErrProvider, req.Temperature)
	}
	if req.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must be >= 1", ErrProvider)
	}
	return nil
}

// classifyHTTPError maps a transport-level error onto the package's error
// kinds.
func classifyHTTPError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "Client.Timeout") || strings.Contains(msg, "deadline exceeded") {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// probe issues a GET and reports whether the endpoint answered at all.
func probe(ctx context.Context, client *http.Client, url string, headers map[string]string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
