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

// Package embedding provides pluggable text-to-vector providers.
//
// Three variants are supported: a remote batch API, a local HTTP server
// (Ollama-style /api/embeddings), and an in-process deterministic model.
// The provider's reported dimension is the ground truth for the vector
// indexes attached to embeddable graph labels.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"log/slog"
)

// Variant selects a provider implementation.
type Variant string

const (
	// VariantRemoteAPI is an authenticated HTTPS batch embedding API.
	VariantRemoteAPI Variant = "remote_api"

	// VariantLocalHTTP is a local HTTP server posting one text per call
	// to /api/embeddings (Ollama-compatible).
	VariantLocalHTTP Variant = "local_http"

	// VariantInProcess is an in-process model; deterministic and
	// dependency-free, used for tests and offline runs.
	VariantInProcess Variant = "in_process"
)

// Sentinel errors.
var (
	// ErrEmptyText is returned when a text is empty after stripping.
	ErrEmptyText = errors.New("text is empty")

	// ErrRateLimited is returned after retries on a rate-limit or quota
	// signal are exhausted.
	ErrRateLimited = errors.New("embedding provider rate-limited")
)

// Provider generates embeddings for text.
//
// EmbedMany preserves input order and fails the whole batch when any
// element fails. Texts are stripped before embedding; empty texts are
// rejected with ErrEmptyText.
type Provider interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config configures provider construction.
type Config struct {
	// Variant selects the implementation.
	Variant Variant `yaml:"variant"`

	// BaseURL is the API endpoint (remote and local variants).
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates the remote variant.
	APIKey string `yaml:"api_key"`

	// Model is the embedding model name.
	Model string `yaml:"model"`

	// Dimension is the expected vector dimension. Remote/local providers
	// validate responses against it; the in-process model produces it.
	Dimension int `yaml:"dimension"`
}

// New creates a provider for the configured variant.
func New(cfg Config, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Variant {
	case VariantRemoteAPI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("remote_api embedding provider requires an API key")
		}
		return newRemoteProvider(cfg, logger), nil
	case VariantLocalHTTP:
		return newLocalProvider(cfg, logger), nil
	case VariantInProcess:
		return newInProcessProvider(cfg.Dimension, logger), nil
	default:
		return nil, fmt.Errorf("unknown embedding variant: %q (supported: remote_api, local_http, in_process)", cfg.Variant)
	}
}

// registry memoizes one provider instance per variant for the lifetime of
// the process.
type registry struct {
	mu        sync.Mutex
	providers map[Variant]Provider
}

var defaultRegistry = &registry{providers: make(map[Variant]Provider)}

// Get returns the memoized provider for cfg.Variant, constructing it on
// first use. Later calls with a different config for the same variant
// return the original instance.
func Get(cfg Config, logger *slog.Logger) (Provider, error) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()

	if p, ok := defaultRegistry.providers[cfg.Variant]; ok {
		return p, nil
	}
	p, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	defaultRegistry.providers[cfg.Variant] = p
	return p, nil
}

// ResetRegistry clears the memoized providers. Teardown/test hook.
func ResetRegistry() {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.providers = make(map[Variant]Provider)
}

// prepareTexts strips each text and rejects empty ones. Returns the
// cleaned slice in input order.
func prepareTexts(texts []string) ([]string, error) {
	out := make([]string, len(texts))
	for i, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, fmt.Errorf("text %d: %w", i, ErrEmptyText)
		}
		out[i] = t
	}
	return out, nil
}

func prepareText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	return text, nil
}
