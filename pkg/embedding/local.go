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

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"log/slog"
)

// localProvider talks to a local HTTP embedding server (Ollama-style):
// one POST to /api/embeddings per text with {model, prompt}.
type localProvider struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
	logger    *slog.Logger
}

func newLocalProvider(cfg Config, logger *slog.Logger) *localProvider {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = 768
	}
	return &localProvider{
		baseURL:   baseURL,
		model:     model,
		dimension: dimension,
		// Local models may be slow on first load.
		client: &http.Client{Timeout: 120 * time.Second},
		logger: logger,
	}
}

type localEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (p *localProvider) Dimension() int { return p.dimension }

func (p *localProvider) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	text, err := prepareText(text)
	if err != nil {
		return nil, err
	}

	var vector []float32
	err = withRateLimitRetry(ctx, p.logger, "local.embed", func() error {
		var callErr error
		vector, callErr = p.call(ctx, text)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// EmbedMany issues one call per text; the server has no batch endpoint.
// Any single failure fails the whole batch.
func (p *localProvider) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	cleaned, err := prepareTexts(texts)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(cleaned))
	for i, text := range cleaned {
		vec, err := p.EmbedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (p *localProvider) call(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(localEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp localEmbedResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("local embedding error (status %d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("local embedding error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed localEmbedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("local embedding server returned empty embedding")
	}
	if len(parsed.Embedding) != p.dimension {
		return nil, fmt.Errorf("embedding has dimension %d, want %d", len(parsed.Embedding), p.dimension)
	}

	vec := make([]float32, len(parsed.Embedding))
	for i, v := range parsed.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
