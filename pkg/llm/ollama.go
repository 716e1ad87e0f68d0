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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

type ollamaProvider struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

func newOllamaProvider(cfg Config) (*ollamaProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = envOr("OLLAMA_HOST", "http://localhost:11434")
	}
	model := cfg.Model
	if model == "" {
		model = os.Getenv("OLLAMA_MODEL")
	}
	return &ollamaProvider{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		defaultModel: model,
		client:       &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *ollamaProvider) Name() string  { return "ollama" }
func (p *ollamaProvider) Model() string { return p.defaultModel }

func (p *ollamaProvider) IsAvailable(ctx context.Context) bool {
	return probe(ctx, p.client, p.baseURL+"/api/tags", nil)
}

func (p *ollamaProvider) payload(req GenerateRequest, stream bool) (map[string]any, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, fmt.Errorf("%w: ollama model not specified (set OLLAMA_MODEL or pass in request)", ErrProvider)
	}
	payload := map[string]any{
		"model":  model,
		"prompt": req.Prompt,
		"stream": stream,
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if len(options) > 0 {
		payload["options"] = options
	}
	return payload, nil
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (p *ollamaProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	payload, err := p.payload(req, false)
	if err != nil {
		return "", err
	}

	resp, err := p.post(ctx, payload)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyHTTPError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", ollamaError(resp.StatusCode, body)
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", ErrProvider, err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrProvider, parsed.Error)
	}
	return parsed.Response, nil
}

// Stream reads Ollama's NDJSON stream line by line, forwarding each
// "response" fragment. Context cancellation closes the body, which stops
// further network reads.
func (p *ollamaProvider) Stream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	payload, err := p.payload(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, ollamaError(resp.StatusCode, body)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var chunk ollamaResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				emit(ctx, out, StreamChunk{Err: fmt.Errorf("%w: parse stream: %v", ErrProvider, err)})
				return
			}
			if chunk.Error != "" {
				emit(ctx, out, StreamChunk{Err: fmt.Errorf("%w: %s", ErrProvider, chunk.Error)})
				return
			}
			if chunk.Response != "" {
				if !emit(ctx, out, StreamChunk{Text: chunk.Response}) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(ctx, out, StreamChunk{Err: classifyHTTPError(err)})
		}
	}()
	return out, nil
}

func (p *ollamaProvider) post(ctx context.Context, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrProvider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	return resp, nil
}

func ollamaError(status int, body []byte) error {
	var parsed ollamaResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return fmt.Errorf("%w: ollama (status %d): %s", ErrProvider, status, parsed.Error)
	}
	return fmt.Errorf("%w: ollama (status %d): %s", ErrProvider, status, string(body))
}

// emit sends a chunk unless the consumer has cancelled. Returns false when
// the send was abandoned.
func emit(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
