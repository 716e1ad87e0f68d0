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

const anthropicVersion = "2023-06-01"

type anthropicProvider struct {
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client
}

func newAnthropicProvider(cfg Config) (*anthropicProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is required", ErrProvider)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &anthropicProvider{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: model,
		client:       &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *anthropicProvider) Name() string  { return "anthropic" }
func (p *anthropicProvider) Model() string { return p.defaultModel }

func (p *anthropicProvider) IsAvailable(ctx context.Context) bool {
	return probe(ctx, p.client, p.baseURL+"/models", map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	})
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *anthropicProvider) payload(req GenerateRequest, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	payload := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
		"stream": stream,
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	return payload
}

func (p *anthropicProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	resp, err := p.post(ctx, p.payload(req, false))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyHTTPError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", anthropicError(resp.StatusCode, body)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", ErrProvider, err)
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		text.WriteString(block.Text)
	}
	return text.String(), nil
}

// Stream consumes Anthropic's SSE stream, forwarding content_block_delta
// text fragments until message_stop.
func (p *anthropicProvider) Stream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	resp, err := p.post(ctx, p.payload(req, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, anthropicError(resp.StatusCode, body)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				emit(ctx, out, StreamChunk{Err: fmt.Errorf("%w: parse stream: %v", ErrProvider, err)})
				return
			}
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text != "" {
					if !emit(ctx, out, StreamChunk{Text: event.Delta.Text}) {
						return
					}
				}
			case "error":
				msg := "stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				emit(ctx, out, StreamChunk{Err: fmt.Errorf("%w: %s", ErrProvider, msg)})
				return
			case "message_stop":
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(ctx, out, StreamChunk{Err: classifyHTTPError(err)})
		}
	}()
	return out, nil
}

func (p *anthropicProvider) post(ctx context.Context, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrProvider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	return resp, nil
}

func anthropicError(status int, body []byte) error {
	var parsed anthropicResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
		return fmt.Errorf("%w: anthropic (status %d): %s", ErrProvider, status, parsed.Error.Message)
	}
	return fmt.Errorf("%w: anthropic (status %d): %s", ErrProvider, status, string(body))
}
