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

type openaiProvider struct {
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client
}

func newOpenAIProvider(cfg Config) (*openaiProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY is required", ErrProvider)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = envOr("OPENAI_BASE_URL", "https://api.openai.com/v1")
	}
	model := cfg.Model
	if model == "" {
		model = envOr("OPENAI_MODEL", "gpt-4o-mini")
	}
	return &openaiProvider{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: model,
		client:       &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *openaiProvider) Name() string  { return "openai" }
func (p *openaiProvider) Model() string { return p.defaultModel }

func (p *openaiProvider) IsAvailable(ctx context.Context) bool {
	return probe(ctx, p.client, p.baseURL+"/models", map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	})
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChoice struct {
	Message openaiMessage `json:"message"`
	Delta   openaiMessage `json:"delta"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *openaiProvider) payload(req GenerateRequest, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	messages := []openaiMessage{}
	if req.System != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openaiMessage{Role: "user", Content: req.Prompt})

	payload := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   stream,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	return payload
}

func (p *openaiProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
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
		return "", openaiError(resp.StatusCode, body)
	}

	var parsed openaiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", ErrProvider, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrProvider)
	}
	return parsed.Choices[0].Message.Content, nil
}

// Stream consumes the SSE stream: "data: {json}" lines terminated by
// "data: [DONE]".
func (p *openaiProvider) Stream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
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
		return nil, openaiError(resp.StatusCode, body)
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
			if data == "[DONE]" {
				return
			}
			var parsed openaiResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				emit(ctx, out, StreamChunk{Err: fmt.Errorf("%w: parse stream: %v", ErrProvider, err)})
				return
			}
			if parsed.Error != nil {
				emit(ctx, out, StreamChunk{Err: fmt.Errorf("%w: %s", ErrProvider, parsed.Error.Message)})
				return
			}
			if len(parsed.Choices) > 0 && parsed.Choices[0].Delta.Content != "" {
				if !emit(ctx, out, StreamChunk{Text: parsed.Choices[0].Delta.Content}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(ctx, out, StreamChunk{Err: classifyHTTPError(err)})
		}
	}()
	return out, nil
}

func (p *openaiProvider) post(ctx context.Context, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrProvider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	return resp, nil
}

func openaiError(status int, body []byte) error {
	var parsed openaiResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
		return fmt.Errorf("%w: openai (status %d): %s", ErrProvider, status, parsed.Error.Message)
	}
	return fmt.Errorf("%w: openai (status %d): %s", ErrProvider, status, string(body))
}
