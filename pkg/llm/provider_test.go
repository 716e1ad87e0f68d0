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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectStream(t *testing.T, stream <-chan StreamChunk) (string, error) {
	t.Helper()
	var text strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return text.String(), chunk.Err
		}
		text.WriteString(chunk.Text)
	}
	return text.String(), nil
}

func TestRequestValidation(t *testing.T) {
	p := NewMockProvider("m")

	_, err := p.Generate(context.Background(), GenerateRequest{Prompt: "   "})
	assert.ErrorIs(t, err, ErrProvider)

	_, err = p.Generate(context.Background(), GenerateRequest{Prompt: "q", Temperature: 1.5})
	assert.ErrorIs(t, err, ErrProvider)

	_, err = p.Generate(context.Background(), GenerateRequest{Prompt: "q", MaxTokens: -1})
	assert.ErrorIs(t, err, ErrProvider)

	assert.Empty(t, p.Calls(), "invalid requests should not be recorded")
}

func TestFactoryUnknownType(t *testing.T) {
	_, err := New(Config{Type: "cohere"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown LLM provider type")
}

func TestFactoryOpenAIRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := New(Config{Type: "openai"})
	assert.ErrorIs(t, err, ErrProvider)
}

func TestFactoryAnthropicRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := New(Config{Type: "anthropic"})
	assert.ErrorIs(t, err, ErrProvider)
}

func TestRegistryMemoizes(t *testing.T) {
	ResetRegistry()
	defer ResetRegistry()

	first, err := Get(Config{Type: "mock", Model: "a"})
	require.NoError(t, err)
	second, err := Get(Config{Type: "mock", Model: "ignored-on-second-call"})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, "a", second.Model())

	ResetRegistry()
	third, err := Get(Config{Type: "mock", Model: "b"})
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestOllamaGenerate(t *testing.T) {
	var seen map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "four", "done": true})
	}))
	defer server.Close()

	p, err := newOllamaProvider(Config{BaseURL: server.URL, Model: "llama3", Timeout: 5 * time.Second})
	require.NoError(t, err)

	text, err := p.Generate(context.Background(), GenerateRequest{Prompt: "2+2?", System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "four", text)
	assert.Equal(t, "llama3", seen["model"])
	assert.Equal(t, "2+2?", seen["prompt"])
	assert.Equal(t, "be brief", seen["system"])
	assert.Equal(t, false, seen["stream"])
}

func TestOllamaGenerateRequiresModel(t *testing.T) {
	t.Setenv("OLLAMA_MODEL", "")
	p, err := newOllamaProvider(Config{BaseURL: "http://localhost:1", Timeout: time.Second})
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), GenerateRequest{Prompt: "q"})
	assert.ErrorIs(t, err, ErrProvider)
}

func TestOllamaStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`{"response":"Hello","done":false}`,
			`{"response":" world","done":false}`,
			`{"response":"","done":true}`,
		} {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer server.Close()

	p, err := newOllamaProvider(Config{BaseURL: server.URL, Model: "llama3", Timeout: 5 * time.Second})
	require.NoError(t, err)

	stream, err := p.Stream(context.Background(), GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)

	text, streamErr := collectStream(t, stream)
	require.NoError(t, streamErr)
	assert.Equal(t, "Hello world", text)
}

func TestOllamaStreamErrorIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"partial","done":false}`)
		fmt.Fprintln(w, `{"error":"model exploded"}`)
		fmt.Fprintln(w, `{"response":"never seen","done":true}`)
	}))
	defer server.Close()

	p, err := newOllamaProvider(Config{BaseURL: server.URL, Model: "llama3", Timeout: 5 * time.Second})
	require.NoError(t, err)

	stream, err := p.Stream(context.Background(), GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)

	text, streamErr := collectStream(t, stream)
	require.ErrorIs(t, streamErr, ErrProvider)
	assert.Contains(t, streamErr.Error(), "model exploded")
	assert.Equal(t, "partial", text)
}

func TestOllamaGenerateHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "out of memory"})
	}))
	defer server.Close()

	p, err := newOllamaProvider(Config{BaseURL: server.URL, Model: "llama3", Timeout: 5 * time.Second})
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	require.ErrorIs(t, err, ErrProvider)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestOpenAIGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var payload struct {
			Model    string          `json:"model"`
			Messages []openaiMessage `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Messages, 2)
		assert.Equal(t, "system", payload.Messages[0].Role)
		assert.Equal(t, "user", payload.Messages[1].Role)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "four"}},
			},
		})
	}))
	defer server.Close()

	p, err := newOpenAIProvider(Config{BaseURL: server.URL, APIKey: "sk-test", Model: "gpt-4o-mini", Timeout: 5 * time.Second})
	require.NoError(t, err)

	text, err := p.Generate(context.Background(), GenerateRequest{Prompt: "2+2?", System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "four", text)
}

func TestOpenAIStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
			``,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			``,
			`data: [DONE]`,
		} {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer server.Close()

	p, err := newOpenAIProvider(Config{BaseURL: server.URL, APIKey: "sk-test", Timeout: 5 * time.Second})
	require.NoError(t, err)

	stream, err := p.Stream(context.Background(), GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)

	text, streamErr := collectStream(t, stream)
	require.NoError(t, streamErr)
	assert.Equal(t, "Hello", text)
}

func TestAnthropicGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		require.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var payload struct {
			MaxTokens int    `json:"max_tokens"`
			System    string `json:"system"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, 1024, payload.MaxTokens, "default max_tokens when unset")
		assert.Equal(t, "be brief", payload.System)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{
				{"type": "text", "text": "fo"},
				{"type": "text", "text": "ur"},
			},
		})
	}))
	defer server.Close()

	p, err := newAnthropicProvider(Config{BaseURL: server.URL, APIKey: "sk-ant", Timeout: 5 * time.Second})
	require.NoError(t, err)

	text, err := p.Generate(context.Background(), GenerateRequest{Prompt: "2+2?", System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "four", text)
}

func TestAnthropicStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","delta":{"text":"Hel"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","delta":{"text":"lo"}}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
		} {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer server.Close()

	p, err := newAnthropicProvider(Config{BaseURL: server.URL, APIKey: "sk-ant", Timeout: 5 * time.Second})
	require.NoError(t, err)

	stream, err := p.Stream(context.Background(), GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)

	text, streamErr := collectStream(t, stream)
	require.NoError(t, streamErr)
	assert.Equal(t, "Hello", text)
}

func TestStreamCancellationClosesChannel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"first","done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p, err := newOllamaProvider(Config{BaseURL: server.URL, Model: "llama3", Timeout: 30 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := p.Stream(ctx, GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)

	first, ok := <-stream
	require.True(t, ok)
	require.NoError(t, first.Err)
	assert.Equal(t, "first", first.Text)

	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, open := <-stream:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("stream channel not closed after cancellation")
		}
	}
}

func TestMockProvider(t *testing.T) {
	p := NewMockProvider("")
	assert.Equal(t, "mock-model", p.Model())
	assert.True(t, p.IsAvailable(context.Background()))

	p.SetResponse("alpha beta gamma")

	text, err := p.Generate(context.Background(), GenerateRequest{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "alpha beta gamma", text)

	stream, err := p.Stream(context.Background(), GenerateRequest{Prompt: "q2"})
	require.NoError(t, err)
	streamed, streamErr := collectStream(t, stream)
	require.NoError(t, streamErr)
	assert.Equal(t, "alpha beta gamma", streamed)

	calls := p.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "q", calls[0].Prompt)
	assert.Equal(t, "q2", calls[1].Prompt)

	boom := errors.New("boom")
	p.SetError(boom)
	_, err = p.Generate(context.Background(), GenerateRequest{Prompt: "q3"})
	assert.ErrorIs(t, err, boom)
}
