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

	"github.com/kraklabs/codectx/pkg/llm"
)

// StreamMeta is the envelope emitted before any text.
type StreamMeta struct {
	Model    string         `json:"model"`
	Provider string         `json:"provider"`
	Agent    AgentType      `json:"agent"`
	Labels   []string       `json:"labels"`
	Context  []ContextBlock `json:"context"`
}

// StreamEvent is one streamed item. Exactly one of Meta, Text, Err or
// Done is meaningful per event. The event sequence is: one Meta, zero or
// more Text events, an Err event when generation fails, then one Done
// event. Cancellation closes the channel without a Done marker.
type StreamEvent struct {
	Meta *StreamMeta `json:"meta,omitempty"`
	Text string      `json:"text,omitempty"`
	Err  error       `json:"-"`
	Done bool        `json:"done,omitempty"`
}

// Stream answers a question incrementally. The returned channel is closed
// when the stream ends for any reason. Validation failures surface on the
// error return before any event is emitted.
func (s *Service) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	profile, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	var blocks []ContextBlock
	if req.ContextLimit > 0 {
		blocks = s.retrieve(ctx, &req, profile)
	}

	labels := make([]string, len(profile.labels))
	for i, label := range profile.labels {
		labels[i] = string(label)
	}
	meta := &StreamMeta{
		Model:    s.cfg.Model,
		Provider: s.provider.Name(),
		Agent:    req.Agent,
		Labels:   labels,
		Context:  blocks,
	}

	out := make(chan StreamEvent)
	if len(blocks) == 0 {
		// Refusals stream too, so consumers see one code path.
		go func() {
			defer close(out)
			if !emit(ctx, out, StreamEvent{Meta: meta}) {
				return
			}
			if !emit(ctx, out, StreamEvent{Text: RefusalAnswer}) {
				return
			}
			emit(ctx, out, StreamEvent{Done: true})
		}()
		return out, nil
	}

	chunks, err := s.provider.Stream(ctx, llm.GenerateRequest{
		Prompt:      buildPrompt(req.Question, blocks),
		System:      profile.system,
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)
		if !emit(ctx, out, StreamEvent{Meta: meta}) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-chunks:
				if !ok {
					emit(ctx, out, StreamEvent{Done: true})
					return
				}
				if chunk.Err != nil {
					// Errors are terminal but still precede the done marker.
					if emit(ctx, out, StreamEvent{Err: chunk.Err}) {
						emit(ctx, out, StreamEvent{Done: true})
					}
					return
				}
				if !emit(ctx, out, StreamEvent{Text: chunk.Text}) {
					return
				}
			}
		}
	}()
	return out, nil
}

func emit(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		return true
	}
}
