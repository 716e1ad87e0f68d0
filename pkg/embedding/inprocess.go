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
	"context"
	"math"

	"log/slog"
)

// inProcessProvider produces deterministic embeddings from a text hash.
// Not semantically meaningful, but unit-normalized and stable, which is
// what tests and offline ingestion need.
type inProcessProvider struct {
	dimension int
	logger    *slog.Logger
}

func newInProcessProvider(dimension int, logger *slog.Logger) *inProcessProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if dimension <= 0 {
		dimension = 384
	}
	return &inProcessProvider{dimension: dimension, logger: logger}
}

func (p *inProcessProvider) Dimension() int { return p.dimension }

func (p *inProcessProvider) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	text, err := prepareText(text)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return p.embed(text), nil
}

func (p *inProcessProvider) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	cleaned, err := prepareTexts(texts)
	if err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(cleaned))
	for i, text := range cleaned {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		vectors[i] = p.embed(text)
	}
	return vectors, nil
}

func (p *inProcessProvider) embed(text string) []float32 {
	hash := djb2(text)
	vec := make([]float32, p.dimension)
	for i := 0; i < p.dimension; i++ {
		v := float32((hash+uint64(i)*7919)%10000) / 10000.0
		vec[i] = v*2.0 - 1.0
	}
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func djb2(s string) uint64 {
	var hash uint64 = 5381
	for _, c := range s {
		hash = ((hash << 5) + hash) + uint64(c)
	}
	return hash
}
