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

package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// SanitizeProps converts a property map into a form the graph store accepts:
// primitives pass through, time.Time becomes an ISO-8601 string, maps and
// lists of non-primitives become JSON strings, nil values are dropped.
// A property that cannot be converted is an error, not a silent skip.
func SanitizeProps(props map[string]any) (map[string]any, error) {
	if props == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		if v == nil {
			continue
		}
		sv, err := sanitizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		if sv == nil {
			continue
		}
		out[k] = sv
	}
	return out, nil
}

func sanitizeValue(v any) (any, error) {
	switch val := v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val, nil
	case time.Time:
		return val.UTC().Format(time.RFC3339), nil
	case *time.Time:
		if val == nil {
			return nil, nil
		}
		return val.UTC().Format(time.RFC3339), nil
	case []string:
		return val, nil
	case []int:
		return val, nil
	case []int64:
		return val, nil
	case []float32:
		return val, nil
	case []float64:
		return val, nil
	case []bool:
		return val, nil
	case []any:
		if allPrimitives(val) {
			return val, nil
		}
		return jsonString(val)
	case map[string]any, map[string]string:
		return jsonString(val)
	default:
		return nil, fmt.Errorf("unsupported property type %T", v)
	}
}

func allPrimitives(vals []any) bool {
	for _, v := range vals {
		switch v.(type) {
		case string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return false
		}
	}
	return true
}

func jsonString(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json encode: %w", err)
	}
	return string(data), nil
}
