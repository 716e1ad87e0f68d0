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

// Package flags is a small process-wide feature-flag registry with
// explicit init and teardown.
package flags

import "sync"

// Known flags.
const (
	IncrementalIngest = "incremental_ingest"
	HybridSearch      = "hybrid_search"
)

var defaults = map[string]bool{
	IncrementalIngest: true,
	HybridSearch:      true,
}

var (
	mu    sync.RWMutex
	state map[string]bool
)

// Init installs the defaults, then applies overrides.
func Init(overrides map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	state = make(map[string]bool, len(defaults))
	for name, value := range defaults {
		state[name] = value
	}
	for name, value := range overrides {
		state[name] = value
	}
}

// Enabled reports a flag's value. Unknown flags and an uninitialized
// registry report false for anything without a default.
func Enabled(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	if state == nil {
		return defaults[name]
	}
	return state[name]
}

// Set flips one flag at runtime.
func Set(name string, value bool) {
	mu.Lock()
	defer mu.Unlock()
	if state == nil {
		state = make(map[string]bool, len(defaults))
		for n, v := range defaults {
			state[n] = v
		}
	}
	state[name] = value
}

// Reset clears the registry back to its uninitialized state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	state = nil
}
