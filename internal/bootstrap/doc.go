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

// Package bootstrap wires the codectx service graph from configuration.
//
// It is the single place that knows how the pieces fit together: one
// Neo4j driver, one embedding provider, one LLM provider, and the
// ingestion / search / QA services built on top of them. Commands load
// a config, call New, and use the returned App.
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	app, err := bootstrap.New(ctx, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Close(ctx)
//
//	run, err := app.Ingest.IngestURL(ctx, url, "")
//
// New verifies graph store connectivity before returning, so a missing
// or misconfigured Neo4j fails fast at startup rather than on the first
// query.
package bootstrap
