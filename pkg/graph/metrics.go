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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsGraph holds Prometheus metrics for the graph subsystem.
type metricsGraph struct {
	once sync.Once

	nodesWritten    prometheus.Counter
	edgesWritten    prometheus.Counter
	batchesFlushed  prometheus.Counter
	subgraphDeletes prometheus.Counter
	backfilled      prometheus.Counter

	searches *prometheus.CounterVec

	flushDuration prometheus.Histogram
}

var graphMetrics metricsGraph

func (m *metricsGraph) init() {
	m.once.Do(func() {
		m.nodesWritten = prometheus.NewCounter(prometheus.CounterOpts{Name: "codectx_graph_nodes_written_total", Help: "Nodes upserted into the graph store"})
		m.edgesWritten = prometheus.NewCounter(prometheus.CounterOpts{Name: "codectx_graph_edges_written_total", Help: "Edges merged into the graph store"})
		m.batchesFlushed = prometheus.NewCounter(prometheus.CounterOpts{Name: "codectx_graph_batches_total", Help: "Batches flushed to the graph store"})
		m.subgraphDeletes = prometheus.NewCounter(prometheus.CounterOpts{Name: "codectx_graph_subgraph_deletes_total", Help: "Per-file subgraph deletions"})
		m.backfilled = prometheus.NewCounter(prometheus.CounterOpts{Name: "codectx_graph_embeddings_backfilled_total", Help: "Embeddings written by the backfill worker"})

		m.searches = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "codectx_graph_searches_total", Help: "Vector index searches by label"}, []string{"label"})

		buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
		m.flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "codectx_graph_flush_seconds", Help: "Batch flush duration", Buckets: buckets})

		prometheus.MustRegister(
			m.nodesWritten, m.edgesWritten, m.batchesFlushed,
			m.subgraphDeletes, m.backfilled,
			m.searches,
			m.flushDuration,
		)
	})
}

func (m *metricsGraph) recordBatch(nodes, edges int, d time.Duration) {
	m.init()
	m.nodesWritten.Add(float64(nodes))
	m.edgesWritten.Add(float64(edges))
	m.batchesFlushed.Inc()
	m.flushDuration.Observe(d.Seconds())
}

func (m *metricsGraph) recordSubgraphDelete() {
	m.init()
	m.subgraphDeletes.Inc()
}

func (m *metricsGraph) recordBackfill(n int) {
	m.init()
	m.backfilled.Add(float64(n))
}

func (m *metricsGraph) recordSearch(label string, results int) {
	m.init()
	m.searches.WithLabelValues(label).Inc()
}
