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

package ingest

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsIngest holds Prometheus metrics for the ingestion subsystem.
type metricsIngest struct {
	once sync.Once

	runsTotal     *prometheus.CounterVec
	filesParsed   prometheus.Counter
	filesDeleted  prometheus.Counter
	webhooksTotal *prometheus.CounterVec

	runDuration prometheus.Histogram
}

var ingMetrics metricsIngest

func (m *metricsIngest) init() {
	m.once.Do(func() {
		m.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codectx_ingest_runs_total",
			Help: "Ingestion runs by terminal state",
		}, []string{"state"})
		m.filesParsed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codectx_ingest_files_parsed_total",
			Help: "Source files parsed across all runs",
		})
		m.filesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codectx_ingest_file_subgraphs_deleted_total",
			Help: "File subgraphs deleted during incremental runs",
		})
		m.webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codectx_ingest_webhooks_total",
			Help: "Webhook deliveries by event type",
		}, []string{"event"})

		m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "codectx_ingest_run_seconds",
			Help:    "End to end ingestion run duration",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		})

		prometheus.MustRegister(
			m.runsTotal, m.filesParsed, m.filesDeleted, m.webhooksTotal,
			m.runDuration,
		)
	})
}

func metrics() *metricsIngest {
	ingMetrics.init()
	return &ingMetrics
}

func (m *metricsIngest) recordRun(state string, dur time.Duration) {
	m.runsTotal.WithLabelValues(state).Inc()
	m.runDuration.Observe(dur.Seconds())
}

func (m *metricsIngest) recordFiles(parsed, deleted int) {
	m.filesParsed.Add(float64(parsed))
	m.filesDeleted.Add(float64(deleted))
}

func (m *metricsIngest) recordWebhook(event string) {
	m.webhooksTotal.WithLabelValues(event).Inc()
}
