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

// Package graph implements the labeled-property-graph core: the Neo4j store
// adapter, the batch ingestion service, the retrieval service, and the
// embedding backfill worker.
//
// The store holds one node per stable ID (see schema.go for the ID grammar)
// with a UNIQUE(id) constraint per label and a cosine vector index per
// embeddable label. All writes are MERGE-on-id upserts so that retries and
// re-ingestions are idempotent.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
)

// Sentinel errors surfaced by the graph core.
var (
	// ErrTransient marks connection loss and pool exhaustion. The caller
	// decides whether to retry; the adapter never retries implicitly.
	ErrTransient = errors.New("transient graph store error")

	// ErrNodeNotFound is returned by exact lookups that match nothing.
	ErrNodeNotFound = errors.New("node not found")

	// ErrIndexMissing is returned when a vector search targets a label
	// whose vector index has not been created.
	ErrIndexMissing = errors.New("vector index missing, backfill required")

	// ErrRepositoryUnknown is returned when a query names a repository
	// that has never been ingested.
	ErrRepositoryUnknown = errors.New("unknown repository")
)

// StoreConfig configures the Neo4j connection.
type StoreConfig struct {
	// URI is the bolt/neo4j connection URI, e.g. "neo4j://localhost:7687".
	URI string `yaml:"uri"`

	// Username and Password authenticate against the server.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Database selects the named database ("" uses the server default).
	Database string `yaml:"database"`

	// MaxPoolSize bounds the connection pool (default 50).
	MaxPoolSize int `yaml:"max_pool_size"`

	// MaxConnLifetime recycles connections older than this (default 1h).
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`

	// AcquireTimeout bounds waiting for a pooled connection (default 60s).
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// Store is the thin adapter over the Neo4j driver. It is a process-wide
// singleton owned by bootstrap; sessions are per-call and short-lived.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// NewStore opens a driver with the configured pool and verifies
// connectivity once.
func NewStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URI == "" {
		return nil, fmt.Errorf("graph store URI is required")
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 50
	}
	if cfg.MaxConnLifetime <= 0 {
		cfg.MaxConnLifetime = time.Hour
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 60 * time.Second
	}

	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *config.Config) {
			c.MaxConnectionPoolSize = cfg.MaxPoolSize
			c.MaxConnectionLifetime = cfg.MaxConnLifetime
			c.ConnectionAcquisitionTimeout = cfg.AcquireTimeout
		},
	)
	if err != nil {
		return nil, fmt.Errorf("create driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("%w: verify connectivity: %v", ErrTransient, err)
	}

	logger.Info("graph.store.connected",
		"uri", cfg.URI,
		"database", cfg.Database,
		"pool_size", cfg.MaxPoolSize,
	)

	return &Store{
		driver:   driver,
		database: cfg.Database,
		logger:   logger,
	}, nil
}

// Close shuts down the driver and its pool.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Run executes a single parameterized query and collects all records.
// Queries are opaque strings; parameters must already be sanitized
// (primitives, lists of primitives, or JSON strings). Each call runs in
// its own session; there are no implicit transactions across calls.
func (s *Store) Run(ctx context.Context, query string, params map[string]any) ([]*db.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer func() { _ = session.Close(ctx) }()

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, classifyStoreError(err)
	}

	records, err := result.Collect(ctx)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return records, nil
}

// RunRead executes a read-only query and collects all records.
func (s *Store) RunRead(ctx context.Context, query string, params map[string]any) ([]*db.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.database,
	})
	defer func() { _ = session.Close(ctx) }()

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, classifyStoreError(err)
	}

	records, err := result.Collect(ctx)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return records, nil
}

// classifyStoreError wraps connectivity failures with ErrTransient so
// callers can detect retryable conditions without importing the driver.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	if neo4j.IsConnectivityError(err) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// recordString extracts a string field from a record, tolerating nulls.
func recordString(rec *db.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// recordFloat extracts a float64 field from a record, tolerating nulls
// and integer values.
func recordFloat(rec *db.Record, key string) float64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
