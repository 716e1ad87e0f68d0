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

// Package config loads codectx configuration from YAML with environment
// overrides. Resolution order: built-in defaults, then the config file,
// then CODECTX_* environment variables. Secrets (passwords, API keys)
// should come from the environment rather than the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/codectx/pkg/analyzer"
	"github.com/kraklabs/codectx/pkg/embedding"
	"github.com/kraklabs/codectx/pkg/graph"
	"github.com/kraklabs/codectx/pkg/ingest"
	"github.com/kraklabs/codectx/pkg/llm"
	"github.com/kraklabs/codectx/pkg/qa"
)

// DefaultFileName is looked up in the working directory and then under
// ~/.codectx/ when no explicit path is given.
const DefaultFileName = "codectx.yaml"

// Config is the process-wide configuration tree.
type Config struct {
	Store     graph.StoreConfig   `yaml:"store"`
	Search    graph.ServiceConfig `yaml:"search"`
	Embedding embedding.Config    `yaml:"embedding"`
	LLM       llm.Config          `yaml:"llm"`
	Analyzer  analyzer.Config     `yaml:"analyzer"`
	Ingest    ingest.Config       `yaml:"ingest"`
	QA        qa.Config           `yaml:"qa"`

	// BackfillBatchSize is the embedding backfill page size.
	BackfillBatchSize int `yaml:"backfill_batch_size"`

	// Listen is the webhook server bind address.
	Listen string `yaml:"listen"`

	// Flags overrides feature flag defaults.
	Flags map[string]bool `yaml:"flags"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: graph.StoreConfig{
			URI:      "neo4j://localhost:7687",
			Username: "neo4j",
		},
		Embedding: embedding.Config{
			Variant:   embedding.VariantLocalHTTP,
			BaseURL:   "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dimension: 768,
		},
		LLM: llm.Config{
			Type: "ollama",
		},
		BackfillBatchSize: 50,
		Listen:            ":8977",
	}
}

// Load reads configuration from path. An empty path searches the default
// locations; a missing file there is not an error, but an explicit path
// that does not exist is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = findDefaultFile()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func findDefaultFile() string {
	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(home, ".codectx", "config.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// applyEnv layers CODECTX_* variables over the loaded file.
func applyEnv(cfg *Config) {
	setString(&cfg.Store.URI, "CODECTX_NEO4J_URI")
	setString(&cfg.Store.Username, "CODECTX_NEO4J_USER")
	setString(&cfg.Store.Password, "CODECTX_NEO4J_PASSWORD")
	setString(&cfg.Store.Database, "CODECTX_NEO4J_DATABASE")

	if v := os.Getenv("CODECTX_EMBEDDING_VARIANT"); v != "" {
		cfg.Embedding.Variant = embedding.Variant(v)
	}
	setString(&cfg.Embedding.BaseURL, "CODECTX_EMBEDDING_BASE_URL")
	setString(&cfg.Embedding.APIKey, "CODECTX_EMBEDDING_API_KEY")
	setString(&cfg.Embedding.Model, "CODECTX_EMBEDDING_MODEL")
	setInt(&cfg.Embedding.Dimension, "CODECTX_EMBEDDING_DIMENSION")

	setString(&cfg.LLM.Type, "CODECTX_LLM_TYPE")
	setString(&cfg.LLM.BaseURL, "CODECTX_LLM_BASE_URL")
	setString(&cfg.LLM.APIKey, "CODECTX_LLM_API_KEY")
	setString(&cfg.LLM.Model, "CODECTX_LLM_MODEL")

	setString(&cfg.QA.Model, "CODECTX_QA_MODEL")
	setString(&cfg.Listen, "CODECTX_LISTEN")
	setString(&cfg.Ingest.ScratchRoot, "CODECTX_SCRATCH_ROOT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
