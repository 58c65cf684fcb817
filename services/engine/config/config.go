// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config centralizes configuration: an optional YAML file, overlaid
// by environment variables, validated before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Version is the served version string.
const Version = "1.0.0"

// Config holds every engine tunable. Zero values take defaults in Load.
type Config struct {
	// Port is the HTTP server port.
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// DataDir is the working root for logs, lineage, and the vault.
	DataDir string `yaml:"data_dir" validate:"required"`

	// CorpusDir holds the clean/poisoned/golden corpus for ingestion.
	CorpusDir string `yaml:"corpus_dir"`

	// WeaviateURL enables the Weaviate index; empty runs the in-memory
	// index (lightweight mode).
	WeaviateURL string `yaml:"weaviate_url"`

	// EmbeddingURL points at the embedding sidecar; empty uses the
	// deterministic hash embedder (lightweight mode).
	EmbeddingURL string `yaml:"embedding_url"`

	// LLMBackend selects the generation backend: "ollama", "openai",
	// "claude"/"anthropic".
	LLMBackend string `yaml:"llm_backend" validate:"omitempty,oneof=ollama openai claude anthropic"`

	// OTelEndpoint is the OTLP collector; empty disables tracing export.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// RetrieveK is the default retrieval depth.
	RetrieveK int `yaml:"retrieve_k" validate:"gte=1,lte=20"`

	// Threshold is the per-signal vote threshold.
	Threshold float64 `yaml:"threshold" validate:"gt=0,lt=1"`

	// Quorum is how many signals below Threshold trigger quarantine.
	Quorum int `yaml:"quorum" validate:"gte=1,lte=4"`

	// BoostFactor is the identifier repetition count in augmented queries.
	BoostFactor int `yaml:"boost_factor" validate:"gte=1,lte=10"`

	// QueryTimeoutSeconds bounds a whole query.
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds" validate:"gte=1"`

	// EnableUnsafe gates the demonstration-only unprotected query path.
	EnableUnsafe bool `yaml:"enable_unsafe"`

	// EnableReset gates the destructive demo-reset endpoint.
	EnableReset bool `yaml:"enable_reset"`

	// EnableMetrics exposes Prometheus metrics on /metrics.
	EnableMetrics bool `yaml:"enable_metrics"`

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string `yaml:"gin_mode"`

	// TrustSources overrides the built-in source reputation table.
	TrustSources map[string]float64 `yaml:"trust_sources"`

	// RedFlags overrides the built-in red-flag phrase categories.
	RedFlags map[string][]string `yaml:"red_flags"`
}

// Load reads the optional YAML file at path (empty path skips the file),
// applies environment overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RAGSHIELD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("RAGSHIELD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RAGSHIELD_CORPUS_DIR"); v != "" {
		cfg.CorpusDir = v
	}
	if v := os.Getenv("WEAVIATE_SERVICE_URL"); v != "" {
		cfg.WeaviateURL = v
	}
	if v := os.Getenv("EMBEDDING_SERVICE_URL"); v != "" {
		cfg.EmbeddingURL = v
	}
	if v := os.Getenv("LLM_BACKEND_TYPE"); v != "" {
		cfg.LLMBackend = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTelEndpoint = v
	}
	if v := os.Getenv("RAGSHIELD_ENABLE_UNSAFE"); v != "" {
		cfg.EnableUnsafe = v == "1" || v == "true"
	}
	if v := os.Getenv("RAGSHIELD_ENABLE_RESET"); v != "" {
		cfg.EnableReset = v == "1" || v == "true"
	}
	if v := os.Getenv("GIN_MODE"); v != "" {
		cfg.GinMode = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.CorpusDir == "" {
		cfg.CorpusDir = "./corpus"
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "ollama"
	}
	if cfg.RetrieveK == 0 {
		cfg.RetrieveK = 5
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	if cfg.Quorum == 0 {
		cfg.Quorum = 2
	}
	if cfg.BoostFactor == 0 {
		cfg.BoostFactor = 3
	}
	if cfg.QueryTimeoutSeconds == 0 {
		cfg.QueryTimeoutSeconds = 30
	}
}

// QueryTimeout returns the configured query deadline.
func (c Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// EventLogPath is the durable event log location.
func (c Config) EventLogPath() string {
	return filepath.Join(c.DataDir, "logs", "events.jsonl")
}

// LineagePath is the query-lineage log location.
func (c Config) LineagePath() string {
	return filepath.Join(c.DataDir, "logs", "query_lineage.jsonl")
}

// VaultDir is the quarantine vault root.
func (c Config) VaultDir() string {
	return filepath.Join(c.DataDir, "vault")
}
