// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ragshield runs the integrity-gated retrieval middleware.
//
// # Subcommands
//
//	ragshield serve            start the HTTP engine
//	ragshield ingest [--watch] load the corpus into the index
//
// # Environment Variables
//
//   - RAGSHIELD_PORT: HTTP server port (default: 12310)
//   - RAGSHIELD_DATA_DIR: working root for logs, lineage, vault (default: ./data)
//   - RAGSHIELD_CORPUS_DIR: corpus root for ingestion (default: ./corpus)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional; in-memory otherwise)
//   - EMBEDDING_SERVICE_URL: embedding sidecar URL (optional)
//   - LLM_BACKEND_TYPE: generation backend - ollama, openai, claude/anthropic (default: ollama)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//   - RAGSHIELD_ENABLE_UNSAFE / RAGSHIELD_ENABLE_RESET: demo gates
//
// # Exit Codes
//
//	0  normal termination
//	1  startup failure (unreachable collaborator)
//	2  configuration error
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/RAGShield/services/engine"
	"github.com/AleutianAI/RAGShield/services/engine/config"
	"github.com/spf13/cobra"
)

const (
	exitOK            = 0
	exitStartupFailed = 1
	exitConfigError   = 2
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var configPath string

	rootCmd := &cobra.Command{
		Use:           "ragshield",
		Short:         "Integrity-gated retrieval middleware for RAG pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("Configuration error", "error", err)
				os.Exit(exitConfigError)
			}

			svc, err := engine.New(cmd.Context(), cfg)
			if err != nil {
				slog.Error("Startup failed", "error", err)
				os.Exit(exitStartupFailed)
			}
			defer svc.Close()

			return svc.Run()
		},
	}

	var watch bool
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load the corpus into the vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("Configuration error", "error", err)
				os.Exit(exitConfigError)
			}

			ingestor, err := engine.NewIngestor(cmd.Context(), cfg)
			if err != nil {
				slog.Error("Startup failed", "error", err)
				os.Exit(exitStartupFailed)
			}

			total, err := ingestor.IngestDir(cmd.Context(), cfg.CorpusDir)
			if err != nil {
				return fmt.Errorf("ingestion failed after %d documents: %w", total, err)
			}
			fmt.Printf("Ingested %d documents from %s\n", total, cfg.CorpusDir)

			if watch {
				slog.Info("Watching corpus for changes, Ctrl-C to stop")
				if err := ingestor.Watch(cmd.Context(), cfg.CorpusDir); err != nil && err != context.Canceled {
					return err
				}
			}
			return nil
		},
	}
	ingestCmd.Flags().BoolVar(&watch, "watch", false, "keep watching the corpus directories and auto-ingest new files")

	rootCmd.AddCommand(serveCmd, ingestCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(exitStartupFailed)
	}
	os.Exit(exitOK)
}
