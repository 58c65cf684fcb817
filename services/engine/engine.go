// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine assembles the RAGShield integrity middleware: the event
// bus, lineage store, quarantine vault, retrieval adapter, scorer set,
// integrity pipeline, blast-radius analyzer, and the HTTP surface.
//
// # Wiring
//
// New constructs each dependency exactly once, in initialization order:
// event bus, lineage store, retrieval adapter, vault, scorers, pipeline,
// analyzer, HTTP router. Mutual references are one-way interfaces: the vault
// receives an adapter handle, the pipeline receives a vault handle, and the
// vault never calls back into the pipeline.
//
// # Usage
//
//	cfg, err := config.Load("")
//	svc, err := engine.New(context.Background(), cfg)
//	if err != nil { ... }
//	defer svc.Close()
//	log.Fatal(svc.Run())
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/RAGShield/services/engine/blastradius"
	"github.com/AleutianAI/RAGShield/services/engine/config"
	"github.com/AleutianAI/RAGShield/services/engine/corpus"
	"github.com/AleutianAI/RAGShield/services/engine/detection"
	"github.com/AleutianAI/RAGShield/services/engine/entity"
	"github.com/AleutianAI/RAGShield/services/engine/events"
	"github.com/AleutianAI/RAGShield/services/engine/lineage"
	"github.com/AleutianAI/RAGShield/services/engine/observability"
	"github.com/AleutianAI/RAGShield/services/engine/pipeline"
	"github.com/AleutianAI/RAGShield/services/engine/retrieval"
	"github.com/AleutianAI/RAGShield/services/engine/routes"
	"github.com/AleutianAI/RAGShield/services/engine/vault"
	"github.com/AleutianAI/RAGShield/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Service is the engine's lifecycle contract.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error
	// Router exposes the configured gin engine for integration tests.
	Router() *gin.Engine
	// Ingestor exposes corpus loading for the CLI.
	Ingestor() *corpus.Ingestor
	// Close tears components down in reverse initialization order.
	Close()
}

type service struct {
	cfg    config.Config
	router *gin.Engine

	bus      *events.Bus
	store    *lineage.Store
	adapter  *retrieval.Adapter
	vault    *vault.Vault
	pipeline *pipeline.Pipeline
	analyzer *blastradius.Analyzer
	ingestor *corpus.Ingestor

	tracerCleanup func(context.Context)
	startedAt     time.Time
}

// New wires the whole engine from configuration. The pipeline is initialized
// (golden baseline loaded, generation backend pinged) before New returns, so
// a failure here is a startup failure.
func New(ctx context.Context, cfg config.Config) (Service, error) {
	s := &service{cfg: cfg, startedAt: time.Now()}

	cleanup, err := initTracer(cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if cfg.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	// Durable stores first: event log, then lineage.
	s.bus, err = events.NewBus(cfg.EventLogPath())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	s.store, err = lineage.NewStore(cfg.LineagePath())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize lineage store: %w", err)
	}

	// Retrieval collaborators.
	extractor := entity.NewExtractor()
	index, err := buildIndex(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	embedder := buildEmbedder(cfg)
	s.adapter = retrieval.NewAdapter(index, embedder, extractor)

	// The vault drives the adapter's quarantine flags; one-way reference.
	s.vault, err = vault.New(cfg.VaultDir(), s.adapter, s.bus)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize vault: %w", err)
	}

	// Scorer set.
	trust := detection.NewTrustScorer(cfg.TrustSources)
	redFlag := detection.NewRedFlagScorer(cfg.RedFlags)
	anomaly := detection.NewAnomalyScorer(trust)
	drift := detection.NewDriftScorer(s.adapter.Embedder())
	engine := detection.NewEngine(trust, redFlag, anomaly, drift, cfg.Threshold, cfg.Quorum, s.bus)

	// Generation collaborator.
	llmClient, err := llm.NewClient(cfg.LLMBackend)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	processor := entity.NewProcessor(extractor, cfg.BoostFactor)
	s.pipeline = pipeline.New(processor, s.adapter, engine, drift, s.vault, s.store, s.bus, llmClient, pipeline.Config{
		QueryTimeout: cfg.QueryTimeout(),
		EnableUnsafe: cfg.EnableUnsafe,
		Version:      config.Version,
	})
	s.analyzer = blastradius.NewAnalyzer(s.store, s.bus)
	s.ingestor = corpus.NewIngestor(s.adapter, "")

	if err := s.pipeline.Initialize(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("pipeline initialization failed: %w", err)
	}

	// HTTP surface last.
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("ragshield-engine"))
	routes.SetupRoutes(s.router, routes.Deps{
		Pipeline:      s.pipeline,
		Vault:         s.vault,
		Analyzer:      s.analyzer,
		Bus:           s.bus,
		Lineage:       s.store,
		Adapter:       s.adapter,
		LLM:           llmClient,
		Version:       config.Version,
		StartedAt:     s.startedAt,
		EnableUnsafe:  cfg.EnableUnsafe,
		EnableReset:   cfg.EnableReset,
		EnableMetrics: cfg.EnableMetrics,
	})

	return s, nil
}

// Run starts the HTTP server and blocks.
func (s *service) Run() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	slog.Info("Starting RAGShield engine", "port", s.cfg.Port)
	return s.router.Run(addr)
}

// Router exposes the gin engine for tests.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Ingestor exposes corpus loading for the CLI.
func (s *service) Ingestor() *corpus.Ingestor {
	return s.ingestor
}

// Close tears down in reverse initialization order; each component drains
// its own queue.
func (s *service) Close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("Lineage store close error", "error", err)
		}
		s.store = nil
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			slog.Warn("Event bus close error", "error", err)
		}
		s.bus = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

// NewIngestor builds just the retrieval side for corpus ingestion, without
// the LLM collaborator or HTTP surface. Used by the ingest subcommand.
func NewIngestor(ctx context.Context, cfg config.Config) (*corpus.Ingestor, error) {
	index, err := buildIndex(ctx, cfg)
	if err != nil {
		return nil, err
	}
	adapter := retrieval.NewAdapter(index, buildEmbedder(cfg), entity.NewExtractor())
	return corpus.NewIngestor(adapter, ""), nil
}

// buildIndex picks the Weaviate index when configured, else the in-memory
// index (lightweight mode).
func buildIndex(ctx context.Context, cfg config.Config) (retrieval.Index, error) {
	weaviateURL := strings.Trim(cfg.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		slog.Info("Weaviate URL not configured, using in-memory index (lightweight mode)")
		return retrieval.NewMemoryIndex(), nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	index, err := retrieval.NewWeaviateIndex(ctx, client)
	if err != nil {
		return nil, err
	}
	slog.Info("Weaviate index initialized", "url", weaviateURL)
	return index, nil
}

// buildEmbedder picks the HTTP sidecar when configured, else the
// deterministic hash embedder.
func buildEmbedder(cfg config.Config) retrieval.Embedder {
	if cfg.EmbeddingURL != "" {
		slog.Info("Using embedding sidecar", "url", cfg.EmbeddingURL)
		return retrieval.NewHTTPEmbedder(cfg.EmbeddingURL)
	}
	slog.Info("EMBEDDING_SERVICE_URL not set, using hash embedder (lightweight mode)")
	return retrieval.NewHashEmbedder(0)
}

// initTracer sets up OTLP tracing when an endpoint is configured; with no
// endpoint it returns a no-op cleanup and the default (noop) provider stays.
func initTracer(endpoint string) (func(context.Context), error) {
	if endpoint == "" {
		return func(context.Context) {}, nil
	}

	ctx := context.Background()
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("ragshield-engine")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
