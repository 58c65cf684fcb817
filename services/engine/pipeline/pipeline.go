// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline orchestrates the integrity-gated query flow: preprocess,
// retrieve, score in parallel, quarantine failures, generate from survivors,
// and record lineage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/AleutianAI/RAGShield/services/engine/detection"
	"github.com/AleutianAI/RAGShield/services/engine/entity"
	"github.com/AleutianAI/RAGShield/services/engine/lineage"
	"github.com/AleutianAI/RAGShield/services/engine/observability"
	"github.com/AleutianAI/RAGShield/services/engine/retrieval"
	"github.com/AleutianAI/RAGShield/services/engine/vault"
	"github.com/AleutianAI/RAGShield/services/llm"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("ragshield.engine.pipeline")

// ErrTimeout is returned when the query deadline expires mid-flight. Durable
// state written before the deadline remains durable.
var ErrTimeout = errors.New("query deadline exceeded")

// ErrRetrieval re-exports the adapter's failure sentinel for handlers.
var ErrRetrieval = retrieval.ErrRetrieval

const (
	// DefaultK is the retrieval depth when the client does not specify one.
	DefaultK = 5

	// DefaultQueryTimeout bounds a whole query; generation dominates.
	DefaultQueryTimeout = 30 * time.Second

	// blockedAnswer is the fixed response for an exact-identifier miss.
	blockedAnswer = "The document for the requested identifier is unavailable: it is either quarantined pending security review or absent from the corpus."

	// emptyAnswer is the fixed response when retrieval returns nothing and
	// no identifier filter was in play.
	emptyAnswer = "No documents available to answer this query."

	// safetyAnswer is the fixed response when every retrieved document
	// failed integrity checks.
	safetyAnswer = "This query cannot be answered safely at this moment. The retrieved documents have been flagged for security review. Please contact your security team."
)

// EventPublisher is the slice of the event bus the pipeline emits on.
type EventPublisher interface {
	Publish(code datatypes.EventCode, level datatypes.EventLevel, message, correlationID string, payload map[string]any) (int64, error)
}

// Config carries the pipeline's tunables.
type Config struct {
	QueryTimeout time.Duration
	// EnableUnsafe gates the demonstration-only unprotected path.
	EnableUnsafe bool
	Version      string
}

// Pipeline wires the preprocessing, retrieval, scoring, quarantine,
// generation, and lineage steps together. Construction happens once in the
// engine's wiring module; all references are one-way (the pipeline holds a
// vault handle, the vault never calls back).
type Pipeline struct {
	processor *entity.Processor
	adapter   *retrieval.Adapter
	engine    *detection.Engine
	drift     *detection.DriftScorer
	vault     *vault.Vault
	store     *lineage.Store
	bus       EventPublisher
	llmClient llm.LLMClient
	cfg       Config
}

// New wires the pipeline.
func New(processor *entity.Processor, adapter *retrieval.Adapter, engine *detection.Engine, drift *detection.DriftScorer, vlt *vault.Vault, store *lineage.Store, bus EventPublisher, llmClient llm.LLMClient, cfg Config) *Pipeline {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	return &Pipeline{
		processor: processor,
		adapter:   adapter,
		engine:    engine,
		drift:     drift,
		vault:     vlt,
		store:     store,
		bus:       bus,
		llmClient: llmClient,
		cfg:       cfg,
	}
}

// Initialize loads the golden drift baseline and verifies the generation
// collaborator is reachable. Called once at startup; an unreachable
// collaborator is a startup failure.
func (p *Pipeline) Initialize(ctx context.Context) error {
	golden, err := p.adapter.GoldenDocuments(ctx)
	if err != nil {
		return fmt.Errorf("failed to load golden corpus: %w", err)
	}
	if err := p.drift.LoadGolden(ctx, golden); err != nil {
		return err
	}
	if err := p.llmClient.Ping(ctx); err != nil {
		return fmt.Errorf("generation backend unreachable: %w", err)
	}
	slog.Info("Integrity pipeline initialized", "golden_documents", p.drift.GoldenCount())
	return nil
}

// Query executes the protected path.
//
// Event order per query is causal: RAG-1001, then either RAG-1002 (blocked)
// or RAG-4001 followed by any RAG-2001s and RAG-1003s, then RAG-4002. The
// lineage record is appended only after every quarantine record for the
// query is durable.
func (p *Pipeline) Query(ctx context.Context, text, userID string, k int) (datatypes.QueryResponse, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Query")
	defer span.End()

	if k <= 0 {
		k = DefaultK
	}
	if userID == "" {
		userID = "default-user"
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	queryID := uuid.New().String()
	span.SetAttributes(attribute.String("query_id", queryID))

	p.publish(datatypes.CodeQueryReceived, datatypes.LevelInfo,
		fmt.Sprintf("query received: %s", truncate(text, 100)), queryID,
		map[string]any{"user_id": userID, "k": k})

	// Step 2: entity-aware preprocessing.
	augmented, filter := p.processor.Process(text)

	// Step 3: metadata-filtered retrieval.
	retrieveStart := time.Now()
	retrieved, err := p.adapter.Retrieve(ctx, augmented, k, true, filter)
	if err != nil {
		observability.ObserveQuery("error")
		return datatypes.QueryResponse{}, err
	}
	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.RetrievalDurationSeconds.Observe(time.Since(retrieveStart).Seconds())
	}

	// Step 4: exact-identifier miss short-circuits without generation.
	if len(retrieved) == 0 {
		answer := emptyAnswer
		if filter != nil {
			answer = blockedAnswer
		}
		p.publish(datatypes.CodeRetrievalFallback, datatypes.LevelWarn,
			"retrieval returned no usable documents", queryID,
			map[string]any{"filtered": filter != nil})
		p.appendLineage(queryID, text, userID, nil, nil, datatypes.ActionBlocked)
		observability.ObserveQuery(string(datatypes.ActionBlocked))
		return datatypes.QueryResponse{
			Answer:           answer,
			IntegritySignals: map[string]datatypes.IntegritySignals{},
			RetrievedDocs:    []string{},
			QuarantinedDocs:  []string{},
			QueryID:          queryID,
		}, nil
	}

	p.publish(datatypes.CodeRetrievalCompleted, datatypes.LevelInfo,
		fmt.Sprintf("retrieval completed: %d documents", len(retrieved)), queryID,
		map[string]any{"count": len(retrieved)})

	// Step 5: four-signal scoring, concurrent across documents.
	scoreStart := time.Now()
	signalsByDoc, err := p.engine.EvaluateSet(ctx, queryID, retrieved)
	if err != nil {
		return datatypes.QueryResponse{}, p.timeoutOrErr(ctx, queryID, text, userID, retrieved, nil, err)
	}
	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.ScoringDurationSeconds.Observe(time.Since(scoreStart).Seconds())
	}

	// Step 6: quarantine every failing document, serialized per doc_id.
	retrievedIDs := docIDs(retrieved)
	var quarantinedIDs []string
	var clean []datatypes.RetrievedDocument
	for _, doc := range retrieved {
		signals := signalsByDoc[doc.ID]
		if !signals.ShouldQuarantine {
			clean = append(clean, doc)
			p.publish(datatypes.CodeIntegrityPassed, datatypes.LevelInfo,
				fmt.Sprintf("integrity checks passed for %s", doc.ID), queryID,
				map[string]any{"doc_id": doc.ID, "integrity_scores": signals.ToMap()})
			continue
		}

		reason := p.engine.QuarantineReason(queryID, signals, p.engine.RedFlagCount(doc.Content))
		_, qErr := p.vault.Quarantine(ctx, doc.ID, doc.Content, doc.Metadata, signals, reason, queryID)
		switch {
		case qErr == nil:
			quarantinedIDs = append(quarantinedIDs, doc.ID)
		case errors.Is(qErr, vault.ErrConflict):
			// A concurrent query isolated it first; it is excluded either way.
			quarantinedIDs = append(quarantinedIDs, doc.ID)
		default:
			// Vault write aborted: the vault already emitted CRITICAL and the
			// document stays retrievable for this answer.
			slog.Error("Quarantine failed, document remains retrievable",
				"doc_id", doc.ID, "query_id", queryID, "error", qErr)
			clean = append(clean, doc)
		}
	}
	observability.ObserveQuarantines(len(quarantinedIDs))

	// Step 7: generate from the surviving set.
	answer := safetyAnswer
	if len(clean) > 0 {
		genStart := time.Now()
		generated, genErr := p.llmClient.Generate(ctx, buildPrompt(text, clean), llm.GenerationParams{})
		if observability.DefaultMetrics != nil {
			observability.DefaultMetrics.GenerationDurationSeconds.Observe(time.Since(genStart).Seconds())
		}
		if genErr != nil {
			if ctx.Err() != nil {
				return datatypes.QueryResponse{}, p.timeoutOrErr(ctx, queryID, text, userID, retrieved, quarantinedIDs, genErr)
			}
			// Generation failure is user-visible but the query still
			// completes: lineage is written and the query_id stays valid.
			slog.Error("LLM generation failed", "query_id", queryID, "error", genErr)
			answer = fmt.Sprintf("Error generating response: %v", genErr)
		} else {
			answer = generated
			p.publish(datatypes.CodeGenerationCompleted, datatypes.LevelInfo,
				"generation completed", queryID,
				map[string]any{"answer_length": len(answer), "context_documents": len(clean)})
		}
	}

	// Step 8: lineage, only now that every quarantine record is durable.
	action := datatypes.ActionClean
	switch {
	case len(clean) == 0:
		action = datatypes.ActionBlocked
	case len(quarantinedIDs) > 0:
		action = datatypes.ActionPartial
	}
	p.appendLineage(queryID, text, userID, retrievedIDs, quarantinedIDs, action)
	observability.ObserveQuery(string(action))

	return datatypes.QueryResponse{
		Answer:           answer,
		IntegritySignals: signalsMap(signalsByDoc, retrievedIDs),
		RetrievedDocs:    retrievedIDs,
		QuarantinedDocs:  emptyIfNil(quarantinedIDs),
		QueryID:          queryID,
	}, nil
}

// QueryUnsafe is the demonstration-only unprotected path: no quarantine
// filtering, no scoring, every retrieved document goes to the LLM. It exists
// solely to prove the protected path's value and is unreachable unless the
// enablement flag is set.
func (p *Pipeline) QueryUnsafe(ctx context.Context, text, userID string, k int) (datatypes.QueryResponse, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.QueryUnsafe")
	defer span.End()

	if !p.cfg.EnableUnsafe {
		return datatypes.QueryResponse{}, fmt.Errorf("unsafe path disabled")
	}
	if k <= 0 {
		k = DefaultK
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	queryID := "unsafe-" + uuid.New().String()
	augmented, filter := p.processor.Process(text)

	retrieved, err := p.adapter.Retrieve(ctx, augmented, k, false, filter)
	if err != nil {
		return datatypes.QueryResponse{}, err
	}
	if len(retrieved) == 0 {
		return datatypes.QueryResponse{
			Answer:           emptyAnswer,
			IntegritySignals: map[string]datatypes.IntegritySignals{},
			RetrievedDocs:    []string{},
			QuarantinedDocs:  []string{},
			QueryID:          queryID,
		}, nil
	}

	answer, genErr := p.llmClient.Generate(ctx, buildPrompt(text, retrieved), llm.GenerationParams{})
	if genErr != nil {
		if ctx.Err() != nil {
			return datatypes.QueryResponse{}, fmt.Errorf("%w: %v", ErrTimeout, genErr)
		}
		answer = fmt.Sprintf("Error generating response: %v", genErr)
	}

	p.publish(datatypes.CodeGenerationCompleted, datatypes.LevelWarn,
		"unsafe query executed without integrity checks", queryID,
		map[string]any{"unsafe": true, "documents": len(retrieved)})

	return datatypes.QueryResponse{
		Answer:           answer,
		IntegritySignals: map[string]datatypes.IntegritySignals{},
		RetrievedDocs:    docIDs(retrieved),
		QuarantinedDocs:  []string{},
		QueryID:          queryID,
		Warning:          "UNSAFE MODE: this query bypassed all integrity checks. The answer may contain malicious advice.",
	}, nil
}

// timeoutOrErr finalizes a query interrupted mid-flight. Quarantine writes
// already durable remain durable; lineage is best-effort partial when any
// quarantine happened, absent otherwise.
func (p *Pipeline) timeoutOrErr(ctx context.Context, queryID, text, userID string, retrieved []datatypes.RetrievedDocument, quarantinedIDs []string, cause error) error {
	if ctx.Err() == nil {
		return cause
	}
	p.publish(datatypes.CodeRetrievalFallback, datatypes.LevelWarn,
		"query deadline exceeded, outstanding work cancelled", queryID,
		map[string]any{"error": cause.Error()})
	if len(quarantinedIDs) > 0 {
		p.appendLineage(queryID, text, userID, docIDs(retrieved), quarantinedIDs, datatypes.ActionPartial)
	}
	observability.ObserveQuery("error")
	return fmt.Errorf("%w: %v", ErrTimeout, cause)
}

func (p *Pipeline) appendLineage(queryID, text, userID string, retrievedIDs, quarantinedIDs []string, action datatypes.LineageAction) {
	rec := datatypes.LineageRecord{
		QueryID:           queryID,
		QueryText:         text,
		UserID:            userID,
		RetrievedDocIDs:   emptyIfNil(retrievedIDs),
		QuarantinedDocIDs: emptyIfNil(quarantinedIDs),
		Timestamp:         time.Now().UTC(),
		Action:            action,
	}
	if err := p.store.Append(rec); err != nil {
		// Lineage sink failure does not fail the query.
		slog.Error("Failed to append lineage record", "query_id", queryID, "error", err)
	}
}

func (p *Pipeline) publish(code datatypes.EventCode, level datatypes.EventLevel, message, correlationID string, payload map[string]any) {
	if p.bus == nil {
		return
	}
	if _, err := p.bus.Publish(code, level, message, correlationID, payload); err != nil {
		slog.Warn("Failed to publish pipeline event", "code", code, "error", err)
	}
	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.EventsPublishedTotal.WithLabelValues(string(code)).Inc()
	}
}

// buildPrompt assembles the generation prompt from the clean context set.
func buildPrompt(query string, docs []datatypes.RetrievedDocument) string {
	var sb strings.Builder
	sb.WriteString("You are a security analyst assistant. Answer the following question using ONLY the provided context documents. Be concise and accurate.\n\nContext:\n")
	for i, doc := range docs {
		fmt.Fprintf(&sb, "Document %d:\n%s\n\n", i+1, doc.Content)
	}
	fmt.Fprintf(&sb, "Question: %s\n\nAnswer:", query)
	return sb.String()
}

func docIDs(docs []datatypes.RetrievedDocument) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids
}

func signalsMap(all map[string]datatypes.IntegritySignals, ids []string) map[string]datatypes.IntegritySignals {
	out := make(map[string]datatypes.IntegritySignals, len(ids))
	for _, id := range ids {
		out[id] = all[id]
	}
	return out
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
