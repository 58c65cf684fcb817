// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("ragshield.engine.detection")

// EventPublisher is the slice of the event bus the engine needs for scorer
// fault warnings.
type EventPublisher interface {
	Publish(code datatypes.EventCode, level datatypes.EventLevel, message, correlationID string, payload map[string]any) (int64, error)
}

// Engine runs the four scorers over a retrieved set and applies the
// N-of-4 quarantine vote.
//
// # Concurrency
//
// Documents are scored concurrently; within a document the trust, red-flag,
// and drift signals run in parallel goroutines. The anomaly signal is a
// property of the whole retrieved set and is computed once, then shared.
// Aggregate latency over a retrieval is therefore max, not sum, over
// documents.
//
// # Fail-safe
//
// A scorer fault degrades that signal to the neutral 0.5 and emits a WARN
// event. The neutral score cannot carry the vote alone, and it does not mask
// a genuinely low score from another scorer.
type Engine struct {
	trust   *TrustScorer
	redFlag *RedFlagScorer
	anomaly *AnomalyScorer
	drift   *DriftScorer

	threshold float64
	quorum    int

	bus EventPublisher
}

// NewEngine wires the scorer set. threshold <= 0 and quorum <= 0 fall back
// to the defaults (0.5, 2).
func NewEngine(trust *TrustScorer, redFlag *RedFlagScorer, anomaly *AnomalyScorer, drift *DriftScorer, threshold float64, quorum int, bus EventPublisher) *Engine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if quorum <= 0 {
		quorum = DefaultQuorum
	}
	return &Engine{
		trust:     trust,
		redFlag:   redFlag,
		anomaly:   anomaly,
		drift:     drift,
		threshold: threshold,
		quorum:    quorum,
		bus:       bus,
	}
}

// Threshold returns the per-signal vote threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// EvaluateSet scores every retrieved document and returns the signals keyed
// by doc_id. The context cancels outstanding scorer work on deadline.
func (e *Engine) EvaluateSet(ctx context.Context, queryID string, docs []datatypes.RetrievedDocument) (map[string]datatypes.IntegritySignals, error) {
	ctx, span := tracer.Start(ctx, "Engine.EvaluateSet")
	defer span.End()

	// Set-level signal, shared by every sibling of this retrieval.
	anomalyScore := e.scoreGuarded(queryID, "anomaly", func() (float64, error) {
		return e.anomaly.Score(docs), nil
	})

	results := make([]datatypes.IntegritySignals, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	for i, doc := range docs {
		g.Go(func() error {
			results[i] = e.evaluateOne(gctx, queryID, doc, anomalyScore)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]datatypes.IntegritySignals, len(docs))
	for i, doc := range docs {
		out[doc.ID] = results[i]
	}
	return out, nil
}

// evaluateOne computes the per-document signals concurrently and applies the
// vote rule.
func (e *Engine) evaluateOne(ctx context.Context, queryID string, doc datatypes.RetrievedDocument, anomalyScore float64) datatypes.IntegritySignals {
	var signals datatypes.IntegritySignals
	signals.AnomalyScore = anomalyScore

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		signals.TrustScore = e.scoreGuarded(queryID, "trust", func() (float64, error) {
			return e.trust.Score(doc.Metadata), nil
		})
	}()
	go func() {
		defer wg.Done()
		signals.RedFlagScore = e.scoreGuarded(queryID, "red_flag", func() (float64, error) {
			return e.redFlag.Score(doc.Content, doc.Metadata.Category), nil
		})
	}()
	go func() {
		defer wg.Done()
		signals.SemanticDriftScore = e.scoreGuarded(queryID, "semantic_drift", func() (float64, error) {
			return e.drift.Score(ctx, doc)
		})
	}()
	wg.Wait()

	signals.Clip()
	signals.ShouldQuarantine = signals.BelowThreshold(e.threshold) >= e.quorum
	return signals
}

// scoreGuarded absorbs scorer faults: panics and errors degrade to the
// neutral score with a WARN event, never failing the pipeline.
func (e *Engine) scoreGuarded(queryID, name string, fn func() (float64, error)) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			score = neutralScore
			e.warnScorerFault(queryID, name, fmt.Errorf("panic: %v", r))
		}
	}()

	score, err := fn()
	if err != nil {
		e.warnScorerFault(queryID, name, err)
		return neutralScore
	}
	return datatypes.Clip01(score)
}

func (e *Engine) warnScorerFault(queryID, name string, err error) {
	slog.Warn("Scorer fault, degrading to neutral score",
		"scorer", name, "query_id", queryID, "error", err)
	if e.bus != nil {
		// RAG-1002 covers degraded integrity paths; the payload carries the
		// scorer fault detail.
		_, _ = e.bus.Publish(datatypes.CodeRetrievalFallback, datatypes.LevelWarn,
			fmt.Sprintf("scorer %s degraded to neutral score", name), queryID,
			map[string]any{"scorer": name, "error": err.Error()})
	}
}

// RedFlagCount returns the distinct red-flag phrases present in content,
// for quarantine reason strings.
func (e *Engine) RedFlagCount(content string) int {
	flags, _ := e.redFlag.Detect(content)
	return flags
}

// QuarantineReason builds the analyst-facing reason string for a quarantine
// decision.
func (e *Engine) QuarantineReason(queryID string, signals datatypes.IntegritySignals, flags int) string {
	low := signals.LowSignals(e.threshold)
	return fmt.Sprintf("Triggered quarantine on query %s. Low signals: %s. Red flags: %d detected.",
		queryID, joinOrNone(low), flags)
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	out := items[0]
	for _, it := range items[1:] {
		out += ", " + it
	}
	return out
}
