// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blastradius answers "who was exposed to this document, and when?"
// by scanning the query-lineage log over a time window.
package blastradius

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/AleutianAI/RAGShield/services/engine/lineage"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("ragshield.engine.blastradius")

// DefaultWindow is the lookback used when the caller does not specify one.
const DefaultWindow = 24 * time.Hour

// EventPublisher is the slice of the event bus the analyzer emits on.
type EventPublisher interface {
	Publish(code datatypes.EventCode, level datatypes.EventLevel, message, correlationID string, payload map[string]any) (int64, error)
}

// Analyzer computes impact reports from the lineage store.
type Analyzer struct {
	store *lineage.Store
	bus   EventPublisher
}

// NewAnalyzer wires the analyzer.
func NewAnalyzer(store *lineage.Store, bus EventPublisher) *Analyzer {
	return &Analyzer{store: store, bus: bus}
}

// Analyze scans lineage for queries that retrieved docID inside
// [now-window, now] and classifies the blast severity. When the query-count
// row and the user-count row of the severity table disagree, the higher
// severity wins.
func (a *Analyzer) Analyze(ctx context.Context, docID string, window time.Duration) (datatypes.BlastRadiusReport, error) {
	_, span := tracer.Start(ctx, "Analyzer.Analyze")
	defer span.End()

	if window <= 0 {
		window = DefaultWindow
	}
	now := time.Now().UTC()
	since := now.Add(-window)

	a.publish(datatypes.CodeBlastRequested, datatypes.LevelInfo,
		fmt.Sprintf("blast radius assessment requested for %s", docID), "",
		map[string]any{"doc_id": docID, "window_hours": window.Hours()})

	records, err := a.store.ByDocID(docID, since, now)
	if err != nil {
		return datatypes.BlastRadiusReport{}, fmt.Errorf("failed to scan lineage for %s: %w", docID, err)
	}

	userSet := make(map[string]struct{})
	details := make([]datatypes.BlastQueryDetail, 0, len(records))
	for _, rec := range records {
		userSet[rec.UserID] = struct{}{}
		details = append(details, datatypes.BlastQueryDetail{
			QueryID:   rec.QueryID,
			QueryText: rec.QueryText,
			UserID:    rec.UserID,
			Timestamp: rec.Timestamp,
			Action:    rec.Action,
		})
	}

	users := make([]string, 0, len(userSet))
	for u := range userSet {
		users = append(users, u)
	}
	sort.Strings(users)

	severity := Classify(len(records), len(users))

	report := datatypes.BlastRadiusReport{
		DocID:              docID,
		AffectedQueryCount: len(records),
		AffectedUsers:      users,
		QueryDetails:       details,
		TimeWindowStart:    since,
		TimeWindowEnd:      now,
		Severity:           severity,
		RecommendedActions: recommendations(severity, len(users), docID),
	}

	if severity.AtLeast(datatypes.SeverityHigh) {
		a.publish(datatypes.CodeBlastHighImpact, datatypes.LevelWarn,
			fmt.Sprintf("high-impact blast radius for %s: %s", docID, severity), "",
			map[string]any{
				"doc_id":           docID,
				"severity":         string(severity),
				"affected_queries": len(records),
				"affected_users":   len(users),
			})
	}

	slog.Info("Blast radius analyzed", "doc_id", docID,
		"queries", len(records), "users", len(users), "severity", severity)
	return report, nil
}

// Classify maps query and user counts onto the severity table, taking the
// higher of the two rows.
func Classify(queries, users int) datatypes.BlastSeverity {
	var byQueries datatypes.BlastSeverity
	switch {
	case queries >= 11:
		byQueries = datatypes.SeverityCritical
	case queries >= 6:
		byQueries = datatypes.SeverityHigh
	case queries >= 3:
		byQueries = datatypes.SeverityMedium
	default:
		byQueries = datatypes.SeverityLow
	}

	var byUsers datatypes.BlastSeverity
	switch {
	case users >= 7:
		byUsers = datatypes.SeverityCritical
	case users >= 4:
		byUsers = datatypes.SeverityHigh
	case users >= 2:
		byUsers = datatypes.SeverityMedium
	default:
		byUsers = datatypes.SeverityLow
	}

	return byQueries.Max(byUsers)
}

// recommendations mirrors the analyst playbook, tiered by severity.
func recommendations(severity datatypes.BlastSeverity, userCount int, docID string) []string {
	recs := []string{
		fmt.Sprintf("Review query lineage log for document %s", docID),
		fmt.Sprintf("Notify %d affected user(s) about potentially compromised guidance", userCount),
	}
	if severity.AtLeast(datatypes.SeverityHigh) {
		recs = append(recs,
			"Conduct full security audit of recent actions",
			"Review any remediation steps taken based on this document",
			"Consider investigating document source for additional compromised content",
			"Escalate to security incident response team",
		)
	}
	if severity == datatypes.SeverityCritical {
		recs = append(recs,
			"Initiate emergency response protocol",
			"Audit all user sessions in affected time window",
			"Consider temporary suspension of affected document source",
		)
	}
	return recs
}

func (a *Analyzer) publish(code datatypes.EventCode, level datatypes.EventLevel, message, correlationID string, payload map[string]any) {
	if a.bus == nil {
		return
	}
	if _, err := a.bus.Publish(code, level, message, correlationID, payload); err != nil {
		slog.Warn("Failed to publish blast-radius event", "code", code, "error", err)
	}
}
