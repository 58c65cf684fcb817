// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the shared data model for the RAGShield engine:
// events, integrity signals, quarantine records, lineage records, and the
// HTTP request/response shapes.
package datatypes

import (
	"encoding/json"
	"time"
)

// EventLevel classifies event severity, SIEM-style.
type EventLevel string

const (
	LevelInfo     EventLevel = "INFO"
	LevelWarn     EventLevel = "WARN"
	LevelError    EventLevel = "ERROR"
	LevelCritical EventLevel = "CRITICAL"
)

// EventCategory groups events by subsystem.
type EventCategory string

const (
	CategoryIntegrity   EventCategory = "Integrity"
	CategoryQuarantine  EventCategory = "Quarantine"
	CategoryBlastRadius EventCategory = "BlastRadius"
	CategorySystem      EventCategory = "System"
)

// EventCode identifies an event in the fixed RAG-NNNN taxonomy.
//
// The taxonomy is closed: Publish rejects codes outside this set so the
// durable log stays machine-parseable for downstream SIEM ingestion.
type EventCode string

const (
	CodeQueryReceived       EventCode = "RAG-1001"
	CodeRetrievalFallback   EventCode = "RAG-1002"
	CodeIntegrityPassed     EventCode = "RAG-1003"
	CodeDocQuarantined      EventCode = "RAG-2001"
	CodeQuarantineConfirmed EventCode = "RAG-2002"
	CodeQuarantineRestored  EventCode = "RAG-2003"
	CodeBlastRequested      EventCode = "RAG-3001"
	CodeBlastHighImpact     EventCode = "RAG-3002"
	CodeRetrievalCompleted  EventCode = "RAG-4001"
	CodeGenerationCompleted EventCode = "RAG-4002"
)

// eventCatalog maps every known code to its category and a short description.
var eventCatalog = map[EventCode]struct {
	Category    EventCategory
	Description string
}{
	CodeQueryReceived:       {CategoryIntegrity, "query received"},
	CodeRetrievalFallback:   {CategoryIntegrity, "retrieval fallback or quarantine-only result"},
	CodeIntegrityPassed:     {CategoryIntegrity, "integrity check passed"},
	CodeDocQuarantined:      {CategoryQuarantine, "document quarantined"},
	CodeQuarantineConfirmed: {CategoryQuarantine, "quarantine confirmed malicious"},
	CodeQuarantineRestored:  {CategoryQuarantine, "quarantine restored"},
	CodeBlastRequested:      {CategoryBlastRadius, "blast radius assessment requested"},
	CodeBlastHighImpact:     {CategoryBlastRadius, "high-impact blast radius detected"},
	CodeRetrievalCompleted:  {CategorySystem, "retrieval completed"},
	CodeGenerationCompleted: {CategorySystem, "generation completed"},
}

// Valid reports whether the code belongs to the fixed taxonomy.
func (c EventCode) Valid() bool {
	_, ok := eventCatalog[c]
	return ok
}

// Category returns the taxonomy category for the code, or CategorySystem
// for unknown codes.
func (c EventCode) Category() EventCategory {
	if entry, ok := eventCatalog[c]; ok {
		return entry.Category
	}
	return CategorySystem
}

// Describe returns the catalog description for the code.
func (c EventCode) Describe() string {
	if entry, ok := eventCatalog[c]; ok {
		return entry.Description
	}
	return "unknown event"
}

// Event is a single structured entry in the append-only security event log.
//
// # Fields
//
//   - EventID: monotonically increasing, unique per process installation.
//   - Code: RAG-NNNN taxonomy code.
//   - CorrelationID: query_id when the event belongs to a query, else empty.
//   - Payload: opaque structured details for dashboards and SIEM pipelines.
type Event struct {
	EventID       int64          `json:"event_id"`
	Code          EventCode      `json:"code"`
	Level         EventLevel     `json:"level"`
	Category      EventCategory  `json:"category"`
	Message       string         `json:"message"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// ToJSONL serializes the event to a single JSONL line (without the trailing
// newline). Marshal errors are impossible for the field types used here, but
// the error is still propagated for the sake of the appender's IO handling.
func (e Event) ToJSONL() ([]byte, error) {
	return json.Marshal(e)
}
