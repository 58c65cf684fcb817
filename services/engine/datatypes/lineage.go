// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// LineageAction records the integrity outcome of a query.
type LineageAction string

const (
	// ActionClean means every retrieved document passed integrity checks.
	ActionClean LineageAction = "clean"
	// ActionPartial means some retrieved documents were quarantined but the
	// query was still answered from the surviving set.
	ActionPartial LineageAction = "partial"
	// ActionBlocked means the query produced no usable documents (exact
	// identifier miss, or every retrieved document quarantined).
	ActionBlocked LineageAction = "blocked"
)

// LineageRecord is one append-only entry in the query-lineage log.
//
// Lineage is intentionally separate from the event log: it is queried by
// doc_id over a time window for blast-radius analysis, not by event code.
type LineageRecord struct {
	QueryID           string        `json:"query_id"`
	QueryText         string        `json:"query_text"`
	UserID            string        `json:"user_id"`
	RetrievedDocIDs   []string      `json:"retrieved_doc_ids"`
	QuarantinedDocIDs []string      `json:"quarantined_doc_ids"`
	Timestamp         time.Time     `json:"timestamp"`
	Action            LineageAction `json:"action"`
}

// Retrieved reports whether the record's retrieval included docID.
func (r LineageRecord) Retrieved(docID string) bool {
	for _, id := range r.RetrievedDocIDs {
		if id == docID {
			return true
		}
	}
	return false
}
