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

// QueryRequest is the body of POST /api/query and /api/query/unsafe.
type QueryRequest struct {
	Query  string `json:"query" binding:"required,min=1,max=5000"`
	UserID string `json:"user_id"`
	K      int    `json:"k" binding:"omitempty,gte=1,lte=20"`
}

// QueryResponse is the body returned by the query endpoints.
type QueryResponse struct {
	Answer           string                      `json:"answer"`
	IntegritySignals map[string]IntegritySignals `json:"integrity_signals"`
	RetrievedDocs    []string                    `json:"retrieved_docs"`
	QuarantinedDocs  []string                    `json:"quarantined_docs"`
	QueryID          string                      `json:"query_id"`
	Warning          string                      `json:"_warning,omitempty"`
}

// AnalystAction is the body of the quarantine confirm/restore endpoints.
type AnalystAction struct {
	Analyst string `json:"analyst" binding:"required"`
	Notes   string `json:"notes"`
}

// QuarantineListResponse wraps GET /api/quarantine.
type QuarantineListResponse struct {
	Quarantined []QuarantineRecord `json:"quarantined"`
	TotalCount  int                `json:"total_count"`
}

// EventsResponse wraps GET /api/events.
type EventsResponse struct {
	Events []Event `json:"events"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	DocumentsIndexed int     `json:"documents_indexed"`
	VaultSize        int     `json:"vault_size"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Version          string  `json:"version"`
	LLMConnected     bool    `json:"llm_connected"`
	EventCount       int     `json:"event_count"`
}
