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

// Document categories as used by the corpus and the scorers.
const (
	CategoryClean    = "clean"
	CategoryPoisoned = "poisoned"
	CategoryGolden   = "golden"
	CategoryUnknown  = "unknown"
)

// Metadata is the document metadata carried by the vector index.
//
// The underlying index only supports scalar metadata values and equality
// filters, so Identifiers holds the first extracted identifier rather than a
// list. IsQuarantined and QuarantineID are owned by the quarantine vault;
// the retrieval adapter is their sole mutator.
type Metadata struct {
	Source        string `json:"source"`
	Category      string `json:"category"`
	Title         string `json:"title,omitempty"`
	Identifiers   string `json:"identifiers,omitempty"`
	IsQuarantined bool   `json:"is_quarantined"`
	QuarantineID  string `json:"quarantine_id"`
}

// Document is a corpus document as seen by the engine. The retrieval adapter
// owns storage; the engine only reads content and metadata, and mutates the
// quarantine fields through the vault.
type Document struct {
	ID       string   `json:"doc_id"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// RetrievedDocument is a document returned by a vector lookup, with its
// distance to the query and (when the index provides it) its stored vector.
type RetrievedDocument struct {
	Document
	Distance float64   `json:"distance"`
	Vector   []float32 `json:"-"`
}

// MetadataFilter is an equality constraint on a single scalar metadata field.
// Equality is the only operator shape the index contract guarantees.
type MetadataFilter struct {
	Key   string
	Value string
}
