// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval wraps the pluggable vector index behind a
// quarantine-aware adapter.
//
// # Description
//
// The adapter is the only component that talks to the embedding collaborator
// and the approximate-nearest-neighbor index. Retrieval over-fetches, drops
// quarantined candidates, and applies exact metadata filters; ingestion
// enriches metadata with extracted identifiers. The quarantine flags on
// index metadata are mutated exclusively through the adapter, on behalf of
// the vault.
//
// # Thread Safety
//
// All implementations in this package are safe for concurrent use. The index
// is read-mostly; metadata mutations for a given doc_id are serialized by the
// vault's per-document locks.
package retrieval

import (
	"context"
	"errors"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
)

var (
	// ErrRetrieval wraps index lookup failures; the pipeline maps it to a
	// 503 with no lineage written.
	ErrRetrieval = errors.New("retrieval error")
	// ErrNotFound is returned when a doc_id is absent from the index.
	ErrNotFound = errors.New("document not found")
)

// Embedder turns text into a vector using the same model for ingestion,
// retrieval, and drift scoring.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the narrow capability interface over the vector store.
//
// Only scalar metadata values and equality filters are required, which keeps
// any ChromaDB/Weaviate-class backend compatible.
type Index interface {
	// Upsert stores (or replaces) a document and its vector.
	Upsert(ctx context.Context, doc datatypes.Document, vector []float32) error

	// Query returns up to limit candidates ordered by ascending distance,
	// optionally constrained by a scalar equality filter.
	Query(ctx context.Context, vector []float32, limit int, filter *datatypes.MetadataFilter) ([]datatypes.RetrievedDocument, error)

	// UpdateMetadata replaces the document's metadata.
	UpdateMetadata(ctx context.Context, docID string, metadata datatypes.Metadata) error

	// Get fetches one document by ID, or ErrNotFound.
	Get(ctx context.Context, docID string) (datatypes.RetrievedDocument, error)

	// List returns documents matching the filter (nil for all), with their
	// stored vectors, up to limit.
	List(ctx context.Context, filter *datatypes.MetadataFilter, limit int) ([]datatypes.RetrievedDocument, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	// Reset drops all stored documents. Gated demo functionality.
	Reset(ctx context.Context) error
}
