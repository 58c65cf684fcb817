// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/AleutianAI/RAGShield/services/engine/entity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("ragshield.engine.retrieval")

// overFetchFactor is how many extra candidates are requested when quarantined
// documents must be dropped after the index lookup.
const overFetchFactor = 3

// Adapter is the quarantine-aware wrapper over the index and embedder.
type Adapter struct {
	index     Index
	embedder  Embedder
	extractor *entity.Extractor
}

// NewAdapter wires the adapter's collaborators.
func NewAdapter(index Index, embedder Embedder, extractor *entity.Extractor) *Adapter {
	return &Adapter{index: index, embedder: embedder, extractor: extractor}
}

// Retrieve embeds text, over-fetches candidates, drops quarantined or
// filter-violating documents, and returns the first k survivors by ascending
// distance.
func (a *Adapter) Retrieve(ctx context.Context, text string, k int, excludeQuarantined bool, filter *datatypes.MetadataFilter) ([]datatypes.RetrievedDocument, error) {
	ctx, span := tracer.Start(ctx, "Adapter.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.Int("k", k),
		attribute.Bool("exclude_quarantined", excludeQuarantined),
	)

	vector, err := a.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding failed: %v", ErrRetrieval, err)
	}

	limit := k
	if excludeQuarantined {
		limit = k * overFetchFactor
	}

	candidates, err := a.index.Query(ctx, vector, limit, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: index query failed: %v", ErrRetrieval, err)
	}

	survivors := make([]datatypes.RetrievedDocument, 0, k)
	for _, cand := range candidates {
		if excludeQuarantined && cand.Metadata.IsQuarantined {
			continue
		}
		if filter != nil && metadataValue(cand.Metadata, filter.Key) != filter.Value {
			continue
		}
		survivors = append(survivors, cand)
		if len(survivors) >= k {
			break
		}
	}

	span.SetAttributes(attribute.Int("result_count", len(survivors)))
	return survivors, nil
}

// Ingest extracts identifiers from content, stores the first one as scalar
// metadata, embeds the content, and upserts the document.
func (a *Adapter) Ingest(ctx context.Context, docID, content string, metadata datatypes.Metadata) error {
	ctx, span := tracer.Start(ctx, "Adapter.Ingest")
	defer span.End()

	if ids := a.extractor.Extract(content); len(ids) > 0 && metadata.Identifiers == "" {
		// Scalar values only: the index constrains metadata operator shape,
		// so a multi-identifier document keeps its first identifier.
		metadata.Identifiers = ids[0]
	}
	metadata.QuarantineID = ""
	metadata.IsQuarantined = false

	vector, err := a.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("failed to embed document %s: %w", docID, err)
	}

	doc := datatypes.Document{ID: docID, Content: content, Metadata: metadata}
	if err := a.index.Upsert(ctx, doc, vector); err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", docID, err)
	}

	slog.Info("Ingested document", "doc_id", docID, "source", metadata.Source,
		"category", metadata.Category, "identifier", metadata.Identifiers)
	return nil
}

// SetQuarantined flips the document's quarantine metadata on. Called only by
// the vault under its per-document lock.
func (a *Adapter) SetQuarantined(ctx context.Context, docID, quarantineID string) error {
	doc, err := a.index.Get(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to load %s for quarantine: %w", docID, err)
	}
	meta := doc.Metadata
	meta.IsQuarantined = true
	meta.QuarantineID = quarantineID
	if err := a.index.UpdateMetadata(ctx, docID, meta); err != nil {
		return fmt.Errorf("failed to mark %s quarantined: %w", docID, err)
	}
	return nil
}

// ClearQuarantined flips the document's quarantine metadata off. Called only
// by the vault under its per-document lock.
func (a *Adapter) ClearQuarantined(ctx context.Context, docID string) error {
	doc, err := a.index.Get(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to load %s for restore: %w", docID, err)
	}
	meta := doc.Metadata
	meta.IsQuarantined = false
	meta.QuarantineID = ""
	if err := a.index.UpdateMetadata(ctx, docID, meta); err != nil {
		return fmt.Errorf("failed to clear quarantine on %s: %w", docID, err)
	}
	return nil
}

// Get fetches a single document by ID.
func (a *Adapter) Get(ctx context.Context, docID string) (datatypes.RetrievedDocument, error) {
	return a.index.Get(ctx, docID)
}

// GoldenDocuments returns every document in the golden corpus with its
// stored vector, for drift-baseline loading at startup.
func (a *Adapter) GoldenDocuments(ctx context.Context) ([]datatypes.RetrievedDocument, error) {
	return a.index.List(ctx, &datatypes.MetadataFilter{Key: "category", Value: datatypes.CategoryGolden}, 0)
}

// Count returns the number of indexed documents.
func (a *Adapter) Count(ctx context.Context) (int, error) {
	return a.index.Count(ctx)
}

// Reset drops the index. Gated demo functionality.
func (a *Adapter) Reset(ctx context.Context) error {
	return a.index.Reset(ctx)
}

// Embedder exposes the embedding collaborator so the drift scorer uses the
// same model as retrieval.
func (a *Adapter) Embedder() Embedder {
	return a.embedder
}

// metadataValue resolves the scalar metadata fields addressable by filters.
func metadataValue(m datatypes.Metadata, key string) string {
	switch key {
	case entity.IdentifierMetadataKey:
		return m.Identifiers
	case "source":
		return m.Source
	case "category":
		return m.Category
	case "title":
		return m.Title
	case "quarantine_id":
		return m.QuarantineID
	default:
		return ""
	}
}
