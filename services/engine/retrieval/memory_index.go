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
	"math"
	"sort"
	"sync"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
)

// MemoryIndex is an in-process Index used for lightweight mode and tests.
// Exhaustive cosine-distance search; fine for demo-sized corpora.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]memoryEntry
}

type memoryEntry struct {
	doc    datatypes.Document
	vector []float32
}

// NewMemoryIndex returns an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]memoryEntry)}
}

// Upsert stores or replaces the document.
func (m *MemoryIndex) Upsert(_ context.Context, doc datatypes.Document, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = memoryEntry{doc: doc, vector: vector}
	return nil
}

// Query returns up to limit candidates by ascending cosine distance.
func (m *MemoryIndex) Query(_ context.Context, vector []float32, limit int, filter *datatypes.MetadataFilter) ([]datatypes.RetrievedDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []datatypes.RetrievedDocument
	for _, entry := range m.docs {
		if filter != nil && metadataValue(entry.doc.Metadata, filter.Key) != filter.Value {
			continue
		}
		results = append(results, datatypes.RetrievedDocument{
			Document: entry.doc,
			Distance: cosineDistance(vector, entry.vector),
			Vector:   entry.vector,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// UpdateMetadata replaces the stored document's metadata.
func (m *MemoryIndex) UpdateMetadata(_ context.Context, docID string, metadata datatypes.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.docs[docID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	entry.doc.Metadata = metadata
	m.docs[docID] = entry
	return nil
}

// Get fetches one document by ID.
func (m *MemoryIndex) Get(_ context.Context, docID string) (datatypes.RetrievedDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.docs[docID]
	if !ok {
		return datatypes.RetrievedDocument{}, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	return datatypes.RetrievedDocument{Document: entry.doc, Vector: entry.vector}, nil
}

// List returns documents matching the filter, with vectors.
func (m *MemoryIndex) List(_ context.Context, filter *datatypes.MetadataFilter, limit int) ([]datatypes.RetrievedDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []datatypes.RetrievedDocument
	for _, entry := range m.docs {
		if filter != nil && metadataValue(entry.doc.Metadata, filter.Key) != filter.Value {
			continue
		}
		out = append(out, datatypes.RetrievedDocument{Document: entry.doc, Vector: entry.vector})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of stored documents.
func (m *MemoryIndex) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

// Reset drops everything.
func (m *MemoryIndex) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[string]memoryEntry)
	return nil
}

var _ Index = (*MemoryIndex)(nil)

// cosineDistance returns 1 - cosine similarity, so identical direction is 0.
func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// CosineSimilarity is the similarity counterpart used by the drift scorer.
func CosineSimilarity(a, b []float32) float64 {
	return 1 - cosineDistance(a, b)
}
