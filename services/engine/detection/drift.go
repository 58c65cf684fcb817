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
	"github.com/AleutianAI/RAGShield/services/engine/retrieval"
)

// DriftScorer measures how far a document drifts semantically from the
// golden corpus: the maximum cosine similarity to any golden embedding,
// mapped from [-1,1] to [0,1].
type DriftScorer struct {
	embedder retrieval.Embedder

	mu     sync.RWMutex
	golden [][]float32
}

// NewDriftScorer builds a drift scorer using the same embedding collaborator
// as retrieval.
func NewDriftScorer(embedder retrieval.Embedder) *DriftScorer {
	return &DriftScorer{embedder: embedder}
}

// LoadGolden embeds-or-adopts the golden baseline once at startup. Documents
// carrying a stored vector use it directly; the rest are embedded here.
func (s *DriftScorer) LoadGolden(ctx context.Context, docs []datatypes.RetrievedDocument) error {
	golden := make([][]float32, 0, len(docs))
	for _, doc := range docs {
		vec := doc.Vector
		if len(vec) == 0 {
			var err error
			vec, err = s.embedder.Embed(ctx, doc.Content)
			if err != nil {
				return fmt.Errorf("failed to embed golden document %s: %w", doc.ID, err)
			}
		}
		golden = append(golden, vec)
	}

	s.mu.Lock()
	s.golden = golden
	s.mu.Unlock()

	slog.Info("Loaded golden corpus baseline", "golden_documents", len(golden))
	return nil
}

// GoldenCount returns the number of baseline embeddings.
func (s *DriftScorer) GoldenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.golden)
}

// Score returns the drift score for a document. The stored vector is used
// when present; otherwise content is embedded with the retrieval model. An
// empty golden baseline scores the neutral 0.5.
func (s *DriftScorer) Score(ctx context.Context, doc datatypes.RetrievedDocument) (float64, error) {
	s.mu.RLock()
	golden := s.golden
	s.mu.RUnlock()

	if len(golden) == 0 {
		return neutralScore, nil
	}

	vec := doc.Vector
	if len(vec) == 0 {
		var err error
		vec, err = s.embedder.Embed(ctx, doc.Content)
		if err != nil {
			return 0, fmt.Errorf("failed to embed document for drift scoring: %w", err)
		}
	}

	best := -1.0
	for _, g := range golden {
		if sim := retrieval.CosineSimilarity(vec, g); sim > best {
			best = sim
		}
	}

	return datatypes.Clip01((best + 1.0) / 2.0), nil
}
