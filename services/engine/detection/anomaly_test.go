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
	"fmt"
	"testing"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/stretchr/testify/assert"
)

func docsFromSources(sources ...string) []datatypes.RetrievedDocument {
	docs := make([]datatypes.RetrievedDocument, 0, len(sources))
	for i, src := range sources {
		docs = append(docs, datatypes.RetrievedDocument{
			Document: datatypes.Document{
				ID:       fmt.Sprintf("doc-%d", i),
				Metadata: datatypes.Metadata{Source: src},
			},
		})
	}
	return docs
}

func TestAnomalyScorer_DiversityTiers(t *testing.T) {
	s := NewAnomalyScorer(NewTrustScorer(nil))

	tests := []struct {
		name    string
		sources []string
		want    float64
	}{
		{"all distinct sources", []string{"nvd.nist.gov", "cve.mitre.org", "ubuntu.com/security"}, 1.0},
		{"half distinct", []string{"nvd.nist.gov", "nvd.nist.gov", "cve.mitre.org", "cve.mitre.org"}, 0.7},
		{"single source dominates", []string{"nvd.nist.gov", "nvd.nist.gov", "nvd.nist.gov", "nvd.nist.gov"}, 0.5},
		{"empty set neutral", nil, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.Score(docsFromSources(tt.sources...)), 1e-9)
		})
	}
}

// A single deeply untrusted outlier among uniform trusted sources triggers
// the variance penalty.
func TestAnomalyScorer_VariancePenalty(t *testing.T) {
	table := map[string]float64{
		"good-a": 0.9, "good-b": 0.9, "good-c": 0.9, "good-d": 0.9,
		"good-e": 0.9, "good-f": 0.9, "good-g": 0.9, "evil": 0.0,
	}
	s := NewAnomalyScorer(NewTrustScorer(table))

	docs := docsFromSources("good-a", "good-b", "good-c", "good-d", "good-e", "good-f", "good-g", "evil")
	// 8 distinct sources: diversity 1.0; the outlier costs 0.3.
	assert.InDelta(t, 0.7, s.Score(docs), 1e-9)
}

func TestAnomalyScorer_NoPenaltyOnUniformTrust(t *testing.T) {
	s := NewAnomalyScorer(NewTrustScorer(nil))
	docs := docsFromSources("nvd.nist.gov", "cve.mitre.org")
	assert.InDelta(t, 1.0, s.Score(docs), 1e-9)
}

func TestAnomalyScorer_Range(t *testing.T) {
	s := NewAnomalyScorer(NewTrustScorer(nil))
	for n := 0; n < 6; n++ {
		sources := make([]string, n)
		for i := range sources {
			sources[i] = "src"
		}
		got := s.Score(docsFromSources(sources...))
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
	}
}
