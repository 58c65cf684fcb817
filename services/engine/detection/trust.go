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
	"strings"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
)

// neutralScore is the score for inputs the scorers have no opinion on, and
// the fail-safe substitute when a scorer faults. It can never carry the
// quarantine vote on its own.
const neutralScore = 0.5

// TrustScorer scores a document's source against a reputation table.
type TrustScorer struct {
	table map[string]float64
}

// NewTrustScorer builds a scorer over the given reputation table; a nil
// table uses the defaults.
func NewTrustScorer(table map[string]float64) *TrustScorer {
	if table == nil {
		table = DefaultTrustSources
	}
	return &TrustScorer{table: table}
}

// Score looks the source up by longest matching prefix. Sources absent from
// the table score 0.5.
func (s *TrustScorer) Score(metadata datatypes.Metadata) float64 {
	source := strings.ToLower(strings.TrimSpace(metadata.Source))
	if source == "" {
		source = "unknown"
	}

	bestLen := -1
	best := neutralScore
	for prefix, score := range s.table {
		if strings.HasPrefix(source, strings.ToLower(prefix)) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = score
		}
	}
	return datatypes.Clip01(best)
}
