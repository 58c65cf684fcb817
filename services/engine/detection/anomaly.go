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
	"math"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
)

// AnomalyScorer scores the source distribution of the current retrieved set.
// The score is a property of the set, so every document in one retrieval
// shares the same anomaly score.
type AnomalyScorer struct {
	trust *TrustScorer
}

// NewAnomalyScorer builds an anomaly scorer that reads trust scores through
// the given trust table (for the variance analysis only; the scorers stay
// independent in their outputs).
func NewAnomalyScorer(trust *TrustScorer) *AnomalyScorer {
	return &AnomalyScorer{trust: trust}
}

// Score computes the anomaly score for the retrieved set.
//
// diversity = unique_sources / |set|, mapped >=0.7 -> 1.0, >=0.4 -> 0.7,
// else 0.5. A variance penalty of 0.3 applies when the lowest trust score in
// the set sits more than two standard deviations from the set mean.
func (s *AnomalyScorer) Score(docs []datatypes.RetrievedDocument) float64 {
	if len(docs) == 0 {
		return neutralScore
	}

	sources := make(map[string]struct{}, len(docs))
	trustScores := make([]float64, 0, len(docs))
	for _, doc := range docs {
		sources[doc.Metadata.Source] = struct{}{}
		trustScores = append(trustScores, s.trust.Score(doc.Metadata))
	}

	ratio := float64(len(sources)) / float64(len(docs))
	var diversity float64
	switch {
	case ratio >= 0.7:
		diversity = 1.0
	case ratio >= 0.4:
		diversity = 0.7
	default:
		diversity = 0.5
	}

	penalty := 0.0
	if len(trustScores) > 1 {
		mean, std := meanStddev(trustScores)
		minTrust := trustScores[0]
		for _, t := range trustScores[1:] {
			if t < minTrust {
				minTrust = t
			}
		}
		if std > 0 && math.Abs(minTrust-mean)/std > 2.0 {
			penalty = 0.3
		}
	}

	return datatypes.Clip01(diversity - penalty)
}

// meanStddev returns the mean and sample standard deviation.
func meanStddev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	if len(values) < 2 {
		return mean, 0
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)-1))
}
