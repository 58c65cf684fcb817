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

import "fmt"

// IntegritySignals carries the four per-document integrity scores.
//
// Every score is in [0,1]; higher is safer. ShouldQuarantine is derived by
// the detection engine's vote rule and is not part of the wire shape.
type IntegritySignals struct {
	TrustScore         float64 `json:"trust_score"`
	RedFlagScore       float64 `json:"red_flag_score"`
	AnomalyScore       float64 `json:"anomaly_score"`
	SemanticDriftScore float64 `json:"semantic_drift_score"`

	ShouldQuarantine bool `json:"-"`
}

// Clip clamps all four scores into [0,1] in place.
func (s *IntegritySignals) Clip() {
	s.TrustScore = Clip01(s.TrustScore)
	s.RedFlagScore = Clip01(s.RedFlagScore)
	s.AnomalyScore = Clip01(s.AnomalyScore)
	s.SemanticDriftScore = Clip01(s.SemanticDriftScore)
}

// Scores returns the four signals in canonical order, paired with their names.
func (s IntegritySignals) Scores() []NamedScore {
	return []NamedScore{
		{"trust", s.TrustScore},
		{"red_flag", s.RedFlagScore},
		{"anomaly", s.AnomalyScore},
		{"semantic_drift", s.SemanticDriftScore},
	}
}

// NamedScore is one signal with its canonical name.
type NamedScore struct {
	Name  string
	Value float64
}

// BelowThreshold counts how many signals fall strictly below threshold.
func (s IntegritySignals) BelowThreshold(threshold float64) int {
	n := 0
	for _, sc := range s.Scores() {
		if sc.Value < threshold {
			n++
		}
	}
	return n
}

// LowSignals lists the signals below threshold, formatted for quarantine
// reasons and analyst-facing messages, e.g. "trust (0.10)".
func (s IntegritySignals) LowSignals(threshold float64) []string {
	var low []string
	for _, sc := range s.Scores() {
		if sc.Value < threshold {
			low = append(low, fmt.Sprintf("%s (%.2f)", sc.Name, sc.Value))
		}
	}
	return low
}

// ToMap flattens the signals for event payloads.
func (s IntegritySignals) ToMap() map[string]any {
	return map[string]any{
		"trust":          s.TrustScore,
		"red_flag":       s.RedFlagScore,
		"anomaly":        s.AnomalyScore,
		"semantic_drift": s.SemanticDriftScore,
	}
}

// Clip01 clamps v into [0,1].
func Clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
