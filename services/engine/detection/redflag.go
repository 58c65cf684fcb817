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

// RedFlagScorer scans document content for known-malicious keyword phrases
// grouped into semantic categories.
type RedFlagScorer struct {
	categories map[string][]string
	maxFlags   int
}

// NewRedFlagScorer builds a scorer over the category -> phrases mapping; a
// nil mapping uses the defaults.
func NewRedFlagScorer(categories map[string][]string) *RedFlagScorer {
	if categories == nil {
		categories = DefaultRedFlags
	}
	total := 0
	for _, phrases := range categories {
		total += len(phrases)
	}
	return &RedFlagScorer{categories: categories, maxFlags: total}
}

// Score returns the red-flag score for content.
//
// Golden documents get their warning-marker lines stripped first so quoted
// counter-examples do not count as hits. The base score is 1 - 1.5*F/M with
// F the distinct phrase hits and M the configured phrase total; hitting
// multiple categories applies the single largest penalty multiplier
// (2 categories x0.80, 3 x0.70, 4+ x0.60).
func (s *RedFlagScorer) Score(content, category string) float64 {
	if s.maxFlags == 0 {
		return 1.0
	}

	if category == datatypes.CategoryGolden {
		content = stripWarningLines(content)
	}

	flags, categoriesHit := s.Detect(content)

	base := datatypes.Clip01(1.0 - 1.5*float64(flags)/float64(s.maxFlags))

	multiplier := 1.0
	switch {
	case categoriesHit >= 4:
		multiplier = 0.60
	case categoriesHit >= 3:
		multiplier = 0.70
	case categoriesHit >= 2:
		multiplier = 0.80
	}

	return datatypes.Clip01(base * multiplier)
}

// Detect counts the distinct phrases present in content and the number of
// categories with at least one hit.
func (s *RedFlagScorer) Detect(content string) (flags, categoriesHit int) {
	lower := strings.ToLower(content)
	for _, phrases := range s.categories {
		hitsInCategory := 0
		for _, phrase := range phrases {
			if strings.Contains(lower, strings.ToLower(phrase)) {
				hitsInCategory++
			}
		}
		if hitsInCategory > 0 {
			categoriesHit++
			flags += hitsInCategory
		}
	}
	return flags, categoriesHit
}

// DetectByCategory returns the matched phrases per category, for quarantine
// reasons and analyst reports.
func (s *RedFlagScorer) DetectByCategory(content string) map[string][]string {
	lower := strings.ToLower(content)
	detected := make(map[string][]string)
	for category, phrases := range s.categories {
		for _, phrase := range phrases {
			if strings.Contains(lower, strings.ToLower(phrase)) {
				detected[category] = append(detected[category], phrase)
			}
		}
	}
	return detected
}

// stripWarningLines drops lines carrying documented counter-example markers.
func stripWarningLines(content string) string {
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		lower := strings.ToLower(line)
		marked := false
		for _, marker := range goldenWarningMarkers {
			if strings.Contains(lower, marker) {
				marked = true
				break
			}
		}
		if !marked {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
