// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package entity extracts structured identifiers from free text and uses
// them to sharpen retrieval: identifier-boosted query augmentation plus an
// exact metadata filter when the index supports scalar equality.
package entity

import (
	"regexp"
	"strings"
)

// cvePattern matches CVE identifiers such as CVE-2024-0004 or cve-2023-12345.
var cvePattern = regexp.MustCompile(`(?i)CVE-\d{4}-\d{4,7}`)

// ExtractFunc is the shape every identifier extractor conforms to. Results
// are normalized, deduplicated, in first-occurrence order.
type ExtractFunc func(text string) []string

// ExtractCVEIDs returns the CVE identifiers in text, upper-cased,
// deduplicated, in first-occurrence order.
func ExtractCVEIDs(text string) []string {
	if text == "" {
		return nil
	}
	matches := cvePattern.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		id := strings.ToUpper(m)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Extractor runs a fixed set of identifier extractors over text. The CVE
// extractor is always present; additional extractors (software names,
// versions) can be registered as long as they keep the ExtractFunc shape.
type Extractor struct {
	extractors []ExtractFunc
}

// NewExtractor returns an Extractor with the default CVE pattern plus any
// extra extractors.
func NewExtractor(extra ...ExtractFunc) *Extractor {
	return &Extractor{extractors: append([]ExtractFunc{ExtractCVEIDs}, extra...)}
}

// Extract returns all identifiers found by any registered extractor,
// deduplicated across extractors, preserving first-occurrence order.
func (e *Extractor) Extract(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, fn := range e.extractors {
		for _, id := range fn(text) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// HasIdentifier reports whether text contains at least one identifier.
func (e *Extractor) HasIdentifier(text string) bool {
	return len(e.Extract(text)) > 0
}
