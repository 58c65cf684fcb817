// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package entity

import (
	"strings"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
)

// IdentifierMetadataKey is the scalar metadata field the retrieval adapter
// stores the first extracted identifier under; the processor's exact-match
// filter targets the same key.
const IdentifierMetadataKey = "identifiers"

// DefaultBoostFactor is how many times the leading identifier is repeated in
// the augmented query. Embedding functions weight repeated terms higher, so
// the boost pulls exact-identifier documents up without losing the query's
// semantic context.
const DefaultBoostFactor = 3

// Processor preprocesses queries before retrieval.
type Processor struct {
	extractor   *Extractor
	boostFactor int
}

// NewProcessor builds a Processor. boostFactor <= 0 falls back to the default.
func NewProcessor(extractor *Extractor, boostFactor int) *Processor {
	if boostFactor <= 0 {
		boostFactor = DefaultBoostFactor
	}
	return &Processor{extractor: extractor, boostFactor: boostFactor}
}

// Process returns the augmented query text and, when the query carries an
// identifier, an equality filter for it.
//
// With at least one identifier I present, the augmented text is I repeated
// boostFactor times followed by the original query, and the filter pins
// IdentifierMetadataKey == I (first identifier only; the index stores a
// single scalar per document). Without identifiers the query passes through
// untouched and the filter is nil.
func (p *Processor) Process(query string) (string, *datatypes.MetadataFilter) {
	ids := p.extractor.Extract(query)
	if len(ids) == 0 {
		return query, nil
	}

	first := ids[0]
	var sb strings.Builder
	for i := 0; i < p.boostFactor; i++ {
		sb.WriteString(first)
		sb.WriteByte(' ')
	}
	sb.WriteString(query)

	return sb.String(), &datatypes.MetadataFilter{
		Key:   IdentifierMetadataKey,
		Value: first,
	}
}
