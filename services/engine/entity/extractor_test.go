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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCVEIDs_Basic(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "single id",
			text: "How to fix CVE-2024-0004?",
			want: []string{"CVE-2024-0004"},
		},
		{
			name: "multiple ids keep first-occurrence order",
			text: "CVE-2024-0001 and cve-2024-0002",
			want: []string{"CVE-2024-0001", "CVE-2024-0002"},
		},
		{
			name: "duplicates removed",
			text: "CVE-2024-0004 then again cve-2024-0004",
			want: []string{"CVE-2024-0004"},
		},
		{
			name: "long sequence numbers",
			text: "see CVE-2023-1234567",
			want: []string{"CVE-2023-1234567"},
		},
		{
			name: "no ids",
			text: "General security question",
			want: nil,
		},
		{
			name: "too few digits rejected",
			text: "CVE-2024-1 is not canonical",
			want: nil,
		},
		{
			name: "empty input",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCVEIDs(tt.text))
		})
	}
}

// Case normalization must not change the extracted set.
func TestExtractCVEIDs_CaseInsensitive(t *testing.T) {
	text := "Mitigate cve-2024-0004 and CVE-2025-11111 now"
	upper := ExtractCVEIDs(strings.ToUpper(text))
	lower := ExtractCVEIDs(strings.ToLower(text))
	assert.Equal(t, upper, lower)
	assert.Equal(t, []string{"CVE-2024-0004", "CVE-2025-11111"}, upper)
}

func TestExtractor_ExtraExtractors(t *testing.T) {
	versions := func(text string) []string {
		if strings.Contains(text, "v1.2.3") {
			return []string{"v1.2.3"}
		}
		return nil
	}
	ex := NewExtractor(versions)

	got := ex.Extract("CVE-2024-0004 shipped in v1.2.3")
	assert.Equal(t, []string{"CVE-2024-0004", "v1.2.3"}, got)
	assert.True(t, ex.HasIdentifier("CVE-2024-0004"))
	assert.False(t, ex.HasIdentifier("nothing here"))
}

func TestProcessor_Process_Boost(t *testing.T) {
	p := NewProcessor(NewExtractor(), 3)

	augmented, filter := p.Process("How to mitigate CVE-2024-0004?")
	require.NotNil(t, filter)
	assert.Equal(t, IdentifierMetadataKey, filter.Key)
	assert.Equal(t, "CVE-2024-0004", filter.Value)
	assert.Equal(t, "CVE-2024-0004 CVE-2024-0004 CVE-2024-0004 How to mitigate CVE-2024-0004?", augmented)
}

func TestProcessor_Process_NoIdentifier(t *testing.T) {
	p := NewProcessor(NewExtractor(), 3)

	augmented, filter := p.Process("How do I secure MySQL?")
	assert.Nil(t, filter)
	assert.Equal(t, "How do I secure MySQL?", augmented)
}

// Only the first identifier drives the filter; the index stores one scalar.
func TestProcessor_Process_FirstIdentifierWins(t *testing.T) {
	p := NewProcessor(NewExtractor(), 2)

	augmented, filter := p.Process("Compare CVE-2024-0001 vs CVE-2024-0002")
	require.NotNil(t, filter)
	assert.Equal(t, "CVE-2024-0001", filter.Value)
	assert.True(t, strings.HasPrefix(augmented, "CVE-2024-0001 CVE-2024-0001 "))
}
