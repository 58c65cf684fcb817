// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lineage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "query_lineage.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(queryID, userID string, ts time.Time, docIDs ...string) datatypes.LineageRecord {
	return datatypes.LineageRecord{
		QueryID:           queryID,
		QueryText:         "q",
		UserID:            userID,
		RetrievedDocIDs:   docIDs,
		QuarantinedDocIDs: []string{},
		Timestamp:         ts,
		Action:            datatypes.ActionClean,
	}
}

func TestStore_AppendAndScan(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Append(record("q1", "u1", now, "doc-a")))
	require.NoError(t, store.Append(record("q2", "u2", now, "doc-b")))

	recs, err := store.Scan(time.Time{}, time.Time{}, nil)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// Append order preserved.
	assert.Equal(t, "q1", recs[0].QueryID)
	assert.Equal(t, "q2", recs[1].QueryID)
}

func TestStore_ScanWindow(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Append(record("old", "u1", now.Add(-48*time.Hour), "doc-a")))
	require.NoError(t, store.Append(record("recent", "u1", now.Add(-time.Hour), "doc-a")))

	recs, err := store.Scan(now.Add(-24*time.Hour), now, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "recent", recs[0].QueryID)
}

func TestStore_ByDocID(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Append(record("q1", "u1", now, "doc-a", "doc-b")))
	require.NoError(t, store.Append(record("q2", "u2", now, "doc-b")))
	require.NoError(t, store.Append(record("q3", "u3", now, "doc-c")))

	recs, err := store.ByDocID("doc-b", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "q1", recs[0].QueryID)
	assert.Equal(t, "q2", recs[1].QueryID)
}

func TestStore_CountAndReset(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Append(record("q1", "u1", now, "doc-a")))
	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.Reset())
	n, err = store.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStore_EmptyScanOnMissingWindow(t *testing.T) {
	store := newTestStore(t)
	recs, err := store.ByDocID("ghost", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
