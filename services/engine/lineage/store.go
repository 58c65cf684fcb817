// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lineage implements the append-only query-lineage log.
//
// Every query that reached retrieval gets exactly one record, appended after
// the integrity decision is known so the action field is always populated.
// The log is scanned by doc_id over a time window for blast-radius analysis.
package lineage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
)

// Store is the durable lineage log. Appends are serialized and synced before
// return so a record is never observable ahead of its durability.
type Store struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewStore opens (or creates) the lineage log at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lineage directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lineage log: %w", err)
	}
	return &Store{path: path, file: file}, nil
}

// Append writes the record durably. The write is flushed to disk before
// Append returns.
func (s *Store) Append(rec datatypes.LineageRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize lineage record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append lineage record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync lineage log: %w", err)
	}
	return nil
}

// Scan returns all records inside [since, until] matching pred, in append
// order. A nil pred matches everything. Zero time bounds are open.
func (s *Store) Scan(since, until time.Time, pred func(datatypes.LineageRecord) bool) ([]datatypes.LineageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open lineage log for scan: %w", err)
	}
	defer f.Close()

	var out []datatypes.LineageRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec datatypes.LineageRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn or malformed line; keep scanning.
			continue
		}
		if !since.IsZero() && rec.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && rec.Timestamp.After(until) {
			continue
		}
		if pred != nil && !pred(rec) {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan lineage log: %w", err)
	}
	return out, nil
}

// ByDocID returns the records whose retrieval included docID, inside the
// window. Convenience wrapper used by the blast-radius analyzer.
func (s *Store) ByDocID(docID string, since, until time.Time) ([]datatypes.LineageRecord, error) {
	return s.Scan(since, until, func(rec datatypes.LineageRecord) bool {
		return rec.Retrieved(docID)
	})
}

// Count returns the number of records in the log.
func (s *Store) Count() (int, error) {
	recs, err := s.Scan(time.Time{}, time.Time{}, nil)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Reset truncates the log. Used by the gated demo-reset endpoint.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lineage log: %w", err)
	}
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to rewind lineage log: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
