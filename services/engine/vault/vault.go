// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vault implements the durable quarantine vault and its state
// machine.
//
// # Layout
//
// One directory per record:
//
//	vault/Q-{timestamp}-{doc_id}/
//	    content.txt     full content snapshot at detection time
//	    metadata.json   original index metadata
//	    record.json     the QuarantineRecord
//	    audit.jsonl     append-only, hash-chained state history
//
// # Invariants
//
//   - At most one non-RESTORED record per doc_id at any time.
//   - The index's is_quarantined flag and the presence of an active record
//     agree at rest; the vault is the sole driver of that flag (through the
//     retrieval adapter).
//   - State history is strictly append-only; a restore never deletes it.
//
// # Concurrency
//
// Operations on the same doc_id are serialized by a per-document mutex;
// distinct documents proceed in parallel.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/gowebpki/jcs"
)

var (
	// ErrConflict is returned when a document already has an active record.
	ErrConflict = errors.New("active quarantine record already exists")
	// ErrInvalidState is returned for transitions out of a terminal state.
	ErrInvalidState = errors.New("invalid quarantine state transition")
	// ErrNotFound is returned for unknown quarantine IDs.
	ErrNotFound = errors.New("quarantine record not found")
)

// genesisHash anchors every record's audit chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const (
	contentFile  = "content.txt"
	metadataFile = "metadata.json"
	recordFile   = "record.json"
	auditFile    = "audit.jsonl"
)

// MetadataUpdater is the slice of the retrieval adapter the vault uses to
// flip quarantine flags. The vault never calls back into the pipeline.
type MetadataUpdater interface {
	SetQuarantined(ctx context.Context, docID, quarantineID string) error
	ClearQuarantined(ctx context.Context, docID string) error
}

// EventPublisher is the slice of the event bus the vault emits on.
type EventPublisher interface {
	Publish(code datatypes.EventCode, level datatypes.EventLevel, message, correlationID string, payload map[string]any) (int64, error)
}

// Vault owns quarantine records and their on-disk layout.
type Vault struct {
	dir     string
	adapter MetadataUpdater
	bus     EventPublisher

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	active  map[string]string // doc_id -> quarantine_id of the active record
	byQuar  map[string]string // quarantine_id -> doc_id
}

// New opens the vault at dir, creating it if needed, and rebuilds the active
// index from the records already on disk.
func New(dir string, adapter MetadataUpdater, bus EventPublisher) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	v := &Vault{
		dir:     dir,
		adapter: adapter,
		bus:     bus,
		locks:   make(map[string]*sync.Mutex),
		active:  make(map[string]string),
		byQuar:  make(map[string]string),
	}
	if err := v.loadExisting(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) loadExisting() error {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return fmt.Errorf("failed to read vault directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "Q-") {
			continue
		}
		rec, err := v.readRecord(e.Name())
		if err != nil {
			slog.Warn("Skipping unreadable vault record", "quarantine_id", e.Name(), "error", err)
			continue
		}
		v.byQuar[rec.QuarantineID] = rec.DocID
		if rec.Active() {
			if prev, ok := v.active[rec.DocID]; ok {
				slog.Error("Multiple active vault records for one document",
					"doc_id", rec.DocID, "kept", rec.QuarantineID, "previous", prev)
			}
			v.active[rec.DocID] = rec.QuarantineID
		}
	}
	slog.Info("Vault loaded", "records", len(v.byQuar), "active", len(v.active))
	return nil
}

// docLock returns the mutex serializing operations on docID.
func (v *Vault) docLock(docID string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.locks[docID]
	if !ok {
		l = &sync.Mutex{}
		v.locks[docID] = l
	}
	return l
}

// Quarantine isolates a document: it writes the record, flips the index
// metadata, and emits RAG-2001 — atomically from the observer's point of
// view. If the metadata flip fails the record is removed again and the
// document stays retrievable. correlationID carries the triggering query ID
// into the emitted events (empty for manual quarantines).
func (v *Vault) Quarantine(ctx context.Context, docID, contentSnapshot string, metadata datatypes.Metadata, signals datatypes.IntegritySignals, reason, correlationID string) (datatypes.QuarantineRecord, error) {
	lock := v.docLock(docID)
	lock.Lock()
	defer lock.Unlock()

	v.mu.Lock()
	if qid, ok := v.active[docID]; ok {
		v.mu.Unlock()
		return datatypes.QuarantineRecord{}, fmt.Errorf("%w: doc %s already held by %s", ErrConflict, docID, qid)
	}
	v.mu.Unlock()

	now := time.Now().UTC()
	quarantineID := v.newQuarantineID(now, docID)

	entry := datatypes.AuditEntry{
		Action:    string(datatypes.StateQuarantined),
		Actor:     "system",
		Timestamp: now,
		Notes:     reason,
		PrevHash:  genesisHash,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return datatypes.QuarantineRecord{}, err
	}
	entry.EntryHash = hash

	rec := datatypes.QuarantineRecord{
		QuarantineID:     quarantineID,
		DocID:            docID,
		State:            datatypes.StateQuarantined,
		QuarantinedAt:    now,
		Reason:           reason,
		Signals:          signals,
		ContentSnapshot:  contentSnapshot,
		OriginalMetadata: metadata,
		StateHistory:     []datatypes.AuditEntry{entry},
	}

	if err := v.writeNewRecord(rec); err != nil {
		return datatypes.QuarantineRecord{}, err
	}

	if err := v.adapter.SetQuarantined(ctx, docID, quarantineID); err != nil {
		// Roll the record back; the document stays retrievable and the
		// failure is surfaced loudly.
		if rmErr := os.RemoveAll(v.recordDir(quarantineID)); rmErr != nil {
			slog.Error("Failed to roll back vault record", "quarantine_id", quarantineID, "error", rmErr)
		}
		v.publish(datatypes.CodeDocQuarantined, datatypes.LevelCritical,
			fmt.Sprintf("quarantine aborted for %s: index metadata update failed", docID), correlationID,
			map[string]any{"doc_id": docID, "error": err.Error()})
		return datatypes.QuarantineRecord{}, fmt.Errorf("vault write aborted for %s: %w", docID, err)
	}

	v.mu.Lock()
	v.active[docID] = quarantineID
	v.byQuar[quarantineID] = docID
	v.mu.Unlock()

	v.publish(datatypes.CodeDocQuarantined, datatypes.LevelWarn,
		fmt.Sprintf("document quarantined: %s", docID), correlationID,
		map[string]any{
			"quarantine_id":    quarantineID,
			"doc_id":           docID,
			"reason":           reason,
			"integrity_scores": signals.ToMap(),
		})

	slog.Info("Document quarantined", "doc_id", docID, "quarantine_id", quarantineID)
	return rec, nil
}

// Confirm marks a QUARANTINED record as analyst-confirmed malicious. The
// document remains excluded from retrieval. Terminal.
func (v *Vault) Confirm(ctx context.Context, quarantineID, actor, notes string) error {
	return v.transition(ctx, quarantineID, actor, notes, datatypes.StateConfirmedMalicious)
}

// Restore marks a QUARANTINED record as a false positive and returns the
// document to the retrievable pool. Protection is stateless: future queries
// re-score it from scratch. Terminal.
func (v *Vault) Restore(ctx context.Context, quarantineID, actor, notes string) error {
	return v.transition(ctx, quarantineID, actor, notes, datatypes.StateRestored)
}

func (v *Vault) transition(ctx context.Context, quarantineID, actor, notes string, target datatypes.QuarantineState) error {
	v.mu.Lock()
	docID, ok := v.byQuar[quarantineID]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, quarantineID)
	}

	lock := v.docLock(docID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := v.readRecord(quarantineID)
	if err != nil {
		return err
	}
	if rec.State != datatypes.StateQuarantined {
		// Terminal records reject further transitions without touching the
		// audit log.
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, quarantineID, rec.State)
	}

	if target == datatypes.StateRestored {
		if err := v.adapter.ClearQuarantined(ctx, docID); err != nil {
			return fmt.Errorf("failed to restore %s in index: %w", docID, err)
		}
	}

	prevHash := genesisHash
	if n := len(rec.StateHistory); n > 0 {
		prevHash = rec.StateHistory[n-1].EntryHash
	}
	entry := datatypes.AuditEntry{
		Action:    string(target),
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Notes:     notes,
		PrevHash:  prevHash,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	rec.State = target
	rec.StateHistory = append(rec.StateHistory, entry)

	if err := v.rewriteRecord(rec); err != nil {
		return err
	}
	if err := v.appendAudit(quarantineID, entry); err != nil {
		return err
	}

	if target == datatypes.StateRestored {
		v.mu.Lock()
		delete(v.active, docID)
		v.mu.Unlock()
		v.publish(datatypes.CodeQuarantineRestored, datatypes.LevelInfo,
			fmt.Sprintf("quarantine restored: %s", docID), "",
			map[string]any{"quarantine_id": quarantineID, "doc_id": docID, "analyst": actor, "notes": notes})
	} else {
		v.publish(datatypes.CodeQuarantineConfirmed, datatypes.LevelInfo,
			fmt.Sprintf("quarantine confirmed malicious: %s", docID), "",
			map[string]any{"quarantine_id": quarantineID, "doc_id": docID, "analyst": actor, "notes": notes})
	}

	slog.Info("Quarantine state changed", "quarantine_id", quarantineID, "state", target, "actor", actor)
	return nil
}

// Get returns one record by quarantine ID.
func (v *Vault) Get(quarantineID string) (datatypes.QuarantineRecord, error) {
	v.mu.Lock()
	_, ok := v.byQuar[quarantineID]
	v.mu.Unlock()
	if !ok {
		return datatypes.QuarantineRecord{}, fmt.Errorf("%w: %s", ErrNotFound, quarantineID)
	}
	return v.readRecord(quarantineID)
}

// List returns records, newest first, optionally filtered by state.
func (v *Vault) List(stateFilter *datatypes.QuarantineState) ([]datatypes.QuarantineRecord, error) {
	v.mu.Lock()
	ids := make([]string, 0, len(v.byQuar))
	for qid := range v.byQuar {
		ids = append(ids, qid)
	}
	v.mu.Unlock()

	var out []datatypes.QuarantineRecord
	for _, qid := range ids {
		rec, err := v.readRecord(qid)
		if err != nil {
			slog.Warn("Skipping unreadable vault record", "quarantine_id", qid, "error", err)
			continue
		}
		if stateFilter != nil && rec.State != *stateFilter {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QuarantinedAt.After(out[j].QuarantinedAt)
	})
	return out, nil
}

// ActiveRecordFor returns the active quarantine ID for docID, if any.
func (v *Vault) ActiveRecordFor(docID string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	qid, ok := v.active[docID]
	return qid, ok
}

// Count returns the total number of records in the vault.
func (v *Vault) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.byQuar)
}

// Reset wipes all records. Gated demo functionality.
func (v *Vault) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return fmt.Errorf("failed to read vault directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "Q-") {
			if err := os.RemoveAll(filepath.Join(v.dir, e.Name())); err != nil {
				return fmt.Errorf("failed to remove record %s: %w", e.Name(), err)
			}
		}
	}
	v.active = make(map[string]string)
	v.byQuar = make(map[string]string)
	return nil
}

// =============================================================================
// Persistence helpers
// =============================================================================

func (v *Vault) recordDir(quarantineID string) string {
	return filepath.Join(v.dir, quarantineID)
}

// newQuarantineID builds Q-{timestamp}-{doc_id}, disambiguating when a
// restore and re-quarantine land in the same second.
func (v *Vault) newQuarantineID(now time.Time, docID string) string {
	base := fmt.Sprintf("Q-%s-%s", now.Format("20060102150405"), docID)
	id := base
	for n := 2; ; n++ {
		if _, err := os.Stat(v.recordDir(id)); os.IsNotExist(err) {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

func (v *Vault) writeNewRecord(rec datatypes.QuarantineRecord) error {
	dir := v.recordDir(rec.QuarantineID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, contentFile), []byte(rec.ContentSnapshot), 0o644); err != nil {
		return fmt.Errorf("failed to write content snapshot: %w", err)
	}

	metaBytes, err := json.MarshalIndent(rec.OriginalMetadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), metaBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := v.rewriteRecord(rec); err != nil {
		return err
	}
	return v.appendAudit(rec.QuarantineID, rec.StateHistory[0])
}

func (v *Vault) rewriteRecord(rec datatypes.QuarantineRecord) error {
	recBytes, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(v.recordDir(rec.QuarantineID), recordFile), recBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (v *Vault) readRecord(quarantineID string) (datatypes.QuarantineRecord, error) {
	raw, err := os.ReadFile(filepath.Join(v.recordDir(quarantineID), recordFile))
	if err != nil {
		if os.IsNotExist(err) {
			return datatypes.QuarantineRecord{}, fmt.Errorf("%w: %s", ErrNotFound, quarantineID)
		}
		return datatypes.QuarantineRecord{}, fmt.Errorf("failed to read record %s: %w", quarantineID, err)
	}
	var rec datatypes.QuarantineRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return datatypes.QuarantineRecord{}, fmt.Errorf("failed to parse record %s: %w", quarantineID, err)
	}
	return rec, nil
}

func (v *Vault) appendAudit(quarantineID string, entry datatypes.AuditEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize audit entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(v.recordDir(quarantineID), auditFile),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return f.Sync()
}

func (v *Vault) publish(code datatypes.EventCode, level datatypes.EventLevel, message, correlationID string, payload map[string]any) {
	if v.bus == nil {
		return
	}
	if _, err := v.bus.Publish(code, level, message, correlationID, payload); err != nil {
		slog.Warn("Failed to publish vault event", "code", code, "error", err)
	}
}

// entryHash computes the tamper-evidence hash over the JCS-canonicalized
// entry (EntryHash field excluded).
func entryHash(entry datatypes.AuditEntry) (string, error) {
	entry.EntryHash = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to serialize audit entry for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize audit entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyAuditChain walks a record's audit log and reports the first break in
// the hash chain, if any.
func (v *Vault) VerifyAuditChain(quarantineID string) error {
	rec, err := v.Get(quarantineID)
	if err != nil {
		return err
	}
	prev := genesisHash
	for i, entry := range rec.StateHistory {
		if entry.PrevHash != prev {
			return fmt.Errorf("audit chain broken at entry %d: prev hash mismatch", i)
		}
		want := entry.EntryHash
		got, err := entryHash(entry)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("audit chain broken at entry %d: entry hash mismatch", i)
		}
		prev = entry.EntryHash
	}
	return nil
}
