// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events implements the append-only security event log and its live
// fan-out bus.
//
// # Description
//
// Events are JSON-serialized one record per line into events.jsonl, flushed
// on each write. A single appender goroutine behind a bounded queue makes the
// durable log single-producer-effective and totally ordered per process.
// Live subscribers receive events in append order through bounded buffers;
// a subscriber that cannot keep up is dropped rather than ever blocking the
// appender.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/google/uuid"
)

var (
	// ErrUnknownCode is returned when a publish uses a code outside the
	// fixed RAG-NNNN taxonomy.
	ErrUnknownCode = errors.New("unknown event code")
	// ErrClosed is returned when publishing to a closed bus.
	ErrClosed = errors.New("event bus closed")
	// ErrIO is returned when the durable sink is unwritable. The event is
	// still fanned out to live subscribers; callers treat this as non-fatal.
	ErrIO = errors.New("event sink io error")
)

const (
	defaultQueueSize      = 1024
	defaultSubscriberSize = 64
)

// Subscription is a live handle onto the bus. Events delivers future events
// in append order; the channel is closed on Cancel, bus close, or when the
// subscriber falls too far behind.
type Subscription struct {
	ID     string
	Events <-chan datatypes.Event

	bus *Bus
	ch  chan datatypes.Event
}

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s.ID)
}

// Bus is the event logger and fan-out hub.
type Bus struct {
	path string

	queue chan datatypes.Event
	done  chan struct{}
	wg    sync.WaitGroup

	nextID   atomic.Int64
	ioFailed atomic.Bool
	closed   atomic.Bool

	fileMu sync.Mutex
	file   *os.File

	subMu   sync.Mutex
	subs    map[string]*Subscription
	subSize int
}

// NewBus opens (or creates) the durable log at path and starts the appender.
//
// The monotonic event counter is recovered from the last line of an existing
// log so IDs stay unique across restarts.
func NewBus(path string) (*Bus, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	b := &Bus{
		path:    path,
		queue:   make(chan datatypes.Event, defaultQueueSize),
		done:    make(chan struct{}),
		file:    file,
		subs:    make(map[string]*Subscription),
		subSize: defaultSubscriberSize,
	}

	lastID, err := lastEventID(path)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to recover event counter: %w", err)
	}
	b.nextID.Store(lastID)

	b.wg.Add(1)
	go b.appendLoop()

	slog.Info("Event bus initialized", "path", path, "last_event_id", lastID)
	return b, nil
}

// Publish validates the code, assigns the next event ID, and enqueues the
// event for durable append and fan-out. It does not wait for the write.
//
// Returns the assigned event ID. ErrIO reports that the sink has been
// observed unwritable; the event still reaches live subscribers.
func (b *Bus) Publish(code datatypes.EventCode, level datatypes.EventLevel, message, correlationID string, payload map[string]any) (int64, error) {
	if !code.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCode, code)
	}
	if b.closed.Load() {
		return 0, ErrClosed
	}

	ev := datatypes.Event{
		EventID:       b.nextID.Add(1),
		Code:          code,
		Level:         level,
		Category:      code.Category(),
		Message:       message,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       payload,
	}

	select {
	case b.queue <- ev:
	case <-b.done:
		return 0, ErrClosed
	}

	if b.ioFailed.Load() {
		return ev.EventID, ErrIO
	}
	return ev.EventID, nil
}

// Subscribe registers a live subscriber. The stream carries future events
// only; use Recent for the persisted tail.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan datatypes.Event, b.subSize)
	sub := &Subscription{
		ID:     uuid.New().String(),
		Events: ch,
		bus:    b,
		ch:     ch,
	}
	b.subMu.Lock()
	b.subs[sub.ID] = sub
	b.subMu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Recent returns up to limit events from the durable log, newest first.
func (b *Bus) Recent(limit int) ([]datatypes.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	b.fileMu.Lock()
	defer b.fileMu.Unlock()

	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log for reading: %w", err)
	}
	defer f.Close()

	var all []datatypes.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev datatypes.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Skip malformed lines; a torn final write after a crash must
			// not make the whole tail unreadable.
			continue
		}
		all = append(all, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan event log: %w", err)
	}

	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	// Reverse to newest-first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

// Count returns the number of events in the durable log.
func (b *Bus) Count() (int, error) {
	b.fileMu.Lock()
	defer b.fileMu.Unlock()

	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}

// Reset truncates the durable log and restarts the event counter. Live
// subscriptions survive a reset. Used by the gated demo-reset endpoint.
func (b *Bus) Reset() error {
	b.fileMu.Lock()
	defer b.fileMu.Unlock()

	if err := b.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate event log: %w", err)
	}
	if _, err := b.file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to rewind event log: %w", err)
	}
	b.nextID.Store(0)
	b.ioFailed.Store(false)
	return nil
}

// Close drains the queue, stops the appender, and closes all subscriptions.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)
	b.wg.Wait()

	b.subMu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.subMu.Unlock()

	b.fileMu.Lock()
	defer b.fileMu.Unlock()
	return b.file.Close()
}

// appendLoop is the single serialized appender. It writes each event durably,
// then fans it out, so no subscriber can observe an event before the log does.
func (b *Bus) appendLoop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.appendAndFanOut(ev)
		case <-b.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case ev := <-b.queue:
					b.appendAndFanOut(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) appendAndFanOut(ev datatypes.Event) {
	if err := b.append(ev); err != nil {
		if b.ioFailed.CompareAndSwap(false, true) {
			slog.Error("Event sink unwritable, durable logging degraded", "error", err)
		}
		// Correctness of the durable log is gone for this event, but the
		// live feed still carries it plus a CRITICAL notice.
		b.fanOut(ev)
		b.fanOut(datatypes.Event{
			EventID:       ev.EventID,
			Code:          ev.Code,
			Level:         datatypes.LevelCritical,
			Category:      datatypes.CategorySystem,
			Message:       "event sink unwritable; event not persisted",
			Timestamp:     time.Now().UTC(),
			CorrelationID: ev.CorrelationID,
			Payload:       map[string]any{"error": err.Error()},
		})
		return
	}
	b.ioFailed.Store(false)
	b.fanOut(ev)
}

func (b *Bus) append(ev datatypes.Event) error {
	line, err := ev.ToJSONL()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	b.fileMu.Lock()
	defer b.fileMu.Unlock()
	if _, err := b.file.Write(append(line, '\n')); err != nil {
		return err
	}
	return b.file.Sync()
}

// fanOut delivers to every subscriber without ever blocking. A full buffer
// means the subscriber is too slow: its stream is closed and it is removed.
func (b *Bus) fanOut(ev datatypes.Event) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(b.subs, id)
			close(sub.ch)
			slog.Warn("Dropped slow event subscriber", "subscriber_id", id)
		}
	}
}

// lastEventID reads the highest event ID already present in the log.
func lastEventID(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var last int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev datatypes.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.EventID > last {
			last = ev.EventID
		}
	}
	return last, scanner.Err()
}
