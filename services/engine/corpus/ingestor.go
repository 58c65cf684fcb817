// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package corpus loads documents from the on-disk corpus layout into the
// retrieval index.
//
// The corpus root holds one directory per category:
//
//	corpus/clean/     trusted documents
//	corpus/poisoned/  attack documents for demonstrations
//	corpus/golden/    drift baseline documents
//
// The document ID is the file name without extension; the source is derived
// from recognizable markers in the content, falling back to the category.
package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/AleutianAI/RAGShield/services/engine/retrieval"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultGlob selects corpus files inside a category directory.
const DefaultGlob = "**/*.txt"

// categories in ingestion order.
var categories = []string{
	datatypes.CategoryClean,
	datatypes.CategoryPoisoned,
	datatypes.CategoryGolden,
}

// sourceMarkers map content substrings to canonical sources, mirroring how
// advisories carry their origin inline.
var sourceMarkers = []string{
	"nvd.nist.gov",
	"ubuntu.com/security",
	"debian.org/security",
	"redhat.com/security",
	"cve.mitre.org",
	"github.com/advisories",
}

// Ingestor loads corpus files through the retrieval adapter.
type Ingestor struct {
	adapter *retrieval.Adapter
	glob    string
}

// NewIngestor builds an Ingestor; an empty glob uses DefaultGlob.
func NewIngestor(adapter *retrieval.Adapter, glob string) *Ingestor {
	if glob == "" {
		glob = DefaultGlob
	}
	return &Ingestor{adapter: adapter, glob: glob}
}

// IngestDir walks root's category directories and ingests every matching
// file. Returns the number of documents ingested.
func (i *Ingestor) IngestDir(ctx context.Context, root string) (int, error) {
	total := 0
	for _, category := range categories {
		dir := filepath.Join(root, category)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			slog.Warn("Corpus category directory not found, skipping", "dir", dir)
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(dir), i.glob)
		if err != nil {
			return total, fmt.Errorf("bad corpus glob %q: %w", i.glob, err)
		}

		for _, rel := range matches {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			if err := i.ingestFile(ctx, filepath.Join(dir, rel), category); err != nil {
				return total, err
			}
			total++
		}
	}
	slog.Info("Corpus ingestion completed", "documents", total)
	return total, nil
}

func (i *Ingestor) ingestFile(ctx context.Context, path, category string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read corpus file %s: %w", path, err)
	}

	docID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	metadata := datatypes.Metadata{
		Source:   DeriveSource(string(content), category),
		Category: category,
		Title:    docID,
	}
	if err := i.adapter.Ingest(ctx, docID, string(content), metadata); err != nil {
		return fmt.Errorf("failed to ingest %s: %w", path, err)
	}
	return nil
}

// DeriveSource finds the document's origin from inline markers, falling back
// to the category (golden/clean) or "unknown".
func DeriveSource(content, category string) string {
	lower := strings.ToLower(content)
	for _, marker := range sourceMarkers {
		if strings.Contains(lower, marker) {
			return marker
		}
	}
	switch category {
	case datatypes.CategoryGolden, datatypes.CategoryClean:
		return category
	default:
		return "unknown"
	}
}

// Watch auto-ingests files created or modified under root's category
// directories until ctx is cancelled. Best-effort: per-file failures are
// logged, not fatal.
func (i *Ingestor) Watch(ctx context.Context, root string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create corpus watcher: %w", err)
	}
	defer watcher.Close()

	watched := 0
	for _, category := range categories {
		dir := filepath.Join(root, category)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		watched++
	}
	if watched == 0 {
		return fmt.Errorf("no corpus category directories under %s", root)
	}
	slog.Info("Watching corpus for new documents", "root", root)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			category := filepath.Base(filepath.Dir(event.Name))
			match, err := doublestar.Match(i.glob, filepath.Base(event.Name))
			if err != nil || !match {
				continue
			}
			if err := i.ingestFile(ctx, event.Name, category); err != nil {
				slog.Error("Failed to ingest watched file", "path", event.Name, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Corpus watcher error", "error", err)
		}
	}
}
