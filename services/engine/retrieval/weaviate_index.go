// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// ShieldDocumentClass is the Weaviate class holding the protected corpus.
const ShieldDocumentClass = "ShieldDocument"

// WeaviateIndex implements Index on a Weaviate instance. Vectors are supplied
// by the adapter's embedder (vectorizer "none"), and all metadata is stored
// as scalar properties so equality filters stay portable.
type WeaviateIndex struct {
	client *weaviate.Client
}

// NewWeaviateIndex wraps the client and ensures the document class exists.
func NewWeaviateIndex(ctx context.Context, client *weaviate.Client) (*WeaviateIndex, error) {
	idx := &WeaviateIndex{client: client}
	if err := idx.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (w *WeaviateIndex) ensureSchema(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().
		WithClassName(ShieldDocumentClass).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to check schema for %s: %w", ShieldDocumentClass, err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:       ShieldDocumentClass,
		Description: "Integrity-gated retrieval corpus",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "doc_id", DataType: []string{"text"}},
			{Name: "content", DataType: []string{"text"}},
			{Name: "source", DataType: []string{"text"}},
			{Name: "category", DataType: []string{"text"}},
			{Name: "title", DataType: []string{"text"}},
			{Name: "identifiers", DataType: []string{"text"}},
			{Name: "is_quarantined", DataType: []string{"boolean"}},
			{Name: "quarantine_id", DataType: []string{"text"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create class %s: %w", ShieldDocumentClass, err)
	}
	slog.Info("Created Weaviate class", "class", ShieldDocumentClass)
	return nil
}

// objectID derives a stable Weaviate UUID from the document ID so upserts
// and metadata updates address the same object across restarts.
func objectID(docID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(docID)).String()
}

func properties(doc datatypes.Document) map[string]interface{} {
	return map[string]interface{}{
		"doc_id":         doc.ID,
		"content":        doc.Content,
		"source":         doc.Metadata.Source,
		"category":       doc.Metadata.Category,
		"title":          doc.Metadata.Title,
		"identifiers":    doc.Metadata.Identifiers,
		"is_quarantined": doc.Metadata.IsQuarantined,
		"quarantine_id":  doc.Metadata.QuarantineID,
	}
}

// Upsert replaces any existing object for the doc and stores the vector.
func (w *WeaviateIndex) Upsert(ctx context.Context, doc datatypes.Document, vector []float32) error {
	id := objectID(doc.ID)

	// Delete-then-create keeps the vector and all properties in one shot;
	// a missing object on delete is not an error.
	if err := w.client.Data().Deleter().
		WithClassName(ShieldDocumentClass).WithID(id).Do(ctx); err != nil &&
		!strings.Contains(err.Error(), "404") {
		return fmt.Errorf("failed to replace object for %s: %w", doc.ID, err)
	}

	_, err := w.client.Data().Creator().
		WithClassName(ShieldDocumentClass).
		WithID(id).
		WithProperties(properties(doc)).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to create object for %s: %w", doc.ID, err)
	}
	return nil
}

// shieldDocResult mirrors the GraphQL field set for ShieldDocument.
type shieldDocResult struct {
	DocID         string `json:"doc_id"`
	Content       string `json:"content"`
	Source        string `json:"source"`
	Category      string `json:"category"`
	Title         string `json:"title"`
	Identifiers   string `json:"identifiers"`
	IsQuarantined bool   `json:"is_quarantined"`
	QuarantineID  string `json:"quarantine_id"`
	Additional    struct {
		Distance *float32  `json:"distance"`
		Vector   []float32 `json:"vector"`
	} `json:"_additional"`
}

type shieldDocResponse struct {
	Get struct {
		ShieldDocument []shieldDocResult `json:"ShieldDocument"`
	} `json:"Get"`
}

func shieldDocFields() []graphql.Field {
	return []graphql.Field{
		{Name: "doc_id"},
		{Name: "content"},
		{Name: "source"},
		{Name: "category"},
		{Name: "title"},
		{Name: "identifiers"},
		{Name: "is_quarantined"},
		{Name: "quarantine_id"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "distance"},
			{Name: "vector"},
		}},
	}
}

// parseGraphQLResponse converts Weaviate's dynamic response into the typed
// target via a marshal/unmarshal round trip.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal GraphQL response: %w", err)
	}
	return &result, nil
}

func toRetrieved(r shieldDocResult) datatypes.RetrievedDocument {
	doc := datatypes.RetrievedDocument{
		Document: datatypes.Document{
			ID:      r.DocID,
			Content: r.Content,
			Metadata: datatypes.Metadata{
				Source:        r.Source,
				Category:      r.Category,
				Title:         r.Title,
				Identifiers:   r.Identifiers,
				IsQuarantined: r.IsQuarantined,
				QuarantineID:  r.QuarantineID,
			},
		},
		Vector: r.Additional.Vector,
	}
	if r.Additional.Distance != nil {
		doc.Distance = float64(*r.Additional.Distance)
	}
	return doc
}

func equalityFilter(filter *datatypes.MetadataFilter) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{filter.Key}).
		WithOperator(filters.Equal).
		WithValueString(filter.Value)
}

// Query runs a nearVector search, optionally constrained by the equality
// filter, and returns candidates by ascending distance.
func (w *WeaviateIndex) Query(ctx context.Context, vector []float32, limit int, filter *datatypes.MetadataFilter) ([]datatypes.RetrievedDocument, error) {
	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	query := w.client.GraphQL().Get().
		WithClassName(ShieldDocumentClass).
		WithFields(shieldDocFields()...).
		WithNearVector(nearVector).
		WithLimit(limit)
	if filter != nil {
		query = query.WithWhere(equalityFilter(filter))
	}

	resp, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query failed: %w", err)
	}
	parsed, err := parseGraphQLResponse[shieldDocResponse](resp)
	if err != nil {
		return nil, err
	}

	out := make([]datatypes.RetrievedDocument, 0, len(parsed.Get.ShieldDocument))
	for _, r := range parsed.Get.ShieldDocument {
		out = append(out, toRetrieved(r))
	}
	return out, nil
}

// UpdateMetadata merges the new metadata into the stored object.
func (w *WeaviateIndex) UpdateMetadata(ctx context.Context, docID string, metadata datatypes.Metadata) error {
	err := w.client.Data().Updater().
		WithClassName(ShieldDocumentClass).
		WithID(objectID(docID)).
		WithProperties(map[string]interface{}{
			"source":         metadata.Source,
			"category":       metadata.Category,
			"title":          metadata.Title,
			"identifiers":    metadata.Identifiers,
			"is_quarantined": metadata.IsQuarantined,
			"quarantine_id":  metadata.QuarantineID,
		}).
		WithMerge().
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to update metadata for %s: %w", docID, err)
	}
	return nil
}

// Get fetches one document by its doc_id property.
func (w *WeaviateIndex) Get(ctx context.Context, docID string) (datatypes.RetrievedDocument, error) {
	resp, err := w.client.GraphQL().Get().
		WithClassName(ShieldDocumentClass).
		WithFields(shieldDocFields()...).
		WithWhere(equalityFilter(&datatypes.MetadataFilter{Key: "doc_id", Value: docID})).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return datatypes.RetrievedDocument{}, fmt.Errorf("weaviate get failed: %w", err)
	}
	parsed, err := parseGraphQLResponse[shieldDocResponse](resp)
	if err != nil {
		return datatypes.RetrievedDocument{}, err
	}
	if len(parsed.Get.ShieldDocument) == 0 {
		return datatypes.RetrievedDocument{}, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	return toRetrieved(parsed.Get.ShieldDocument[0]), nil
}

// List returns documents matching the filter with their vectors.
func (w *WeaviateIndex) List(ctx context.Context, filter *datatypes.MetadataFilter, limit int) ([]datatypes.RetrievedDocument, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := w.client.GraphQL().Get().
		WithClassName(ShieldDocumentClass).
		WithFields(shieldDocFields()...).
		WithLimit(limit)
	if filter != nil {
		query = query.WithWhere(equalityFilter(filter))
	}

	resp, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate list failed: %w", err)
	}
	parsed, err := parseGraphQLResponse[shieldDocResponse](resp)
	if err != nil {
		return nil, err
	}

	out := make([]datatypes.RetrievedDocument, 0, len(parsed.Get.ShieldDocument))
	for _, r := range parsed.Get.ShieldDocument {
		out = append(out, toRetrieved(r))
	}
	return out, nil
}

type aggregateResponse struct {
	Aggregate struct {
		ShieldDocument []struct {
			Meta struct {
				Count int `json:"count"`
			} `json:"meta"`
		} `json:"ShieldDocument"`
	} `json:"Aggregate"`
}

// Count returns the number of stored documents via an aggregate query.
func (w *WeaviateIndex) Count(ctx context.Context) (int, error) {
	resp, err := w.client.GraphQL().Aggregate().
		WithClassName(ShieldDocumentClass).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate aggregate failed: %w", err)
	}
	parsed, err := parseGraphQLResponse[aggregateResponse](resp)
	if err != nil {
		return 0, err
	}
	if len(parsed.Aggregate.ShieldDocument) == 0 {
		return 0, nil
	}
	return parsed.Aggregate.ShieldDocument[0].Meta.Count, nil
}

// Reset drops and recreates the document class.
func (w *WeaviateIndex) Reset(ctx context.Context) error {
	if err := w.client.Schema().ClassDeleter().
		WithClassName(ShieldDocumentClass).Do(ctx); err != nil {
		return fmt.Errorf("failed to delete class %s: %w", ShieldDocumentClass, err)
	}
	return w.ensureSchema(ctx)
}

var _ Index = (*WeaviateIndex)(nil)
