// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin HTTP handlers for the RAGShield API.
// Handlers are closures over injected dependencies; no globals.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/AleutianAI/RAGShield/services/engine/pipeline"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("ragshield.engine.handlers")

// HandleQuery serves POST /api/query: the protected, integrity-gated path.
func HandleQuery(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleQuery")
		defer span.End()

		var req datatypes.QueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: query is required"})
			return
		}

		resp, err := p.Query(ctx, req.Query, req.UserID, req.K)
		if err != nil {
			span.RecordError(err)
			writeQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleUnsafeQuery serves POST /api/query/unsafe: the demonstration-only
// path that skips the integrity pipeline. Only registered when the unsafe
// flag is enabled.
func HandleUnsafeQuery(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleUnsafeQuery")
		defer span.End()

		var req datatypes.QueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: query is required"})
			return
		}

		resp, err := p.QueryUnsafe(ctx, req.Query, req.UserID, req.K)
		if err != nil {
			span.RecordError(err)
			writeQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func writeQueryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrRetrieval):
		slog.Error("Retrieval failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retrieval backend unavailable"})
	case errors.Is(err, pipeline.ErrTimeout):
		slog.Warn("Query timed out", "error", err)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "query deadline exceeded"})
	default:
		slog.Error("Query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
