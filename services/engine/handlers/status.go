// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/AleutianAI/RAGShield/services/engine/events"
	"github.com/AleutianAI/RAGShield/services/engine/retrieval"
	"github.com/AleutianAI/RAGShield/services/engine/vault"
	"github.com/AleutianAI/RAGShield/services/llm"
	"github.com/gin-gonic/gin"
)

// HealthCheck serves GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleStatus serves GET /api/status.
func HandleStatus(adapter *retrieval.Adapter, v *vault.Vault, bus *events.Bus, llmClient llm.LLMClient, version string, startedAt time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		docCount, err := adapter.Count(c.Request.Context())
		if err != nil {
			slog.Warn("Failed to count indexed documents", "error", err)
		}
		eventCount, err := bus.Count()
		if err != nil {
			slog.Warn("Failed to count events", "error", err)
		}

		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		llmConnected := llmClient.Ping(pingCtx) == nil

		c.JSON(http.StatusOK, datatypes.StatusResponse{
			DocumentsIndexed: docCount,
			VaultSize:        v.Count(),
			UptimeSeconds:    time.Since(startedAt).Seconds(),
			Version:          version,
			LLMConnected:     llmConnected,
			EventCount:       eventCount,
		})
	}
}
