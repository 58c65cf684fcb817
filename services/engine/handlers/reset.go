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
	"log/slog"
	"net/http"

	"github.com/AleutianAI/RAGShield/services/engine/events"
	"github.com/AleutianAI/RAGShield/services/engine/lineage"
	"github.com/AleutianAI/RAGShield/services/engine/retrieval"
	"github.com/AleutianAI/RAGShield/services/engine/vault"
	"github.com/gin-gonic/gin"
)

// HandleDemoReset serves POST /api/demo/reset: clears events, lineage, the
// vault, and the index. DESTRUCTIVE; only registered when the reset flag is
// enabled in configuration.
func HandleDemoReset(bus *events.Bus, store *lineage.Store, v *vault.Vault, adapter *retrieval.Adapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		slog.Warn("Demo reset requested: clearing all state")

		if err := adapter.Reset(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "index reset failed: " + err.Error()})
			return
		}
		if err := v.Reset(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "vault reset failed: " + err.Error()})
			return
		}
		if err := store.Reset(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lineage reset failed: " + err.Error()})
			return
		}
		if err := bus.Reset(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "event log reset failed: " + err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "reset",
			"message": "All state cleared successfully.",
		})
	}
}
