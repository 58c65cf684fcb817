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
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/RAGShield/services/engine/blastradius"
	"github.com/gin-gonic/gin"
)

// HandleBlastRadius serves GET /api/blast-radius/:doc_id?window_hours=24.
func HandleBlastRadius(analyzer *blastradius.Analyzer) gin.HandlerFunc {
	return func(c *gin.Context) {
		docID := c.Param("doc_id")

		window := blastradius.DefaultWindow
		if raw := c.Query("window_hours"); raw != "" {
			hours, err := strconv.Atoi(raw)
			if err != nil || hours <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "window_hours must be a positive integer"})
				return
			}
			window = time.Duration(hours) * time.Hour
		}

		report, err := analyzer.Analyze(c.Request.Context(), docID, window)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}
