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
	"errors"
	"net/http"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/AleutianAI/RAGShield/services/engine/vault"
	"github.com/gin-gonic/gin"
)

// HandleListQuarantine serves GET /api/quarantine. RESTORED records are
// excluded from the analyst view unless ?include_restored=1.
func HandleListQuarantine(v *vault.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		includeRestored := c.Query("include_restored") == "1"

		records, err := v.List(nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		out := make([]datatypes.QuarantineRecord, 0, len(records))
		for _, rec := range records {
			if !includeRestored && rec.State == datatypes.StateRestored {
				continue
			}
			out = append(out, rec)
		}

		c.JSON(http.StatusOK, datatypes.QuarantineListResponse{
			Quarantined: out,
			TotalCount:  len(out),
		})
	}
}

// HandleGetQuarantine serves GET /api/quarantine/:id.
func HandleGetQuarantine(v *vault.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := v.Get(c.Param("id"))
		if err != nil {
			writeVaultError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// HandleConfirmQuarantine serves POST /api/quarantine/:id/confirm.
func HandleConfirmQuarantine(v *vault.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		var action datatypes.AnalystAction
		if err := c.ShouldBindJSON(&action); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "analyst is required"})
			return
		}
		if err := v.Confirm(c.Request.Context(), c.Param("id"), action.Analyst, action.Notes); err != nil {
			writeVaultError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HandleRestoreQuarantine serves POST /api/quarantine/:id/restore.
func HandleRestoreQuarantine(v *vault.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		var action datatypes.AnalystAction
		if err := c.ShouldBindJSON(&action); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "analyst is required"})
			return
		}
		if err := v.Restore(c.Request.Context(), c.Param("id"), action.Analyst, action.Notes); err != nil {
			writeVaultError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func writeVaultError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vault.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "quarantine record not found"})
	case errors.Is(err, vault.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
