// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the HTTP surface onto a gin engine.
package routes

import (
	"time"

	"github.com/AleutianAI/RAGShield/services/engine/blastradius"
	"github.com/AleutianAI/RAGShield/services/engine/events"
	"github.com/AleutianAI/RAGShield/services/engine/handlers"
	"github.com/AleutianAI/RAGShield/services/engine/lineage"
	"github.com/AleutianAI/RAGShield/services/engine/pipeline"
	"github.com/AleutianAI/RAGShield/services/engine/retrieval"
	"github.com/AleutianAI/RAGShield/services/engine/vault"
	"github.com/AleutianAI/RAGShield/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps carries the wired components the routes close over.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Vault    *vault.Vault
	Analyzer *blastradius.Analyzer
	Bus      *events.Bus
	Lineage  *lineage.Store
	Adapter  *retrieval.Adapter
	LLM      llm.LLMClient

	Version   string
	StartedAt time.Time

	EnableUnsafe  bool
	EnableReset   bool
	EnableMetrics bool
}

// SetupRoutes registers every endpoint. The unsafe query path and the
// destructive demo reset are only registered when explicitly enabled.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	if deps.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api")
	{
		api.POST("/query", handlers.HandleQuery(deps.Pipeline))
		if deps.EnableUnsafe {
			api.POST("/query/unsafe", handlers.HandleUnsafeQuery(deps.Pipeline))
		}

		api.GET("/quarantine", handlers.HandleListQuarantine(deps.Vault))
		api.GET("/quarantine/:id", handlers.HandleGetQuarantine(deps.Vault))
		api.POST("/quarantine/:id/confirm", handlers.HandleConfirmQuarantine(deps.Vault))
		api.POST("/quarantine/:id/restore", handlers.HandleRestoreQuarantine(deps.Vault))

		api.GET("/blast-radius/:doc_id", handlers.HandleBlastRadius(deps.Analyzer))

		api.GET("/events", handlers.HandleListEvents(deps.Bus))
		api.GET("/events/stream", handlers.HandleEventStream(deps.Bus))
		api.GET("/events/ws", handlers.HandleEventWebSocket(deps.Bus))

		api.GET("/status", handlers.HandleStatus(deps.Adapter, deps.Vault, deps.Bus, deps.LLM, deps.Version, deps.StartedAt))

		if deps.EnableReset {
			api.POST("/demo/reset", handlers.HandleDemoReset(deps.Bus, deps.Lineage, deps.Vault, deps.Adapter))
		}
	}
}
