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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/RAGShield/services/engine/datatypes"
	"github.com/AleutianAI/RAGShield/services/engine/events"
	"github.com/AleutianAI/RAGShield/services/engine/observability"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// keepAliveInterval spaces SSE comment pings so idle streams survive load
// balancer timeouts.
const keepAliveInterval = 15 * time.Second

// HandleListEvents serves GET /api/events?limit=N: the durable tail,
// newest first.
func HandleListEvents(bus *events.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		evs, err := bus.Recent(limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if evs == nil {
			evs = []datatypes.Event{}
		}
		c.JSON(http.StatusOK, datatypes.EventsResponse{Events: evs})
	}
}

// HandleEventStream serves GET /api/events/stream as Server-Sent Events.
//
// The stream is live: it carries future events only, one JSON payload per
// data frame. Clients wanting history call /api/events first. A client that
// stops reading is dropped by the bus's slow-consumer policy.
func HandleEventStream(bus *events.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")
		c.Writer.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := bus.Subscribe()
		defer sub.Cancel()
		trackStream(1)
		defer trackStream(-1)

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, ok := <-sub.Events:
				if !ok {
					// Bus closed or this subscriber was dropped as slow.
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					slog.Error("Failed to serialize event for SSE", "error", err)
					continue
				}
				if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The events feed is read-only telemetry for local dashboards.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleEventWebSocket serves GET /api/events/ws: the same live feed as the
// SSE stream, for dashboard clients that prefer WebSockets.
func HandleEventWebSocket(bus *events.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("WebSocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		sub := bus.Subscribe()
		defer sub.Cancel()
		trackStream(1)
		defer trackStream(-1)

		// Reader goroutine: surfaces client close promptly.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}

func trackStream(delta float64) {
	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.ActiveEventStreams.Add(delta)
	}
}
