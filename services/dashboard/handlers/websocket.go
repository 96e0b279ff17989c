// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/latticeworks/latticeboard/services/dashboard/repository"
)

// overviewInterval is how often the live overview feed refreshes.
const overviewInterval = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard UI is served from a different origin in dev; the
	// feed is read-only so cross-origin reads are acceptable.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// overviewFrame is one message on the live overview feed.
type overviewFrame struct {
	Type           string `json:"type"`
	KnowledgeBases any    `json:"knowledge_bases"`
	Timestamp      int64  `json:"timestamp"`
}

// HandleOverviewWebSocket streams the kb overview to the dashboard.
// One snapshot is pushed immediately on connect, then every refresh
// interval until the client goes away.
func HandleOverviewWebSocket(repo *repository.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		feedID := uuid.NewString()
		slog.Info("overview feed connected",
			"feed_id", feedID,
			"remote", conn.RemoteAddr().String(),
		)
		defer slog.Info("overview feed closed", "feed_id", feedID)

		// Reader goroutine: the client never sends data frames, but the
		// read loop is what notices the close handshake.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(overviewInterval)
		defer ticker.Stop()

		for {
			infos, err := repo.ListKnowledgeBases(c.Request.Context(), false)
			if err != nil {
				slog.Warn("overview feed snapshot failed", "error", err)
			} else {
				frame := overviewFrame{
					Type:           "kb_overview",
					KnowledgeBases: infos,
					Timestamp:      time.Now().Unix(),
				}
				if err := conn.WriteJSON(frame); err != nil {
					slog.Info("overview feed client gone", "error", err)
					return
				}
			}

			select {
			case <-done:
				return
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}
