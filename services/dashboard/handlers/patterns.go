// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
	"github.com/latticeworks/latticeboard/services/dashboard/repository"
	"github.com/latticeworks/latticeboard/services/dashboard/symbolstats"
)

// queryInt reads an integer query parameter with a default.
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "parameter " + name + " must be an integer"})
		return 0, false
	}
	return value, true
}

// ListPatterns serves one page of a kb's patterns.
//
// Query: skip, limit, sort_by (frequency, length, name, token_count,
// created_at, updated_at), order (asc, desc).
func ListPatterns(repo *repository.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		kbID := c.Param("kbId")
		skip, ok := queryInt(c, "skip", 0)
		if !ok {
			return
		}
		limit, ok := queryInt(c, "limit", 0)
		if !ok {
			return
		}
		sortBy := c.DefaultQuery("sort_by", repository.SortFrequency)
		descending := c.DefaultQuery("order", "desc") != "asc"

		page, err := repo.ListPatterns(c.Request.Context(), kbID, skip, limit, sortBy, descending)
		if err != nil {
			respondError(c, "list_patterns", err)
			return
		}
		respondOK(c, "list_patterns", page)
	}
}

// GetPattern serves the fully merged record of one pattern.
func GetPattern(repo *repository.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		pattern, err := repo.GetPattern(c.Request.Context(), c.Param("kbId"), c.Param("name"))
		if err != nil {
			respondError(c, "get_pattern", err)
			return
		}
		respondOK(c, "get_pattern", pattern)
	}
}

// UpdatePattern applies a mutable-field update to one pattern. The body
// is a JSON object holding any of frequency, emotives, metadata; any
// other key is rejected before the stores are touched.
func UpdatePattern(repo *repository.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var raw map[string]json.RawMessage
		if err := c.ShouldBindJSON(&raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object"})
			return
		}
		update, err := datatypes.ParsePatternUpdate(raw)
		if err != nil {
			respondError(c, "update_pattern", err)
			return
		}

		pattern, err := repo.UpdatePattern(c.Request.Context(), c.Param("kbId"), c.Param("name"), update)
		if err != nil {
			respondError(c, "update_pattern", err)
			return
		}
		respondOK(c, "update_pattern", pattern)
	}
}

// DeletePattern removes one pattern from both stores.
func DeletePattern(repo *repository.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		kbID, name := c.Param("kbId"), c.Param("name")
		if err := repo.DeletePattern(c.Request.Context(), kbID, name); err != nil {
			respondError(c, "delete_pattern", err)
			return
		}
		respondOK(c, "delete_pattern", gin.H{"status": "deleted", "kb_id": kbID, "name": name})
	}
}

// bulkDeleteRequest is the body of a bulk pattern delete.
type bulkDeleteRequest struct {
	Names []string `json:"names" binding:"required"`
}

// BulkDeletePatterns removes a batch of patterns and reports per-store
// counts.
func BulkDeletePatterns(repo *repository.Repository, symbols *symbolstats.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkDeleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry a names list"})
			return
		}
		kbID := c.Param("kbId")

		report, err := repo.BulkDeletePatterns(c.Request.Context(), kbID, req.Names)
		if err != nil {
			respondError(c, "bulk_delete_patterns", err)
			return
		}
		// Symbol counters changed shape; drop the cached snapshot.
		symbols.Invalidate(kbID)
		respondOK(c, "bulk_delete_patterns", report)
	}
}

// DeleteKnowledgeBase removes a whole kb from both stores.
func DeleteKnowledgeBase(repo *repository.Repository, symbols *symbolstats.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		kbID := c.Param("kbId")
		slog.Info("received kb delete request", "kb_id", kbID)

		report, err := repo.DeleteKnowledgeBase(c.Request.Context(), kbID)
		if err != nil {
			respondError(c, "delete_kb", err)
			return
		}
		symbols.Invalidate(kbID)
		respondOK(c, "delete_kb", report)
	}
}

// ListKnowledgeBases serves the kb overview. Query: with_stats (bool).
func ListKnowledgeBases(repo *repository.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		withStats := c.Query("with_stats") == "true"

		infos, err := repo.ListKnowledgeBases(c.Request.Context(), withStats)
		if err != nil {
			respondError(c, "list_kbs", err)
			return
		}
		respondOK(c, "list_kbs", gin.H{"knowledge_bases": infos, "count": len(infos)})
	}
}

// PatternStatistics serves the columnar aggregates for one kb.
func PatternStatistics(repo *repository.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := repo.Statistics(c.Request.Context(), c.Param("kbId"))
		if err != nil {
			respondError(c, "pattern_statistics", err)
			return
		}
		respondOK(c, "pattern_statistics", stats)
	}
}
