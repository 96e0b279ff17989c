// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/latticeworks/latticeboard/services/dashboard/repository"
	"github.com/latticeworks/latticeboard/services/dashboard/symbolstats"
)

// ListSymbols serves one page of a kb's symbols from the cached
// snapshot.
//
// Query: skip, limit, sort_by (frequency, pmf, name, ratio), order
// (asc, desc), search (substring filter).
func ListSymbols(symbols *symbolstats.Cache) gin.HandlerFunc {
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
		sortBy := c.DefaultQuery("sort_by", "frequency")
		descending := c.DefaultQuery("order", "desc") != "asc"
		search := c.Query("search")

		page, err := symbols.GetSymbols(c.Request.Context(), kbID, skip, limit, sortBy, descending, search)
		if err != nil {
			respondError(c, "list_symbols", err)
			return
		}
		respondOK(c, "list_symbols", page)
	}
}

// SymbolStatistics serves the aggregate symbol view of one kb.
func SymbolStatistics(symbols *symbolstats.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := symbols.GetStatistics(c.Request.Context(), c.Param("kbId"))
		if err != nil {
			respondError(c, "symbol_statistics", err)
			return
		}
		respondOK(c, "symbol_statistics", stats)
	}
}

// SymbolKBs lists the kbs that actually have symbol counters.
func SymbolKBs(repo *repository.Repository, symbols *symbolstats.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		infos, err := repo.ListKnowledgeBases(c.Request.Context(), false)
		if err != nil {
			respondError(c, "symbol_kbs", err)
			return
		}
		candidates := make([]string, len(infos))
		for i, info := range infos {
			candidates[i] = info.KBID
		}

		kbs, err := symbols.KBsWithSymbols(c.Request.Context(), candidates)
		if err != nil {
			respondError(c, "symbol_kbs", err)
			return
		}
		respondOK(c, "symbol_kbs", gin.H{"knowledge_bases": kbs, "count": len(kbs)})
	}
}

// InvalidateSymbols drops a kb's cached snapshot so the next read
// reloads from the live counters.
func InvalidateSymbols(symbols *symbolstats.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		kbID := c.Param("kbId")
		symbols.Invalidate(kbID)
		c.JSON(http.StatusOK, gin.H{"status": "invalidated", "kb_id": kbID})
	}
}
