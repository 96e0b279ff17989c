// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/latticeworks/latticeboard/services/dashboard/composition"
	"github.com/latticeworks/latticeboard/services/dashboard/hierarchy"
)

// HierarchySource is everything the hierarchy and composition handlers
// need from the columnar adapter. The level map is rediscovered per
// request so kbs ingested after startup show up without a restart.
type HierarchySource interface {
	hierarchy.ColumnarSource
}

// HierarchyGraph serves the full cross-level graph. Edge computation
// reads each upper kb's symbol set through the symbolstats cache, so
// repeated graph requests ride the same TTL snapshots.
func HierarchyGraph(source HierarchySource, symbols hierarchy.SymbolSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		engine, err := hierarchy.Discover(ctx, source, nil, symbols, nil)
		if err != nil {
			respondError(c, "hierarchy_graph", err)
			return
		}
		graph, err := engine.ComputeGraph(ctx)
		if err != nil {
			respondError(c, "hierarchy_graph", err)
			return
		}
		respondOK(c, "hierarchy_graph", graph)
	}
}

// HierarchyConnections serves the enriched patterns behind one edge.
//
// Query: limit.
func HierarchyConnections(source HierarchySource, meta hierarchy.MetadataSource, symbols hierarchy.SymbolSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := queryInt(c, "limit", 25)
		if !ok {
			return
		}
		ctx := c.Request.Context()

		engine, err := hierarchy.Discover(ctx, source, meta, symbols, nil)
		if err != nil {
			respondError(c, "hierarchy_connections", err)
			return
		}
		details, err := engine.ConnectionDetails(ctx, c.Param("lowerKb"), c.Param("upperKb"), limit)
		if err != nil {
			respondError(c, "hierarchy_connections", err)
			return
		}
		respondOK(c, "hierarchy_connections", gin.H{"connections": details, "count": len(details)})
	}
}

// PromotionPath serves the levels at which one name exists, as a
// pattern and as a reference symbol.
func PromotionPath(source HierarchySource) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		engine, err := hierarchy.Discover(ctx, source, nil, nil, nil)
		if err != nil {
			respondError(c, "promotion_path", err)
			return
		}
		steps, err := engine.PromotionPath(ctx, c.Param("name"))
		if err != nil {
			respondError(c, "promotion_path", err)
			return
		}
		respondOK(c, "promotion_path", gin.H{"path": steps, "depth": len(steps)})
	}
}

// InfluencePath traces one pattern's transitive climb through the
// hierarchy.
func InfluencePath(source HierarchySource) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		engine, err := hierarchy.Discover(ctx, source, nil, nil, nil)
		if err != nil {
			respondError(c, "influence_path", err)
			return
		}
		steps, err := engine.InfluencePath(ctx, c.Param("kbId"), c.Param("name"))
		if err != nil {
			respondError(c, "influence_path", err)
			return
		}
		respondOK(c, "influence_path", gin.H{"path": steps, "depth": len(steps)})
	}
}

// CompositionTrace serves one pattern's composition graph.
//
// Path: kbId "_" resolves the owning kb automatically by probing levels
// in ascending order.
// Query: direction (backward, forward, both; default both), depth.
func CompositionTrace(source HierarchySource, meta composition.MetadataSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		direction := c.DefaultQuery("direction", composition.DirectionBoth)
		depth, ok := queryInt(c, "depth", 0)
		if !ok {
			return
		}
		kbID := c.Param("kbId")
		if kbID == "_" {
			kbID = ""
		}
		ctx := c.Request.Context()

		engine, err := hierarchy.Discover(ctx, source, nil, nil, nil)
		if err != nil {
			respondError(c, "composition_trace", err)
			return
		}
		tracer := composition.New(source, meta, engine.Levels(), composition.Options{MaxDepth: depth})

		graph, err := tracer.Trace(ctx, kbID, c.Param("name"), direction)
		if err != nil {
			respondError(c, "composition_trace", err)
			return
		}
		respondOK(c, "composition_trace", graph)
	}
}
