// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/latticeworks/latticeboard/services/dashboard/columnar"
	"github.com/latticeworks/latticeboard/services/dashboard/handlers"
	"github.com/latticeworks/latticeboard/services/dashboard/metastore"
	"github.com/latticeworks/latticeboard/services/dashboard/repository"
	"github.com/latticeworks/latticeboard/services/dashboard/symbolstats"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers every dashboard endpoint on the router.
func SetupRoutes(router *gin.Engine, repo *repository.Repository, columnarStore *columnar.Store,
	metaStore *metastore.Store, symbols *symbolstats.Cache) {

	router.GET("/health", handlers.HealthCheck(repo))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		// Knowledge base overview
		v1.GET("/kbs", handlers.ListKnowledgeBases(repo))
		v1.DELETE("/kbs/:kbId", handlers.DeleteKnowledgeBase(repo, symbols))
		v1.GET("/kbs/:kbId/statistics", handlers.PatternStatistics(repo))

		// Pattern routes
		patterns := v1.Group("/kbs/:kbId/patterns")
		{
			patterns.GET("", handlers.ListPatterns(repo))
			patterns.POST("/bulk-delete", handlers.BulkDeletePatterns(repo, symbols))
			patterns.GET("/:name", handlers.GetPattern(repo))
			patterns.PATCH("/:name", handlers.UpdatePattern(repo))
			patterns.DELETE("/:name", handlers.DeletePattern(repo))
		}

		// Symbol routes
		symbolRoutes := v1.Group("/symbols")
		{
			symbolRoutes.GET("/kbs", handlers.SymbolKBs(repo, symbols))
			symbolRoutes.GET("/:kbId", handlers.ListSymbols(symbols))
			symbolRoutes.GET("/:kbId/statistics", handlers.SymbolStatistics(symbols))
			symbolRoutes.POST("/:kbId/invalidate", handlers.InvalidateSymbols(symbols))
		}

		// Hierarchy and composition routes
		hierarchyRoutes := v1.Group("/hierarchy")
		{
			hierarchyRoutes.GET("/graph", handlers.HierarchyGraph(columnarStore, symbols))
			hierarchyRoutes.GET("/connections/:lowerKb/:upperKb", handlers.HierarchyConnections(columnarStore, metaStore, symbols))
			hierarchyRoutes.GET("/promotion/:name", handlers.PromotionPath(columnarStore))
			hierarchyRoutes.GET("/influence/:kbId/:name", handlers.InfluencePath(columnarStore))
			hierarchyRoutes.GET("/composition/:kbId/:name", handlers.CompositionTrace(columnarStore, metaStore))
		}

		// Metadata store administration routes
		redisAdmin := v1.Group("/redis")
		{
			redisAdmin.GET("/info", handlers.RedisInfo(metaStore))
			redisAdmin.GET("/keys", handlers.RedisKeys(metaStore))
			redisAdmin.DELETE("/:kbId/:family", handlers.RedisDeletePrefix(metaStore))
		}

		// Live overview feed
		v1.GET("/overview/ws", handlers.HandleOverviewWebSocket(repo))
	}
}
