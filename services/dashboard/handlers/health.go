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
)

// HealthCheck reports per-store health. The endpoint answers 200 only
// when both backing stores respond; a degraded data layer is a 503 with
// the failing store named.
func HealthCheck(repo *repository.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		results := repo.PingStores(c.Request.Context())

		stores := gin.H{}
		healthy := true
		for store, err := range results {
			if err != nil {
				stores[store] = gin.H{"status": "down", "error": err.Error()}
				healthy = false
			} else {
				stores[store] = gin.H{"status": "up"}
			}
		}

		status := http.StatusOK
		overall := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		c.JSON(status, gin.H{"status": overall, "stores": stores})
	}
}
