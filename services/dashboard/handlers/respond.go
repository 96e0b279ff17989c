// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the Gin HTTP handlers for the dashboard
// data layer. Each handler is a closure over its dependencies, wired
// once in routes.SetupRoutes.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
	"github.com/latticeworks/latticeboard/services/dashboard/observability"
)

// respondError maps the error taxonomy onto HTTP statuses and records
// the request outcome.
func respondError(c *gin.Context, endpoint string, err error) {
	observability.RecordRequest(endpoint, "error")

	var partial *datatypes.PartialFailureError
	switch {
	case errors.Is(err, datatypes.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, datatypes.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, datatypes.ErrReadOnly):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &partial):
		// One store succeeded, one failed; the client needs to know the
		// stores have diverged, not just that something broke.
		body := gin.H{"error": partial.Error(), "partial_failure": true}
		if partial.Columnar != nil {
			body["columnar_error"] = partial.Columnar.Error()
		}
		if partial.Metadata != nil {
			body["metadata_error"] = partial.Metadata.Error()
		}
		c.JSON(http.StatusBadGateway, body)
	case errors.Is(err, datatypes.ErrUpstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// respondOK records success and writes the payload.
func respondOK(c *gin.Context, endpoint string, payload any) {
	observability.RecordRequest(endpoint, "success")
	c.JSON(http.StatusOK, payload)
}
