// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/latticeworks/latticeboard/services/dashboard/metastore"
)

// RedisInfo serves the metadata store's parsed INFO reply for the
// dashboard's store inspector.
func RedisInfo(store *metastore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := store.ServerInfo(c.Request.Context())
		if err != nil {
			respondError(c, "redis_info", err)
			return
		}
		respondOK(c, "redis_info", gin.H{"info": info, "read_only": store.ReadOnly()})
	}
}

// RedisKeys serves a bounded key listing for the key browser.
//
// Query: match (glob, default *), limit.
func RedisKeys(store *metastore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		match := c.DefaultQuery("match", "*")
		limit, ok := queryInt(c, "limit", 100)
		if !ok {
			return
		}

		keys, err := store.ScanKeys(c.Request.Context(), match, limit)
		if err != nil {
			respondError(c, "redis_keys", err)
			return
		}
		respondOK(c, "redis_keys", gin.H{"keys": keys, "count": len(keys), "match": match})
	}
}

// RedisDeletePrefix removes one key family of a kb namespace, e.g. all
// frequency counters of node0_demo.
func RedisDeletePrefix(store *metastore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		kbID := c.Param("kbId")
		family := c.Param("family")

		deleted, err := store.DeleteByPrefix(c.Request.Context(), kbID, family)
		if err != nil {
			respondError(c, "redis_delete_prefix", err)
			return
		}
		respondOK(c, "redis_delete_prefix", gin.H{
			"kb_id":        kbID,
			"family":       family,
			"keys_deleted": deleted,
		})
	}
}
