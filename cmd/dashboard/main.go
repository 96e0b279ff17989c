// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command dashboard starts the LatticeBoard data-layer HTTP server.
//
// This is the main entry point for the containerized dashboard service.
// It reads configuration from environment variables and starts the
// server.
//
// # Environment Variables
//
//   - DASHBOARD_PORT: HTTP server port (default: 12310)
//   - CLICKHOUSE_ADDR: columnar store host:port (default: clickhouse:9000)
//   - CLICKHOUSE_DATABASE: patterns database (default: lattice)
//   - CLICKHOUSE_USER / CLICKHOUSE_PASSWORD: columnar credentials
//   - REDIS_ADDR: metadata store host:port (default: redis:6379)
//   - REDIS_PASSWORD: metadata store password (optional)
//   - REDIS_DB: logical Redis database (default: 0)
//   - DASHBOARD_READ_ONLY: reject all mutations when "true"
//   - SYMBOL_CACHE_TTL_SECONDS: symbol snapshot TTL (default: 300)
//   - DASHBOARD_LOG_DIR: enable JSON file logging in this directory
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector
//     (default: lattice-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o dashboard ./cmd/dashboard
//
//	# Run
//	./dashboard
//
//	# Or via container
//	podman-compose up dashboard
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/latticeworks/latticeboard/pkg/logging"
	"github.com/latticeworks/latticeboard/services/dashboard"
)

func main() {
	// Setup structured logging
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "dashboard",
		LogDir:  os.Getenv("DASHBOARD_LOG_DIR"),
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Build configuration from environment variables
	cfg := dashboard.Config{
		Port:               getEnvInt("DASHBOARD_PORT", 12310),
		ClickHouseAddr:     getEnvString("CLICKHOUSE_ADDR", "clickhouse:9000"),
		ClickHouseDatabase: getEnvString("CLICKHOUSE_DATABASE", "lattice"),
		ClickHouseUser:     getEnvString("CLICKHOUSE_USER", "default"),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),
		RedisAddr:          getEnvString("REDIS_ADDR", "redis:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		ReadOnly:           getEnvBool("DASHBOARD_READ_ONLY", false),
		SymbolCacheTTL:     time.Duration(getEnvInt("SYMBOL_CACHE_TTL_SECONDS", 300)) * time.Second,
		OTelEndpoint:       getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "lattice-otel-collector:4317"),
		Logger:             logger.Slog(),
	}

	slog.Info("starting dashboard",
		"port", cfg.Port,
		"clickhouse_addr", cfg.ClickHouseAddr,
		"redis_addr", cfg.RedisAddr,
		"read_only", cfg.ReadOnly,
	)

	svc, err := dashboard.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to create dashboard service: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Dashboard error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		slog.Warn("invalid integer environment value, using default",
			"key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

// getEnvBool returns the environment variable as a bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		slog.Warn("invalid boolean environment value, using default",
			"key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}
