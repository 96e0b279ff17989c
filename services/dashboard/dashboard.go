// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dashboard provides the monitoring dashboard data-layer
// service for LatticeBoard.
//
// This package contains the main Service type that coordinates all
// components: the ClickHouse columnar adapter, the Redis metadata
// adapter, the hybrid pattern repository, the symbol statistics cache,
// HTTP routing, and observability infrastructure.
//
// # Usage
//
//	cfg := dashboard.Config{Port: 12310}
//	svc, err := dashboard.New(context.Background(), cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/latticeworks/latticeboard/services/dashboard/columnar"
	"github.com/latticeworks/latticeboard/services/dashboard/hierarchy"
	"github.com/latticeworks/latticeboard/services/dashboard/metastore"
	"github.com/latticeworks/latticeboard/services/dashboard/observability"
	"github.com/latticeworks/latticeboard/services/dashboard/repository"
	"github.com/latticeworks/latticeboard/services/dashboard/routes"
	"github.com/latticeworks/latticeboard/services/dashboard/symbolstats"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// serviceName labels traces and the otelgin middleware.
const serviceName = "dashboard-service"

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the dashboard data-layer service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds dashboard service configuration. Zero values use
// defaults applied by New().
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int

	// ClickHouseAddr is the native-protocol host:port of the columnar
	// store. Default: "clickhouse:9000"
	ClickHouseAddr string

	// ClickHouseDatabase holding the patterns table. Default: "lattice"
	ClickHouseDatabase string

	// ClickHouseUser and ClickHousePassword for the connection.
	ClickHouseUser     string
	ClickHousePassword string

	// RedisAddr is the metadata store host:port. Default: "redis:6379"
	RedisAddr string

	// RedisPassword, empty when the server runs without AUTH.
	RedisPassword string

	// RedisDB selects the logical database. Default: 0
	RedisDB int

	// ReadOnly rejects every mutation issued through the API.
	ReadOnly bool

	// SymbolCacheTTL is how long symbol snapshots are served before
	// reload. Default: 5 minutes
	SymbolCacheTTL time.Duration

	// MaxSymbols bounds a single symbol snapshot. Default: 100000
	MaxSymbols int

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "lattice-otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics enables the Prometheus metrics endpoint.
	// Default: true
	EnableMetrics bool

	// GinMode sets the Gin framework mode. Default: GIN_MODE env or
	// "debug".
	GinMode string

	// Logger for service events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.ClickHouseAddr == "" {
		cfg.ClickHouseAddr = "clickhouse:9000"
	}
	if cfg.ClickHouseDatabase == "" {
		cfg.ClickHouseDatabase = "lattice"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "redis:6379"
	}
	if cfg.SymbolCacheTTL == 0 {
		cfg.SymbolCacheTTL = symbolstats.DefaultTTL
	}
	if cfg.MaxSymbols == 0 {
		cfg.MaxSymbols = symbolstats.DefaultMaxSymbols
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "lattice-otel-collector:4317"
	}
	cfg.EnableMetrics = true
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// Thread-safe after construction; all fields are read-only after New()
// returns.
type service struct {
	config        Config
	router        *gin.Engine
	columnar      *columnar.Store
	metadata      *metastore.Store
	repo          *repository.Repository
	symbols       *symbolstats.Cache
	tracerCleanup func(context.Context)
}

// New creates the dashboard service: connects both backing stores,
// validates the hierarchy level map, initializes observability, and
// wires the HTTP router.
//
// Both store connections are verified with pings; a store that cannot
// be reached fails construction rather than failing the first request.
// A kb id that does not parse as node{level}_{suffix} also fails
// construction, so a misnamed partition is caught before serving.
func New(ctx context.Context, cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	logger := s.config.Logger

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if s.config.EnableMetrics {
		observability.InitMetrics()
		logger.Info("initialized Prometheus metrics")
	}

	s.columnar, err = columnar.Open(ctx, columnar.Options{
		Addr:     s.config.ClickHouseAddr,
		Database: s.config.ClickHouseDatabase,
		Username: s.config.ClickHouseUser,
		Password: s.config.ClickHousePassword,
		ReadOnly: s.config.ReadOnly,
		Logger:   logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to connect columnar store: %w", err)
	}

	s.metadata, err = metastore.Open(ctx, metastore.Options{
		Addr:     s.config.RedisAddr,
		Password: s.config.RedisPassword,
		DB:       s.config.RedisDB,
		ReadOnly: s.config.ReadOnly,
		Logger:   logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to connect metadata store: %w", err)
	}

	s.repo = repository.New(s.columnar, s.metadata, logger)
	s.symbols = symbolstats.New(s.metadata, symbolstats.Options{
		TTL:        s.config.SymbolCacheTTL,
		MaxSymbols: s.config.MaxSymbols,
		Logger:     logger,
	})

	// Fail fast on malformed kb ids; handlers rediscover per request,
	// this only validates what exists right now.
	if _, err := hierarchy.Discover(ctx, s.columnar, s.metadata, s.symbols, logger); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("hierarchy level validation failed: %w", err)
	}

	s.initRouter()
	return s, nil
}

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.config.Logger.Info("starting dashboard server",
		"port", s.config.Port,
		"read_only", s.config.ReadOnly,
	)
	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing via OTLP
// over an insecure gRPC connection (internal networks only).
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(serviceName))

	routes.SetupRoutes(s.router, s.repo, s.columnar, s.metadata, s.symbols)
}

// cleanup releases all resources held by the service. Called when
// Run() exits or on initialization failure.
func (s *service) cleanup() {
	if s.columnar != nil {
		if err := s.columnar.Close(); err != nil {
			slog.Warn("columnar store close error", "error", err)
		}
	}
	if s.metadata != nil {
		if err := s.metadata.Close(); err != nil {
			slog.Warn("metadata store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
