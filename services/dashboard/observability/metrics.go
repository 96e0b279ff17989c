// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the
// dashboard data layer.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the hybrid
// pattern repository and its derived engines. Metrics include:
//   - Request counters (by endpoint, status)
//   - Store operation latency histograms (by store and operation)
//   - Frequency-ranking scan sizes (the known O(n) listing cost)
//   - Symbol snapshot cache hits, misses, and load durations
//   - Composition trace node counts and forward scan sizes
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking. The package-level helpers are no-ops until InitMetrics runs,
// so library code can record unconditionally.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "lattice"

// Subsystem for dashboard data-layer metrics
const dashboardSubsystem = "dashboard"

// DashboardMetrics holds all Prometheus metrics for the dashboard data
// layer. Initialize once at startup via InitMetrics().
type DashboardMetrics struct {
	// RequestsTotal counts API requests by endpoint and status.
	// Labels: endpoint, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// StoreOperationSeconds measures backing-store call latency.
	// Labels: store (clickhouse, redis), operation
	StoreOperationSeconds *prometheus.HistogramVec

	// FrequencyRankingScanSize records how many names a single
	// rank-by-frequency listing had to scan. This is the metric that
	// tells operators a kb is approaching the client-side ranking
	// cliff.
	// Labels: kb_id
	FrequencyRankingScanSize *prometheus.HistogramVec

	// SymbolCacheEventsTotal counts symbol snapshot cache outcomes.
	// Labels: kb_id, event (hit, miss, expired, invalidated)
	SymbolCacheEventsTotal *prometheus.CounterVec

	// SymbolSnapshotLoadSeconds measures full snapshot build time.
	// Labels: kb_id
	SymbolSnapshotLoadSeconds *prometheus.HistogramVec

	// CompositionTraceNodes records nodes visited per trace.
	// Labels: direction (backward, forward, both)
	CompositionTraceNodes *prometheus.HistogramVec

	// ForwardScanPatterns records how many next-level patterns a
	// forward composition step had to scan. Forward tracing has no
	// reverse index, so this is its dominant cost.
	// Labels: kb_id
	ForwardScanPatterns *prometheus.HistogramVec
}

// DefaultMetrics is the singleton instance of DashboardMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *DashboardMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call once at
// application startup; calling twice panics on duplicate registration.
func InitMetrics() *DashboardMetrics {
	DefaultMetrics = &DashboardMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dashboardSubsystem,
				Name:      "requests_total",
				Help:      "Total API requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		StoreOperationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: dashboardSubsystem,
				Name:      "store_operation_seconds",
				Help:      "Backing-store call latency by store and operation",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
			},
			[]string{"store", "operation"},
		),

		FrequencyRankingScanSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: dashboardSubsystem,
				Name:      "frequency_ranking_scan_size",
				Help:      "Pattern names scanned per rank-by-frequency listing",
				Buckets:   []float64{100, 1000, 10000, 100000, 500000, 1000000, 5000000},
			},
			[]string{"kb_id"},
		),

		SymbolCacheEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dashboardSubsystem,
				Name:      "symbol_cache_events_total",
				Help:      "Symbol snapshot cache outcomes by kb and event",
			},
			[]string{"kb_id", "event"},
		),

		SymbolSnapshotLoadSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: dashboardSubsystem,
				Name:      "symbol_snapshot_load_seconds",
				Help:      "Full symbol snapshot build time per kb",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"kb_id"},
		),

		CompositionTraceNodes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: dashboardSubsystem,
				Name:      "composition_trace_nodes",
				Help:      "Nodes visited per composition trace",
				Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
			},
			[]string{"direction"},
		),

		ForwardScanPatterns: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: dashboardSubsystem,
				Name:      "forward_scan_patterns",
				Help:      "Next-level patterns scanned per forward composition step",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"kb_id"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Recording Helpers
// =============================================================================

// Library packages record through these helpers rather than touching
// DefaultMetrics directly; each is a no-op before InitMetrics, which
// keeps unit tests free of registry setup.

// RecordRequest counts one API request outcome.
func RecordRequest(endpoint, status string) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.RequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// ObserveStoreOperation records one backing-store call.
func ObserveStoreOperation(store, operation string, elapsed time.Duration) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.StoreOperationSeconds.WithLabelValues(store, operation).Observe(elapsed.Seconds())
}

// ObserveFrequencyRanking records the scan size of one client-side
// frequency ranking.
func ObserveFrequencyRanking(kbID string, scanned int) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.FrequencyRankingScanSize.WithLabelValues(kbID).Observe(float64(scanned))
}

// RecordSymbolCacheEvent counts one cache outcome: hit, miss, expired,
// or invalidated.
func RecordSymbolCacheEvent(kbID, event string) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.SymbolCacheEventsTotal.WithLabelValues(kbID, event).Inc()
}

// ObserveSymbolSnapshotLoad records one full snapshot build.
func ObserveSymbolSnapshotLoad(kbID string, elapsed time.Duration) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.SymbolSnapshotLoadSeconds.WithLabelValues(kbID).Observe(elapsed.Seconds())
}

// ObserveCompositionTrace records the node count of one trace.
func ObserveCompositionTrace(direction string, nodes int) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.CompositionTraceNodes.WithLabelValues(direction).Observe(float64(nodes))
}

// ObserveForwardScan records the partition size scanned by one forward
// composition step.
func ObserveForwardScan(kbID string, patterns int) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.ForwardScanPatterns.WithLabelValues(kbID).Observe(float64(patterns))
}
