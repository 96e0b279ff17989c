// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package symbolstats serves per-kb symbol statistics from a
// process-local TTL cache.
//
// # Description
//
// The ingestion engine maintains two counters per symbol in Redis:
// total occurrences (freq) and distinct containing patterns (pmf).
// Reading them means scanning a whole key namespace and issuing paired
// reads for every symbol, which is far too expensive per request. This
// package loads the full counter set for a kb once into an immutable
// in-memory snapshot and answers every sort, search, and page from
// that snapshot until it expires.
//
// # Staleness Contract
//
// A snapshot is served as-is for its whole TTL (default 5 minutes).
// Symbol views may therefore lag the live counters by up to the TTL;
// the dashboard accepts that in exchange for sub-millisecond reads.
// Invalidate drops a snapshot early when the caller knows the kb
// changed, e.g. after a kb delete.
//
// # Limitations
//
//   - The cache is per process. Two dashboard replicas hold
//     independent snapshots and may disagree within one TTL.
//   - A kb is capped at MaxSymbols symbols per snapshot; pathological
//     namespaces load truncated and a warning is logged by the store.
package symbolstats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
	"github.com/latticeworks/latticeboard/services/dashboard/observability"
)

// DefaultTTL is how long a snapshot is served before reload.
const DefaultTTL = 5 * time.Minute

// DefaultMaxSymbols bounds how many symbols one snapshot may hold.
const DefaultMaxSymbols = 100000

// topSymbolCount is how many leaders GetStatistics reports.
const topSymbolCount = 10

// symbolSortFields is the closed set of symbol sort fields.
var symbolSortFields = map[string]struct{}{
	"frequency": {},
	"pmf":       {},
	"name":      {},
	"ratio":     {},
}

// SymbolSource is the slice of the metadata store the cache loads
// snapshots from.
type SymbolSource interface {
	ListSymbols(ctx context.Context, kbID string, max int) ([]string, error)
	SymbolCounters(ctx context.Context, kbID string, symbols []string) (freqs, pmfs map[string]uint64, err error)
	HasSymbols(ctx context.Context, kbID string) (bool, error)
}

// snapshot is one immutable loaded counter set. The symbols slice is
// never mutated after load; readers copy before sorting.
type snapshot struct {
	symbols  []datatypes.Symbol
	loadedAt time.Time
}

// Cache is the TTL'd symbol statistics cache.
//
// Safe for concurrent use. Concurrent misses on the same kb may load
// the snapshot more than once; last write wins and both loads produce
// equivalent data, so the race is tolerated rather than serialized.
type Cache struct {
	source     SymbolSource
	clock      Clock
	ttl        time.Duration
	maxSymbols int
	logger     *slog.Logger

	mu        sync.RWMutex
	snapshots map[string]*snapshot
}

// Options configures the cache. Zero values take defaults.
type Options struct {
	TTL        time.Duration
	MaxSymbols int
	Clock      Clock
	Logger     *slog.Logger
}

// New builds a Cache over the symbol source.
func New(source SymbolSource, opts Options) *Cache {
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSymbols == 0 {
		opts.MaxSymbols = DefaultMaxSymbols
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		source:     source,
		clock:      opts.Clock,
		ttl:        opts.TTL,
		maxSymbols: opts.MaxSymbols,
		logger:     opts.Logger,
		snapshots:  map[string]*snapshot{},
	}
}

// =============================================================================
// Queries
// =============================================================================

// GetSymbols returns one page of a kb's symbols. sortBy is frequency,
// pmf, name, or ratio; search is an optional case-insensitive substring
// filter applied before paging. Ties always break by name ascending.
func (c *Cache) GetSymbols(ctx context.Context, kbID string, skip, limit int, sortBy string, descending bool, search string) (*datatypes.SymbolPage, error) {
	if skip < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: skip and limit must be non-negative", datatypes.ErrValidation)
	}
	if limit == 0 {
		limit = 100
	}
	if sortBy == "" {
		sortBy = "frequency"
	}
	if _, ok := symbolSortFields[sortBy]; !ok {
		return nil, fmt.Errorf("%w: unsupported symbol sort field %q", datatypes.ErrValidation, sortBy)
	}

	snap, err := c.get(ctx, kbID)
	if err != nil {
		return nil, err
	}

	symbols := snap.symbols
	if search != "" {
		needle := strings.ToLower(search)
		filtered := make([]datatypes.Symbol, 0, len(symbols))
		for _, s := range symbols {
			if strings.Contains(strings.ToLower(s.Name), needle) {
				filtered = append(filtered, s)
			}
		}
		symbols = filtered
	} else {
		symbols = append([]datatypes.Symbol(nil), symbols...)
	}

	sortSymbols(symbols, sortBy, descending)

	total := len(symbols)
	var page []datatypes.Symbol
	if skip < total {
		end := min(skip+limit, total)
		page = symbols[skip:end]
	}

	return &datatypes.SymbolPage{
		KBID:    kbID,
		Symbols: page,
		Total:   total,
		Skip:    skip,
		Limit:   limit,
		HasMore: skip+len(page) < total,
	}, nil
}

// GetStatistics returns aggregate symbol statistics for a kb, including
// the top symbols by frequency.
func (c *Cache) GetStatistics(ctx context.Context, kbID string) (*datatypes.SymbolStatistics, error) {
	snap, err := c.get(ctx, kbID)
	if err != nil {
		return nil, err
	}

	stats := &datatypes.SymbolStatistics{
		KBID:         kbID,
		TotalSymbols: len(snap.symbols),
	}
	if len(snap.symbols) == 0 {
		stats.TopSymbols = []datatypes.Symbol{}
		return stats, nil
	}

	var freqSum, pmfSum uint64
	for _, s := range snap.symbols {
		freqSum += s.Frequency
		pmfSum += s.PatternMemberFrequency
		if s.Frequency > stats.MaxFrequency {
			stats.MaxFrequency = s.Frequency
		}
		if s.PatternMemberFrequency > stats.MaxPatternMemberFrequency {
			stats.MaxPatternMemberFrequency = s.PatternMemberFrequency
		}
	}
	stats.AvgFrequency = float64(freqSum) / float64(len(snap.symbols))
	stats.AvgPatternMemberFrequency = float64(pmfSum) / float64(len(snap.symbols))

	top := append([]datatypes.Symbol(nil), snap.symbols...)
	sortSymbols(top, "frequency", true)
	stats.TopSymbols = top[:min(topSymbolCount, len(top))]
	return stats, nil
}

// SymbolNames returns every symbol name in a kb's snapshot. The
// hierarchy engine intersects these against lower-level pattern names,
// so graph computation rides the same TTL snapshot as the symbol
// views.
func (c *Cache) SymbolNames(ctx context.Context, kbID string) ([]string, error) {
	snap, err := c.get(ctx, kbID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(snap.symbols))
	for i, s := range snap.symbols {
		names[i] = s.Name
	}
	return names, nil
}

// KBsWithSymbols filters candidate kb ids down to those that have any
// symbol counters. Goes to the source directly; presence is a single
// cheap probe and caching it would hide freshly ingested kbs.
func (c *Cache) KBsWithSymbols(ctx context.Context, candidates []string) ([]string, error) {
	var kbs []string
	for _, kbID := range candidates {
		has, err := c.source.HasSymbols(ctx, kbID)
		if err != nil {
			return nil, err
		}
		if has {
			kbs = append(kbs, kbID)
		}
	}
	return kbs, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Invalidate drops a kb's snapshot so the next read reloads.
func (c *Cache) Invalidate(kbID string) {
	c.mu.Lock()
	_, had := c.snapshots[kbID]
	delete(c.snapshots, kbID)
	c.mu.Unlock()

	if had {
		observability.RecordSymbolCacheEvent(kbID, "invalidated")
		c.logger.Info("symbol snapshot invalidated", "kb_id", kbID)
	}
}

// InvalidateAll drops every snapshot.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.snapshots = map[string]*snapshot{}
	c.mu.Unlock()
}

// get returns a live snapshot, loading or reloading as needed.
func (c *Cache) get(ctx context.Context, kbID string) (*snapshot, error) {
	c.mu.RLock()
	snap, ok := c.snapshots[kbID]
	c.mu.RUnlock()

	if ok {
		if c.clock.Now().Sub(snap.loadedAt) < c.ttl {
			observability.RecordSymbolCacheEvent(kbID, "hit")
			return snap, nil
		}
		observability.RecordSymbolCacheEvent(kbID, "expired")
	} else {
		observability.RecordSymbolCacheEvent(kbID, "miss")
	}

	snap, err := c.load(ctx, kbID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.snapshots[kbID] = snap
	c.mu.Unlock()
	return snap, nil
}

// load builds a fresh snapshot from the source.
func (c *Cache) load(ctx context.Context, kbID string) (*snapshot, error) {
	start := time.Now()

	names, err := c.source.ListSymbols(ctx, kbID, c.maxSymbols)
	if err != nil {
		return nil, err
	}
	freqs, pmfs, err := c.source.SymbolCounters(ctx, kbID, names)
	if err != nil {
		return nil, err
	}

	symbols := make([]datatypes.Symbol, 0, len(names))
	for _, name := range names {
		s := datatypes.Symbol{
			Name:                   name,
			Frequency:              freqs[name],
			PatternMemberFrequency: pmfs[name],
		}
		if s.PatternMemberFrequency > 0 {
			s.Ratio = float64(s.Frequency) / float64(s.PatternMemberFrequency)
		}
		symbols = append(symbols, s)
	}

	elapsed := time.Since(start)
	observability.ObserveSymbolSnapshotLoad(kbID, elapsed)
	c.logger.Info("symbol snapshot loaded",
		"kb_id", kbID,
		"symbols", len(symbols),
		"elapsed", elapsed,
	)

	return &snapshot{symbols: symbols, loadedAt: c.clock.Now()}, nil
}

// sortSymbols orders in place with name ascending as the tie-break.
func sortSymbols(symbols []datatypes.Symbol, sortBy string, descending bool) {
	sort.Slice(symbols, func(i, j int) bool {
		a, b := symbols[i], symbols[j]
		var less, equal bool
		switch sortBy {
		case "frequency":
			less, equal = a.Frequency < b.Frequency, a.Frequency == b.Frequency
		case "pmf":
			less, equal = a.PatternMemberFrequency < b.PatternMemberFrequency,
				a.PatternMemberFrequency == b.PatternMemberFrequency
		case "ratio":
			less, equal = a.Ratio < b.Ratio, a.Ratio == b.Ratio
		default:
			less, equal = a.Name < b.Name, false
		}
		if equal {
			return a.Name < b.Name
		}
		if descending {
			return !less
		}
		return less
	})
}
