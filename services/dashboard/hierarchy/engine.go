// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package hierarchy derives the cross-level structure of the pattern
// store.
//
// # Description
//
// Knowledge bases are stacked: patterns at level N+1 embed references
// to patterns at level N as marker-prefixed symbols. Nothing in either
// backing store records that structure explicitly, so this package
// recomputes it on demand:
//
//   - the hierarchy graph: one node per kb, one edge per adjacent-level
//     kb pair whose symbol sets actually connect, weighted by connection
//     count and coverage ratios on both sides
//   - connection details: the concrete lower-level patterns behind one
//     edge, enriched with their record cores and, when a metadata
//     source is attached, their frequency on both sides of the edge
//   - promotion paths: the levels at which one name exists, first as a
//     pattern, then as a reference symbol
//   - influence paths: how far one pattern's influence climbs the
//     stack through transitive embedding
//
// # Cost
//
// Edge computation reads each upper kb's symbol set once per level
// pair, served from the symbolstats snapshot when that cache is the
// symbol source. Connection details and influence paths additionally
// scan the upper partition's pattern data; there is no reverse index
// from a referenced name to its containers.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
)

// ColumnarSource is the slice of the columnar adapter the engine reads.
type ColumnarSource interface {
	ListKBs(ctx context.Context) ([]string, error)
	Count(ctx context.Context, kbID string) (uint64, error)
	ListNames(ctx context.Context, kbID string) ([]string, error)
	ReferenceIndex(ctx context.Context, kbID string) (map[string][]string, error)
	GetByName(ctx context.Context, kbID, name string) (*datatypes.Pattern, error)
}

// MetadataSource is the slice of the metadata adapter used to enrich
// connection details with frequencies. Optional; a nil source skips
// the enrichment.
type MetadataSource interface {
	BatchGetFrequencies(ctx context.Context, kbID string, names []string) (map[string]uint64, error)
	SymbolCounters(ctx context.Context, kbID string, symbols []string) (freqs, pmfs map[string]uint64, err error)
}

// SymbolSource supplies the full symbol name set of a kb, usually the
// symbolstats cache so edge computation reuses its TTL snapshots
// instead of rescanning the counter namespace per request.
type SymbolSource interface {
	SymbolNames(ctx context.Context, kbID string) ([]string, error)
}

// Node is one kb in the hierarchy graph.
type Node struct {
	KBID         string `json:"kb_id"`
	Level        int    `json:"level"`
	PatternCount uint64 `json:"pattern_count"`
}

// Edge is one adjacent-level connection between two kbs.
//
// LowerCoverage is the fraction of the lower kb's patterns whose
// marker symbol appears in the upper kb; UpperCoverage is the fraction
// of the upper kb's full symbol set those connections account for.
type Edge struct {
	LowerKB       string  `json:"lower_kb"`
	UpperKB       string  `json:"upper_kb"`
	Connections   int     `json:"connections"`
	LowerCoverage float64 `json:"lower_coverage"`
	UpperCoverage float64 `json:"upper_coverage"`
}

// GraphStats summarizes a computed hierarchy graph.
type GraphStats struct {
	Levels           int    `json:"levels"`
	KnowledgeBases   int    `json:"knowledge_bases"`
	TotalPatterns    uint64 `json:"total_patterns"`
	TotalConnections int    `json:"total_connections"`
}

// Graph is the full hierarchy view.
type Graph struct {
	Nodes []Node     `json:"nodes"`
	Edges []Edge     `json:"edges"`
	Stats GraphStats `json:"statistics"`
}

// ConnectionDetail is one lower-level pattern behind an edge, with the
// upper-level patterns that embed it.
//
// SourceFrequency is the pattern's observation count in the lower kb;
// TargetSymbolFrequency is the occurrence count of its marker symbol in
// the upper kb. Both stay zero when the engine has no metadata source.
type ConnectionDetail struct {
	Pattern               datatypes.Pattern `json:"pattern"`
	UpperPatterns         []string          `json:"upper_patterns"`
	SourceFrequency       uint64            `json:"source_frequency"`
	TargetSymbolFrequency uint64            `json:"target_symbol_frequency"`
}

// Roles a name can hold at one level of a promotion path.
const (
	RolePattern = "pattern"
	RoleSymbol  = "symbol"
)

// PromotionStep is one level of a name's promotion path: the kb where
// the name exists and whether it exists there as a pattern record or as
// a reference symbol embedded in higher-level patterns.
type PromotionStep struct {
	KBID  string `json:"kb_id"`
	Level int    `json:"level"`
	Role  string `json:"role"`
}

// InfluenceStep is one level of a pattern's transitive climb: the kb
// inspected and the patterns there that (transitively) embed the traced
// pattern.
type InfluenceStep struct {
	KBID     string   `json:"kb_id"`
	Level    int      `json:"level"`
	Patterns []string `json:"patterns"`
}

// Engine computes hierarchy views over a validated level map.
type Engine struct {
	source  ColumnarSource
	meta    MetadataSource
	symbols SymbolSource
	levels  LevelMap
	logger  *slog.Logger
}

// New builds an Engine over an already validated level map. meta may be
// nil; connection details then skip frequency enrichment. symbols is
// required for graph and connection computation but may be nil for an
// engine that only walks promotion or influence paths.
func New(source ColumnarSource, meta MetadataSource, symbols SymbolSource, levels LevelMap, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{source: source, meta: meta, symbols: symbols, levels: levels, logger: logger}
}

// Discover lists the kbs in the columnar store and builds the engine
// from them. Fails on the first kb id that does not parse, so a
// misnamed partition is caught at startup rather than mid-request.
func Discover(ctx context.Context, source ColumnarSource, meta MetadataSource, symbols SymbolSource, logger *slog.Logger) (*Engine, error) {
	kbs, err := source.ListKBs(ctx)
	if err != nil {
		return nil, err
	}
	levels, err := BuildLevelMap(kbs)
	if err != nil {
		return nil, err
	}
	return New(source, meta, symbols, levels, logger), nil
}

// Levels exposes the validated level map.
func (e *Engine) Levels() LevelMap { return e.levels }

// =============================================================================
// Graph Computation
// =============================================================================

// ComputeGraph builds the full hierarchy graph. Edges are only emitted
// for adjacent-level kb pairs with at least one resolved connection.
func (e *Engine) ComputeGraph(ctx context.Context) (*Graph, error) {
	grouped := e.levels.ByLevel()
	graph := &Graph{Nodes: []Node{}, Edges: []Edge{}}

	for _, level := range e.levels.Levels() {
		for _, kbID := range grouped[level] {
			count, err := e.source.Count(ctx, kbID)
			if err != nil {
				return nil, err
			}
			graph.Nodes = append(graph.Nodes, Node{KBID: kbID, Level: level, PatternCount: count})
		}
	}

	for _, level := range e.levels.Levels() {
		uppers := grouped[level+1]
		if len(uppers) == 0 {
			continue
		}
		for _, upperKB := range uppers {
			// One symbol snapshot serves every lower kb at this level.
			symbols, err := e.targetSymbols(ctx, upperKB)
			if err != nil {
				return nil, err
			}
			for _, lowerKB := range grouped[level] {
				edge, err := e.computeEdge(ctx, lowerKB, upperKB, symbols)
				if err != nil {
					return nil, err
				}
				if edge.Connections > 0 {
					graph.Edges = append(graph.Edges, edge)
				}
			}
		}
	}

	graph.Stats = GraphStats{
		Levels:         len(e.levels.Levels()),
		KnowledgeBases: len(graph.Nodes),
	}
	for _, node := range graph.Nodes {
		graph.Stats.TotalPatterns += node.PatternCount
	}
	for _, edge := range graph.Edges {
		graph.Stats.TotalConnections += edge.Connections
	}
	return graph, nil
}

// computeEdge intersects the marker symbols of a lower kb's names with
// an upper kb's full symbol set. The upper denominator is the whole
// set, marker and plain symbols alike.
func (e *Engine) computeEdge(ctx context.Context, lowerKB, upperKB string, upperSymbols map[string]struct{}) (Edge, error) {
	lowerNames, err := e.source.ListNames(ctx, lowerKB)
	if err != nil {
		return Edge{}, err
	}

	connections := 0
	for _, name := range lowerNames {
		if _, ok := upperSymbols[datatypes.MarkerName(name)]; ok {
			connections++
		}
	}

	edge := Edge{LowerKB: lowerKB, UpperKB: upperKB, Connections: connections}
	if len(lowerNames) > 0 {
		edge.LowerCoverage = float64(connections) / float64(len(lowerNames))
	}
	if len(upperSymbols) > 0 {
		edge.UpperCoverage = float64(connections) / float64(len(upperSymbols))
	}
	return edge, nil
}

// targetSymbols fetches an upper kb's symbol names as a set.
func (e *Engine) targetSymbols(ctx context.Context, upperKB string) (map[string]struct{}, error) {
	if e.symbols == nil {
		return nil, errors.New("hierarchy: engine has no symbol source")
	}
	names, err := e.symbols.SymbolNames(ctx, upperKB)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set, nil
}

// =============================================================================
// Connection Details
// =============================================================================

// ConnectionDetails returns up to limit lower-level patterns behind the
// lowerKB->upperKB edge, each enriched with its record core and the
// upper patterns embedding it. Results are ordered by pattern name so
// repeated calls are stable.
func (e *Engine) ConnectionDetails(ctx context.Context, lowerKB, upperKB string, limit int) ([]ConnectionDetail, error) {
	if err := e.requireAdjacent(lowerKB, upperKB); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 25
	}

	symbols, err := e.targetSymbols(ctx, upperKB)
	if err != nil {
		return nil, err
	}
	index, err := e.source.ReferenceIndex(ctx, upperKB)
	if err != nil {
		return nil, err
	}
	containers := invertIndex(index)

	lowerNames, err := e.source.ListNames(ctx, lowerKB)
	if err != nil {
		return nil, err
	}

	details := make([]ConnectionDetail, 0, limit)
	for _, name := range lowerNames {
		if len(details) >= limit {
			break
		}
		if _, ok := symbols[datatypes.MarkerName(name)]; !ok {
			continue
		}
		pattern, err := e.source.GetByName(ctx, lowerKB, name)
		if err != nil {
			// The pattern vanished between the name scan and now; the
			// edge sample just shrinks by one.
			e.logger.Warn("connected pattern vanished during enrichment",
				"kb_id", lowerKB, "name", name)
			continue
		}
		upper := make([]string, 0, len(containers[name]))
		upper = append(upper, containers[name]...)
		sort.Strings(upper)
		details = append(details, ConnectionDetail{Pattern: *pattern, UpperPatterns: upper})
	}

	if err := e.enrichFrequencies(ctx, lowerKB, upperKB, details); err != nil {
		return nil, err
	}
	return details, nil
}

// enrichFrequencies attaches each sampled pattern's observation count
// in the lower kb and its marker symbol's occurrence count in the upper
// kb. A nil metadata source leaves the sample as-is.
func (e *Engine) enrichFrequencies(ctx context.Context, lowerKB, upperKB string, details []ConnectionDetail) error {
	if e.meta == nil || len(details) == 0 {
		return nil
	}

	names := make([]string, len(details))
	markers := make([]string, len(details))
	for i, detail := range details {
		names[i] = detail.Pattern.Name
		markers[i] = datatypes.MarkerName(detail.Pattern.Name)
	}

	frequencies, err := e.meta.BatchGetFrequencies(ctx, lowerKB, names)
	if err != nil {
		return err
	}
	symbolFreqs, _, err := e.meta.SymbolCounters(ctx, upperKB, markers)
	if err != nil {
		return err
	}

	for i := range details {
		details[i].SourceFrequency = frequencies[names[i]]
		details[i].Pattern.Frequency = frequencies[names[i]]
		details[i].TargetSymbolFrequency = symbolFreqs[markers[i]]
	}
	return nil
}

// requireAdjacent validates that both kbs are known and exactly one
// level apart.
func (e *Engine) requireAdjacent(lowerKB, upperKB string) error {
	lower, ok := e.levels[lowerKB]
	if !ok {
		return fmt.Errorf("%w: unknown kb %q", datatypes.ErrNotFound, lowerKB)
	}
	upper, ok := e.levels[upperKB]
	if !ok {
		return fmt.Errorf("%w: unknown kb %q", datatypes.ErrNotFound, upperKB)
	}
	if upper != lower+1 {
		return fmt.Errorf("%w: %s (level %d) and %s (level %d) are not adjacent",
			datatypes.ErrValidation, lowerKB, lower, upperKB, upper)
	}
	return nil
}

// =============================================================================
// Promotion Paths
// =============================================================================

// PromotionPath walks all kbs in ascending level order and records
// where the name exists: as a pattern record (its origin) and as a
// reference symbol embedded in that kb's patterns. A name found nowhere
// is ErrNotFound.
func (e *Engine) PromotionPath(ctx context.Context, name string) ([]PromotionStep, error) {
	grouped := e.levels.ByLevel()
	var steps []PromotionStep

	for _, level := range e.levels.Levels() {
		for _, kbID := range grouped[level] {
			if _, err := e.source.GetByName(ctx, kbID, name); err == nil {
				steps = append(steps, PromotionStep{KBID: kbID, Level: level, Role: RolePattern})
			} else if !errors.Is(err, datatypes.ErrNotFound) {
				return nil, err
			}

			index, err := e.source.ReferenceIndex(ctx, kbID)
			if err != nil {
				return nil, err
			}
			if indexReferences(index, name) {
				steps = append(steps, PromotionStep{KBID: kbID, Level: level, Role: RoleSymbol})
			}
		}
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: %q exists in no kb as pattern or symbol", datatypes.ErrNotFound, name)
	}
	return steps, nil
}

// indexReferences reports whether any pattern in the index embeds name.
func indexReferences(index map[string][]string, name string) bool {
	for _, refs := range index {
		for _, ref := range refs {
			if ref == name {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// Influence Paths
// =============================================================================

// InfluencePath traces how far one pattern's influence climbs the
// hierarchy: which upper patterns embed it, which patterns embed those,
// and so on until a level contributes nothing. The starting pattern
// must exist.
func (e *Engine) InfluencePath(ctx context.Context, kbID, name string) ([]InfluenceStep, error) {
	startLevel, ok := e.levels[kbID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kb %q", datatypes.ErrNotFound, kbID)
	}
	if _, err := e.source.GetByName(ctx, kbID, name); err != nil {
		return nil, err
	}

	steps := []InfluenceStep{{KBID: kbID, Level: startLevel, Patterns: []string{name}}}
	frontier := map[string]struct{}{name: {}}
	grouped := e.levels.ByLevel()

	for level := startLevel + 1; len(grouped[level]) > 0; level++ {
		next := make(map[string]struct{})
		for _, upperKB := range grouped[level] {
			index, err := e.source.ReferenceIndex(ctx, upperKB)
			if err != nil {
				return nil, err
			}
			var found []string
			for upperName, refs := range index {
				for _, ref := range refs {
					if _, ok := frontier[ref]; ok {
						found = append(found, upperName)
						break
					}
				}
			}
			if len(found) == 0 {
				continue
			}
			sort.Strings(found)
			steps = append(steps, InfluenceStep{KBID: upperKB, Level: level, Patterns: found})
			for _, upperName := range found {
				next[upperName] = struct{}{}
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}
	return steps, nil
}

// invertIndex turns pattern->refs into ref->patterns.
func invertIndex(index map[string][]string) map[string][]string {
	inverted := make(map[string][]string)
	for pattern, refs := range index {
		for _, ref := range refs {
			inverted[ref] = append(inverted[ref], pattern)
		}
	}
	return inverted
}
