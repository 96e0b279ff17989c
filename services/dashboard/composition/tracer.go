// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package composition traces how individual patterns compose across
// hierarchy levels.
//
// # Description
//
// Where package hierarchy aggregates whole kbs, this package follows
// one pattern's edges: backward to the lower-level patterns it embeds,
// forward to the upper-level patterns embedding it, producing a graph
// the dashboard renders as a composition tree. Edges always point from
// the embedded pattern up to its container, whichever way the walk
// ran, and nodes carry their metadata-store frequency when a metadata
// source is attached.
//
// Traversal is an iterative worklist, never recursion, with a visited
// set keyed by (kb, name). Repeated references, diamonds, and any
// cyclic data a buggy ingester might produce all terminate; a node is
// expanded at most once per trace.
//
// # Direction Asymmetry
//
// Backward edges are free: the references sit inside the pattern's own
// data, and the slot index of each reference is preserved on the edge.
// Forward edges have no reverse index, so every forward step scans the
// whole next-level partition's pattern data. That scan is the tracer's
// dominant cost and is instrumented by the columnar adapter.
//
// # Vanished Nodes
//
// A reference whose target no longer exists in any lower kb is kept in
// the graph as a vanished node. The branch terminates there; the
// dashboard shows the dangling edge instead of pretending the record
// never existed.
package composition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
	"github.com/latticeworks/latticeboard/services/dashboard/hierarchy"
	"github.com/latticeworks/latticeboard/services/dashboard/observability"
)

// Directions a trace can run in.
const (
	DirectionBackward = "backward"
	DirectionForward  = "forward"
	DirectionBoth     = "both"
)

// DefaultMaxDepth bounds how many levels a trace crosses.
const DefaultMaxDepth = 10

// DefaultMaxNodes bounds the total graph size; past it the trace is
// returned truncated rather than growing without limit.
const DefaultMaxNodes = 5000

// ColumnarSource is the slice of the columnar adapter the tracer reads.
type ColumnarSource interface {
	GetByName(ctx context.Context, kbID, name string) (*datatypes.Pattern, error)
	ReferenceIndex(ctx context.Context, kbID string) (map[string][]string, error)
}

// MetadataSource supplies per-pattern frequencies for node enrichment.
// Optional; a nil source leaves every node's frequency at zero.
type MetadataSource interface {
	BatchGetFrequencies(ctx context.Context, kbID string, names []string) (map[string]uint64, error)
}

// Node is one pattern in a composition graph.
type Node struct {
	KBID  string `json:"kb_id"`
	Name  string `json:"name"`
	Level int    `json:"level"`

	// Length is zero for vanished nodes; the record is gone.
	Length uint32 `json:"length,omitempty"`

	// Frequency is the pattern's observation count from the metadata
	// store; zero when the tracer has no metadata source or the node
	// vanished.
	Frequency uint64 `json:"frequency"`

	// Vanished marks a reference whose target record no longer exists.
	Vanished bool `json:"vanished,omitempty"`
}

// Edge is one embedding, oriented upward: the pattern at From is
// embedded by the pattern at To one level above, in reference slot
// Slot (the position among To's references, in slot order).
type Edge struct {
	FromKB   string `json:"from_kb"`
	FromName string `json:"from_name"`
	ToKB     string `json:"to_kb"`
	ToName   string `json:"to_name"`
	Slot     int    `json:"slot"`
}

// Graph is one completed trace.
type Graph struct {
	RootKB    string `json:"root_kb"`
	RootName  string `json:"root_name"`
	Direction string `json:"direction"`
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`

	// Truncated is set when the node cap stopped the trace early.
	Truncated bool `json:"truncated,omitempty"`
}

// Options bounds a tracer. Zero values take defaults.
type Options struct {
	MaxDepth int
	MaxNodes int
	Logger   *slog.Logger
}

// Tracer walks composition edges over a validated level map.
type Tracer struct {
	source   ColumnarSource
	meta     MetadataSource
	levels   hierarchy.LevelMap
	maxDepth int
	maxNodes int
	logger   *slog.Logger
}

// New builds a Tracer. meta may be nil; nodes then carry no
// frequencies.
func New(source ColumnarSource, meta MetadataSource, levels hierarchy.LevelMap, opts Options) *Tracer {
	if opts.MaxDepth == 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxNodes == 0 {
		opts.MaxNodes = DefaultMaxNodes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracer{
		source:   source,
		meta:     meta,
		levels:   levels,
		maxDepth: opts.MaxDepth,
		maxNodes: opts.MaxNodes,
		logger:   opts.Logger,
	}
}

// =============================================================================
// Tracing
// =============================================================================

// workItem is one pending expansion.
type workItem struct {
	kbID  string
	name  string
	depth int
}

// traceState accumulates one trace.
type traceState struct {
	graph   *Graph
	visited map[string]struct{}
}

func nodeKey(kbID, name string) string { return kbID + "/" + name }

func (s *traceState) seen(kbID, name string) bool {
	_, ok := s.visited[nodeKey(kbID, name)]
	return ok
}

func (s *traceState) addNode(node Node) {
	s.visited[nodeKey(node.KBID, node.Name)] = struct{}{}
	s.graph.Nodes = append(s.graph.Nodes, node)
}

// Trace walks from the root pattern in the given direction. The root
// must exist; everything reachable from it within the depth and node
// bounds ends up in the returned graph.
//
// An empty kbID resolves the owning kb by probing each kb in ascending
// level order; the first kb holding the name wins.
func (t *Tracer) Trace(ctx context.Context, kbID, name, direction string) (*Graph, error) {
	switch direction {
	case DirectionBackward, DirectionForward, DirectionBoth:
	default:
		return nil, fmt.Errorf("%w: unknown trace direction %q", datatypes.ErrValidation, direction)
	}
	if kbID == "" {
		owner, err := t.resolveOwner(ctx, name)
		if err != nil {
			return nil, err
		}
		kbID = owner
	}
	level, ok := t.levels[kbID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kb %q", datatypes.ErrNotFound, kbID)
	}
	root, err := t.source.GetByName(ctx, kbID, name)
	if err != nil {
		return nil, err
	}

	state := &traceState{
		graph: &Graph{
			RootKB:    kbID,
			RootName:  name,
			Direction: direction,
			Nodes:     []Node{},
			Edges:     []Edge{},
		},
		visited: map[string]struct{}{},
	}
	state.addNode(Node{KBID: kbID, Name: name, Level: level, Length: root.Length})

	if direction == DirectionBackward || direction == DirectionBoth {
		if err := t.traceBackward(ctx, state, workItem{kbID, name, 0}, root); err != nil {
			return nil, err
		}
	}
	if direction == DirectionForward || direction == DirectionBoth {
		if err := t.traceForward(ctx, state, workItem{kbID, name, 0}); err != nil {
			return nil, err
		}
	}

	if err := t.enrichFrequencies(ctx, state.graph); err != nil {
		return nil, err
	}

	observability.ObserveCompositionTrace(direction, len(state.graph.Nodes))
	return state.graph, nil
}

// enrichFrequencies attaches each live node's observation count, one
// batched read per kb in the graph.
func (t *Tracer) enrichFrequencies(ctx context.Context, graph *Graph) error {
	if t.meta == nil {
		return nil
	}

	byKB := map[string][]int{}
	for i, node := range graph.Nodes {
		if node.Vanished {
			continue
		}
		byKB[node.KBID] = append(byKB[node.KBID], i)
	}

	for kbID, indexes := range byKB {
		names := make([]string, len(indexes))
		for i, idx := range indexes {
			names[i] = graph.Nodes[idx].Name
		}
		freqs, err := t.meta.BatchGetFrequencies(ctx, kbID, names)
		if err != nil {
			return err
		}
		for _, idx := range indexes {
			graph.Nodes[idx].Frequency = freqs[graph.Nodes[idx].Name]
		}
	}
	return nil
}

// traceBackward expands embedded references level by level downward.
// The root's record is already in hand, so it seeds the expansion
// without a second fetch.
func (t *Tracer) traceBackward(ctx context.Context, state *traceState, rootItem workItem, root *datatypes.Pattern) error {
	type expansion struct {
		item    workItem
		pattern *datatypes.Pattern
	}
	worklist := []expansion{{rootItem, root}}

	for len(worklist) > 0 {
		current := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		if current.item.depth >= t.maxDepth {
			continue
		}
		refs := current.pattern.References()
		if len(refs) == 0 {
			continue
		}
		level := t.levels[current.item.kbID]

		for slot, ref := range refs {
			if len(state.graph.Nodes) >= t.maxNodes {
				state.graph.Truncated = true
				return nil
			}

			targetKB, target, err := t.resolveBelow(ctx, level, ref)
			if err != nil {
				return err
			}
			// The referenced pattern sits one level down and points up
			// at its container.
			state.graph.Edges = append(state.graph.Edges, Edge{
				FromKB:   targetKB,
				FromName: ref,
				ToKB:     current.item.kbID,
				ToName:   current.item.name,
				Slot:     slot,
			})

			if state.seen(targetKB, ref) {
				continue
			}
			if target == nil {
				// Target record is gone; keep the dangling node and
				// terminate this branch.
				state.addNode(Node{KBID: targetKB, Name: ref, Level: level - 1, Vanished: true})
				continue
			}
			state.addNode(Node{KBID: targetKB, Name: ref, Level: level - 1, Length: target.Length})
			worklist = append(worklist, expansion{
				item:    workItem{targetKB, ref, current.item.depth + 1},
				pattern: target,
			})
		}
	}
	return nil
}

// resolveOwner probes every kb in ascending level order for the name.
func (t *Tracer) resolveOwner(ctx context.Context, name string) (string, error) {
	grouped := t.levels.ByLevel()
	for _, level := range t.levels.Levels() {
		for _, kbID := range grouped[level] {
			if _, err := t.source.GetByName(ctx, kbID, name); err == nil {
				return kbID, nil
			} else if !isNotFound(err) {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("%w: pattern %q found in no kb", datatypes.ErrNotFound, name)
}

// resolveBelow finds which kb one level down holds the referenced
// pattern. A nil pattern means the reference dangles; the returned kb
// is then the first candidate (or empty when no lower level exists).
func (t *Tracer) resolveBelow(ctx context.Context, level int, ref string) (string, *datatypes.Pattern, error) {
	lowerKBs := t.levels.ByLevel()[level-1]
	for _, lowerKB := range lowerKBs {
		pattern, err := t.source.GetByName(ctx, lowerKB, ref)
		if err == nil {
			return lowerKB, pattern, nil
		}
		if !isNotFound(err) {
			return "", nil, err
		}
	}
	if len(lowerKBs) > 0 {
		return lowerKBs[0], nil, nil
	}
	return "", nil, nil
}

// traceForward expands containing patterns level by level upward. Each
// step scans the next level's partitions once and reuses the index for
// every frontier pattern at that level.
func (t *Tracer) traceForward(ctx context.Context, state *traceState, root workItem) error {
	frontier := []workItem{root}

	for len(frontier) > 0 {
		// All frontier items sit at the same level; group the upward
		// scan accordingly.
		level := t.levels[frontier[0].kbID]
		upperKBs := t.levels.ByLevel()[level+1]
		if len(upperKBs) == 0 {
			return nil
		}

		var next []workItem
		for _, upperKB := range upperKBs {
			index, err := t.source.ReferenceIndex(ctx, upperKB)
			if err != nil {
				return err
			}
			for upperName, refs := range index {
				for slot, ref := range refs {
					for _, item := range frontier {
						if ref != item.name || item.depth >= t.maxDepth {
							continue
						}
						if len(state.graph.Nodes) >= t.maxNodes {
							state.graph.Truncated = true
							return nil
						}
						state.graph.Edges = append(state.graph.Edges, Edge{
							FromKB:   item.kbID,
							FromName: item.name,
							ToKB:     upperKB,
							ToName:   upperName,
							Slot:     slot,
						})
						if state.seen(upperKB, upperName) {
							continue
						}
						upper, err := t.source.GetByName(ctx, upperKB, upperName)
						if err != nil {
							if isNotFound(err) {
								t.logger.Warn("containing pattern vanished mid-trace",
									"kb_id", upperKB, "name", upperName)
								continue
							}
							return err
						}
						state.addNode(Node{KBID: upperKB, Name: upperName, Level: level + 1, Length: upper.Length})
						next = append(next, workItem{upperKB, upperName, item.depth + 1})
					}
				}
			}
		}
		frontier = next
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, datatypes.ErrNotFound)
}
