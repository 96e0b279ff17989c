// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package repository merges the columnar and metadata stores into one
// logical pattern store.
//
// # Description
//
// Neither backing store can serve the dashboard alone: ClickHouse holds
// the write-once record but not frequency, Redis holds frequency but
// cannot range-query. The repository owns the merge:
//
//   - Listings sorted by a columnar field page inside ClickHouse, then
//     decorate the page with frequencies and presence flags.
//   - Listings sorted by frequency cannot page inside either store, so
//     the repository ranks client-side: fetch every name in the
//     partition (name-only projection), batch-fetch every frequency in
//     pipelined round trips, sort in memory with name as the
//     deterministic tie-break, slice the page, and hydrate only the
//     page. The preliminary cost is O(total patterns in the kb) no
//     matter how small the page is; around a million patterns per kb
//     the listing needs a precomputed ranking instead.
//
// # Failure Reporting
//
// Dual-store mutations never pretend to be atomic. A delete that
// succeeds in one store and fails in the other returns a
// PartialFailureError naming the surviving half, and bulk deletes
// return per-store counts without reconciling them.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
	"github.com/latticeworks/latticeboard/services/dashboard/observability"
)

// SortFrequency selects the client-side rank-by-frequency listing
// path. Every other sort field pages natively in the columnar store.
const SortFrequency = "frequency"

// MaxPageLimit bounds a single listing page.
const MaxPageLimit = 1000

// DefaultPageLimit applies when the caller passes limit 0.
const DefaultPageLimit = 25

// Repository is the hybrid pattern store.
//
// Safe for concurrent use; it holds no mutable state of its own.
type Repository struct {
	columnar ColumnarStore
	metadata MetadataStore
	logger   *slog.Logger
}

// New builds a Repository over the two adapters.
func New(columnar ColumnarStore, metadata MetadataStore, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{columnar: columnar, metadata: metadata, logger: logger}
}

// =============================================================================
// Listings
// =============================================================================

// ListPatterns returns one page of the kb's patterns under the given
// sort. sortBy is frequency or one of the columnar sort fields;
// descending orders high-to-low. Ties always break by name ascending so
// repeated calls paginate stably.
func (r *Repository) ListPatterns(ctx context.Context, kbID string, skip, limit int, sortBy string, descending bool) (*datatypes.PatternPage, error) {
	if skip < 0 {
		return nil, fmt.Errorf("%w: skip must be non-negative, got %d", datatypes.ErrValidation, skip)
	}
	if limit == 0 {
		limit = DefaultPageLimit
	}
	if limit < 0 || limit > MaxPageLimit {
		return nil, fmt.Errorf("%w: limit must be in [1, %d], got %d", datatypes.ErrValidation, MaxPageLimit, limit)
	}
	if sortBy == "" {
		sortBy = SortFrequency
	}

	if sortBy == SortFrequency {
		return r.listByFrequency(ctx, kbID, skip, limit, descending)
	}
	return r.listByColumnarField(ctx, kbID, skip, limit, sortBy, descending)
}

// listByColumnarField pages inside ClickHouse and decorates the page.
func (r *Repository) listByColumnarField(ctx context.Context, kbID string, skip, limit int, sortBy string, descending bool) (*datatypes.PatternPage, error) {
	total, err := r.columnar.Count(ctx, kbID)
	if err != nil {
		return nil, err
	}
	patterns, err := r.columnar.QueryPage(ctx, kbID, skip, limit, sortBy, descending)
	if err != nil {
		return nil, err
	}
	if err := r.decorate(ctx, kbID, patterns); err != nil {
		return nil, err
	}
	return &datatypes.PatternPage{
		Patterns: patterns,
		Total:    int(total),
		Skip:     skip,
		Limit:    limit,
		HasMore:  skip+len(patterns) < int(total),
	}, nil
}

// listByFrequency ranks the whole partition client-side and hydrates
// only the requested page.
func (r *Repository) listByFrequency(ctx context.Context, kbID string, skip, limit int, descending bool) (*datatypes.PatternPage, error) {
	names, err := r.columnar.ListNames(ctx, kbID)
	if err != nil {
		return nil, err
	}
	frequencies, err := r.metadata.BatchGetFrequencies(ctx, kbID, names)
	if err != nil {
		return nil, err
	}
	observability.ObserveFrequencyRanking(kbID, len(names))

	ranked := RankByFrequency(names, frequencies, descending)

	page := pageSlice(ranked, skip, limit)
	patterns, err := r.hydrateNames(ctx, kbID, page, frequencies)
	if err != nil {
		return nil, err
	}
	return &datatypes.PatternPage{
		Patterns: patterns,
		Total:    len(names),
		Skip:     skip,
		Limit:    limit,
		HasMore:  skip+len(patterns) < len(names),
	}, nil
}

// RankByFrequency orders names by frequency with name ascending as the
// tie-break, in both directions. Missing frequencies rank as zero.
func RankByFrequency(names []string, frequencies map[string]uint64, descending bool) []string {
	ranked := make([]string, len(names))
	copy(ranked, names)

	sort.Slice(ranked, func(i, j int) bool {
		fi, fj := frequencies[ranked[i]], frequencies[ranked[j]]
		if fi != fj {
			if descending {
				return fi > fj
			}
			return fi < fj
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}

// pageSlice returns ranked[skip : skip+limit] clamped to bounds.
func pageSlice(ranked []string, skip, limit int) []string {
	if skip >= len(ranked) {
		return nil
	}
	end := min(skip+limit, len(ranked))
	return ranked[skip:end]
}

// hydrateNames fetches full records for the page names and returns them
// in page order, decorated with frequencies and presence flags.
func (r *Repository) hydrateNames(ctx context.Context, kbID string, names []string, frequencies map[string]uint64) ([]datatypes.Pattern, error) {
	if len(names) == 0 {
		return nil, nil
	}
	fetched, err := r.columnar.GetByNames(ctx, kbID, names)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]datatypes.Pattern, len(fetched))
	for _, p := range fetched {
		byName[p.Name] = p
	}

	patterns := make([]datatypes.Pattern, 0, len(names))
	for _, name := range names {
		p, ok := byName[name]
		if !ok {
			// The partition changed between the name scan and the page
			// fetch; skip rather than fail the whole page.
			r.logger.Warn("pattern vanished during page hydration",
				"kb_id", kbID, "name", name)
			continue
		}
		p.Frequency = frequencies[name]
		patterns = append(patterns, p)
	}

	if err := r.attachPresence(ctx, kbID, patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

// decorate attaches frequencies and presence flags to a columnar page.
func (r *Repository) decorate(ctx context.Context, kbID string, patterns []datatypes.Pattern) error {
	if len(patterns) == 0 {
		return nil
	}
	names := make([]string, len(patterns))
	for i := range patterns {
		names[i] = patterns[i].Name
	}
	frequencies, err := r.metadata.BatchGetFrequencies(ctx, kbID, names)
	if err != nil {
		return err
	}
	for i := range patterns {
		patterns[i].Frequency = frequencies[patterns[i].Name]
	}
	return r.attachPresence(ctx, kbID, patterns)
}

// attachPresence sets HasEmotives/HasMetadata without hydrating the
// documents themselves.
func (r *Repository) attachPresence(ctx context.Context, kbID string, patterns []datatypes.Pattern) error {
	names := make([]string, len(patterns))
	for i := range patterns {
		names[i] = patterns[i].Name
	}
	emotives, err := r.metadata.BatchCheckPresence(ctx, kbID, "emotives", names)
	if err != nil {
		return err
	}
	metadata, err := r.metadata.BatchCheckPresence(ctx, kbID, "metadata", names)
	if err != nil {
		return err
	}
	for i := range patterns {
		patterns[i].HasEmotives = emotives[patterns[i].Name]
		patterns[i].HasMetadata = metadata[patterns[i].Name]
	}
	return nil
}

// =============================================================================
// Point Operations
// =============================================================================

// GetPattern returns the fully merged record: immutable core plus
// frequency, the whole emotive window, and the metadata document.
func (r *Repository) GetPattern(ctx context.Context, kbID, name string) (*datatypes.Pattern, error) {
	pattern, err := r.columnar.GetByName(ctx, kbID, name)
	if err != nil {
		return nil, err
	}

	if pattern.Frequency, err = r.metadata.GetFrequency(ctx, kbID, name); err != nil {
		return nil, err
	}
	if pattern.Emotives, err = r.metadata.GetEmotives(ctx, kbID, name); err != nil {
		return nil, err
	}
	if pattern.Metadata, err = r.metadata.GetMetadata(ctx, kbID, name); err != nil {
		return nil, err
	}
	pattern.HasEmotives = len(pattern.Emotives) > 0
	pattern.HasMetadata = len(pattern.Metadata) > 0
	return pattern, nil
}

// UpdatePattern applies a validated mutation to a pattern's mutable
// fields and returns the merged record after the update. The pattern
// must exist in the columnar store; immutable fields cannot be reached
// from here at all.
func (r *Repository) UpdatePattern(ctx context.Context, kbID, name string, update datatypes.PatternUpdate) (*datatypes.Pattern, error) {
	if update.IsEmpty() {
		return nil, fmt.Errorf("%w: update contains no mutable fields", datatypes.ErrValidation)
	}
	// Existence gate first so an update cannot mint orphan keys for a
	// pattern the columnar store never had.
	if _, err := r.columnar.GetByName(ctx, kbID, name); err != nil {
		return nil, err
	}

	if update.Frequency != nil {
		if err := r.metadata.SetFrequency(ctx, kbID, name, *update.Frequency); err != nil {
			return nil, err
		}
	}
	if update.Emotives != nil {
		if err := r.metadata.SetEmotives(ctx, kbID, name, update.Emotives); err != nil {
			return nil, err
		}
	}
	if update.Metadata != nil {
		if err := r.metadata.SetMetadata(ctx, kbID, name, update.Metadata); err != nil {
			return nil, err
		}
	}

	r.logger.Info("updated pattern mutable fields", "kb_id", kbID, "name", name)
	return r.GetPattern(ctx, kbID, name)
}

// DeletePattern removes a pattern from both stores. When one store
// fails after the other succeeded, the caller gets a
// PartialFailureError telling it exactly which half survived.
func (r *Repository) DeletePattern(ctx context.Context, kbID, name string) error {
	if _, err := r.columnar.GetByName(ctx, kbID, name); err != nil {
		return err
	}

	columnarErr := r.columnar.DeleteByName(ctx, kbID, name)
	_, metadataErr := r.metadata.DeleteMetadataBundle(ctx, kbID, name)

	if columnarErr == nil && metadataErr == nil {
		r.logger.Info("deleted pattern", "kb_id", kbID, "name", name)
		return nil
	}
	if columnarErr != nil && metadataErr != nil {
		// Both halves failed; the record is intact, no partial state.
		return columnarErr
	}
	return &datatypes.PartialFailureError{
		Op:       "delete pattern",
		KBID:     kbID,
		Name:     name,
		Columnar: columnarErr,
		Metadata: metadataErr,
	}
}

// =============================================================================
// Bulk Operations
// =============================================================================

// BulkDeletePatterns removes a batch of patterns from both stores and
// reports per-store counts. The counts are deliberately not reconciled:
// metadata keys can legitimately be fewer than patterns (a never
// observed pattern has no frequency key) or more (three keys per
// pattern).
func (r *Repository) BulkDeletePatterns(ctx context.Context, kbID string, names []string) (*datatypes.DeleteReport, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no pattern names given", datatypes.ErrValidation)
	}

	report := &datatypes.DeleteReport{KBID: kbID, Requested: len(names)}

	columnarDeleted, columnarErr := r.columnar.DeleteByNames(ctx, kbID, names)
	report.ColumnarDeleted = columnarDeleted
	if columnarErr != nil {
		report.ColumnarError = columnarErr.Error()
	}

	metadataDeleted, metadataErr := r.metadata.DeleteBundles(ctx, kbID, names)
	report.MetadataDeleted = metadataDeleted
	if metadataErr != nil {
		report.MetadataError = metadataErr.Error()
	}

	report.Complete = columnarErr == nil && metadataErr == nil
	if columnarErr != nil && metadataErr != nil {
		return report, columnarErr
	}

	r.logger.Info("bulk deleted patterns",
		"kb_id", kbID,
		"requested", len(names),
		"columnar_deleted", columnarDeleted,
		"metadata_keys_deleted", metadataDeleted,
		"complete", report.Complete,
	)
	return report, nil
}

// DeleteKnowledgeBase removes a whole kb from both stores: the columnar
// partition and the entire Redis namespace, symbol counters included.
func (r *Repository) DeleteKnowledgeBase(ctx context.Context, kbID string) (*datatypes.DeleteReport, error) {
	report := &datatypes.DeleteReport{KBID: kbID}

	columnarDeleted, columnarErr := r.columnar.DeleteAll(ctx, kbID)
	report.ColumnarDeleted = columnarDeleted
	if columnarErr != nil {
		report.ColumnarError = columnarErr.Error()
	}

	metadataDeleted, metadataErr := r.metadata.DeleteKB(ctx, kbID)
	report.MetadataDeleted = metadataDeleted
	if metadataErr != nil {
		report.MetadataError = metadataErr.Error()
	}

	report.Complete = columnarErr == nil && metadataErr == nil
	if columnarErr != nil && metadataErr != nil {
		return report, columnarErr
	}

	r.logger.Info("deleted knowledge base",
		"kb_id", kbID,
		"columnar_deleted", columnarDeleted,
		"metadata_keys_deleted", metadataDeleted,
		"complete", report.Complete,
	)
	return report, nil
}

// =============================================================================
// Overview & Health
// =============================================================================

// ListKnowledgeBases returns every kb partition, optionally with
// aggregate statistics. A per-kb statistics failure is recorded on that
// entry instead of failing the overview.
func (r *Repository) ListKnowledgeBases(ctx context.Context, withStats bool) ([]datatypes.KBInfo, error) {
	kbs, err := r.columnar.ListKBs(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]datatypes.KBInfo, 0, len(kbs))
	for _, kbID := range kbs {
		info := datatypes.KBInfo{KBID: kbID}
		if count, err := r.columnar.Count(ctx, kbID); err != nil {
			info.Error = err.Error()
		} else {
			info.PatternsCount = count
		}
		if withStats && info.Error == "" {
			if stats, err := r.Statistics(ctx, kbID); err != nil {
				info.Error = err.Error()
			} else {
				info.Statistics = stats
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Statistics returns the columnar aggregates for one kb.
func (r *Repository) Statistics(ctx context.Context, kbID string) (*datatypes.PatternStatistics, error) {
	return r.columnar.AggregateStats(ctx, kbID)
}

// PingStores checks both backing stores and reports per-store results,
// keyed by store role.
func (r *Repository) PingStores(ctx context.Context) map[string]error {
	return map[string]error{
		"columnar": r.columnar.Ping(ctx),
		"metadata": r.metadata.Ping(ctx),
	}
}
