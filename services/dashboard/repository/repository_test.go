// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package repository

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeColumnar struct {
	patterns map[string]map[string]datatypes.Pattern // kb -> name -> pattern

	failDelete bool
	readOnly   bool
}

var _ ColumnarStore = (*fakeColumnar)(nil)

func newFakeColumnar() *fakeColumnar {
	return &fakeColumnar{patterns: map[string]map[string]datatypes.Pattern{}}
}

func (f *fakeColumnar) add(p datatypes.Pattern) {
	if f.patterns[p.KBID] == nil {
		f.patterns[p.KBID] = map[string]datatypes.Pattern{}
	}
	f.patterns[p.KBID][p.Name] = p
}

func (f *fakeColumnar) Count(_ context.Context, kbID string) (uint64, error) {
	return uint64(len(f.patterns[kbID])), nil
}

func (f *fakeColumnar) ListNames(_ context.Context, kbID string) ([]string, error) {
	var names []string
	for name := range f.patterns[kbID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeColumnar) QueryPage(_ context.Context, kbID string, skip, limit int, sortBy string, descending bool) ([]datatypes.Pattern, error) {
	if sortBy != "length" && sortBy != "name" && sortBy != "token_count" &&
		sortBy != "created_at" && sortBy != "updated_at" {
		return nil, datatypes.ErrValidation
	}
	var all []datatypes.Pattern
	for _, p := range f.patterns[kbID] {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		var less bool
		switch sortBy {
		case "length":
			less = all[i].Length < all[j].Length
		default:
			less = all[i].Name < all[j].Name
		}
		if descending {
			return !less
		}
		return less
	})
	if skip >= len(all) {
		return nil, nil
	}
	end := min(skip+limit, len(all))
	return all[skip:end], nil
}

func (f *fakeColumnar) GetByName(_ context.Context, kbID, name string) (*datatypes.Pattern, error) {
	p, ok := f.patterns[kbID][name]
	if !ok {
		return nil, datatypes.ErrNotFound
	}
	return &p, nil
}

func (f *fakeColumnar) GetByNames(_ context.Context, kbID string, names []string) ([]datatypes.Pattern, error) {
	var out []datatypes.Pattern
	for _, name := range names {
		if p, ok := f.patterns[kbID][name]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeColumnar) ListKBs(_ context.Context) ([]string, error) {
	var kbs []string
	for kb := range f.patterns {
		kbs = append(kbs, kb)
	}
	sort.Strings(kbs)
	return kbs, nil
}

func (f *fakeColumnar) AggregateStats(_ context.Context, kbID string) (*datatypes.PatternStatistics, error) {
	return &datatypes.PatternStatistics{
		KBID:          kbID,
		TotalPatterns: uint64(len(f.patterns[kbID])),
	}, nil
}

func (f *fakeColumnar) DeleteByName(_ context.Context, kbID, name string) error {
	if f.readOnly {
		return datatypes.ErrReadOnly
	}
	if f.failDelete {
		return datatypes.NewUpstreamError("clickhouse", errors.New("mutation rejected"))
	}
	delete(f.patterns[kbID], name)
	return nil
}

func (f *fakeColumnar) DeleteByNames(_ context.Context, kbID string, names []string) (uint64, error) {
	if f.readOnly {
		return 0, datatypes.ErrReadOnly
	}
	if f.failDelete {
		return 0, datatypes.NewUpstreamError("clickhouse", errors.New("mutation rejected"))
	}
	var deleted uint64
	for _, name := range names {
		if _, ok := f.patterns[kbID][name]; ok {
			delete(f.patterns[kbID], name)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeColumnar) DeleteAll(_ context.Context, kbID string) (uint64, error) {
	if f.readOnly {
		return 0, datatypes.ErrReadOnly
	}
	count := uint64(len(f.patterns[kbID]))
	delete(f.patterns, kbID)
	return count, nil
}

func (f *fakeColumnar) Ping(context.Context) error { return nil }

type fakeMetadata struct {
	frequencies map[string]uint64 // key: kb/name
	emotives    map[string][]datatypes.Emotive
	metadata    map[string]map[string]any

	failDelete bool
}

var _ MetadataStore = (*fakeMetadata)(nil)

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{
		frequencies: map[string]uint64{},
		emotives:    map[string][]datatypes.Emotive{},
		metadata:    map[string]map[string]any{},
	}
}

func metaKey(kbID, name string) string { return kbID + "/" + name }

func (f *fakeMetadata) GetFrequency(_ context.Context, kbID, name string) (uint64, error) {
	return f.frequencies[metaKey(kbID, name)], nil
}

func (f *fakeMetadata) SetFrequency(_ context.Context, kbID, name string, freq uint64) error {
	f.frequencies[metaKey(kbID, name)] = freq
	return nil
}

func (f *fakeMetadata) GetEmotives(_ context.Context, kbID, name string) ([]datatypes.Emotive, error) {
	if e, ok := f.emotives[metaKey(kbID, name)]; ok {
		return e, nil
	}
	return []datatypes.Emotive{}, nil
}

func (f *fakeMetadata) SetEmotives(_ context.Context, kbID, name string, emotives []datatypes.Emotive) error {
	f.emotives[metaKey(kbID, name)] = emotives
	return nil
}

func (f *fakeMetadata) GetMetadata(_ context.Context, kbID, name string) (map[string]any, error) {
	if m, ok := f.metadata[metaKey(kbID, name)]; ok {
		return m, nil
	}
	return map[string]any{}, nil
}

func (f *fakeMetadata) SetMetadata(_ context.Context, kbID, name string, metadata map[string]any) error {
	f.metadata[metaKey(kbID, name)] = metadata
	return nil
}

func (f *fakeMetadata) BatchGetFrequencies(_ context.Context, kbID string, names []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(names))
	for _, name := range names {
		out[name] = f.frequencies[metaKey(kbID, name)]
	}
	return out, nil
}

func (f *fakeMetadata) BatchCheckPresence(_ context.Context, kbID, family string, names []string) (map[string]bool, error) {
	out := make(map[string]bool, len(names))
	for _, name := range names {
		switch family {
		case "emotives":
			out[name] = len(f.emotives[metaKey(kbID, name)]) > 0
		case "metadata":
			out[name] = len(f.metadata[metaKey(kbID, name)]) > 0
		}
	}
	return out, nil
}

func (f *fakeMetadata) DeleteMetadataBundle(_ context.Context, kbID, name string) (uint64, error) {
	if f.failDelete {
		return 0, datatypes.NewUpstreamError("redis", errors.New("connection reset"))
	}
	var deleted uint64
	key := metaKey(kbID, name)
	if _, ok := f.frequencies[key]; ok {
		delete(f.frequencies, key)
		deleted++
	}
	if _, ok := f.emotives[key]; ok {
		delete(f.emotives, key)
		deleted++
	}
	if _, ok := f.metadata[key]; ok {
		delete(f.metadata, key)
		deleted++
	}
	return deleted, nil
}

func (f *fakeMetadata) DeleteBundles(ctx context.Context, kbID string, names []string) (uint64, error) {
	if f.failDelete {
		return 0, datatypes.NewUpstreamError("redis", errors.New("connection reset"))
	}
	var total uint64
	for _, name := range names {
		n, _ := f.DeleteMetadataBundle(ctx, kbID, name)
		total += n
	}
	return total, nil
}

func (f *fakeMetadata) DeleteKB(_ context.Context, kbID string) (uint64, error) {
	if f.failDelete {
		return 0, datatypes.NewUpstreamError("redis", errors.New("connection reset"))
	}
	var total uint64
	prefix := kbID + "/"
	for key := range f.frequencies {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(f.frequencies, key)
			total++
		}
	}
	return total, nil
}

func (f *fakeMetadata) Ping(context.Context) error { return nil }

// =============================================================================
// Fixtures
// =============================================================================

const testKB = "node0_demo"

func pattern(kbID, name string, length uint32) datatypes.Pattern {
	return datatypes.Pattern{
		KBID:        kbID,
		Name:        name,
		PatternData: [][]string{{name}},
		Length:      length,
	}
}

func newTestRepository(t *testing.T) (*Repository, *fakeColumnar, *fakeMetadata) {
	t.Helper()
	columnar := newFakeColumnar()
	metadata := newFakeMetadata()
	return New(columnar, metadata, nil), columnar, metadata
}

// =============================================================================
// Frequency Ranking
// =============================================================================

func TestListPatternsByFrequencyRanksAndPaginates(t *testing.T) {
	repo, columnar, metadata := newTestRepository(t)
	ctx := context.Background()

	freqs := map[string]uint64{"A": 10, "B": 5, "C": 20, "D": 1, "E": 7}
	for name, freq := range freqs {
		columnar.add(pattern(testKB, name, 1))
		require.NoError(t, metadata.SetFrequency(ctx, testKB, name, freq))
	}

	// Descending rank is C, A, E, B, D; skip 1 limit 2 lands on A, E.
	page, err := repo.ListPatterns(ctx, testKB, 1, 2, SortFrequency, true)
	require.NoError(t, err)

	require.Len(t, page.Patterns, 2)
	assert.Equal(t, "A", page.Patterns[0].Name)
	assert.Equal(t, uint64(10), page.Patterns[0].Frequency)
	assert.Equal(t, "E", page.Patterns[1].Name)
	assert.Equal(t, uint64(7), page.Patterns[1].Frequency)
	assert.Equal(t, 5, page.Total)
	assert.True(t, page.HasMore)
}

func TestListPatternsByFrequencyAscending(t *testing.T) {
	repo, columnar, metadata := newTestRepository(t)
	ctx := context.Background()

	for name, freq := range map[string]uint64{"A": 10, "B": 5, "C": 20} {
		columnar.add(pattern(testKB, name, 1))
		require.NoError(t, metadata.SetFrequency(ctx, testKB, name, freq))
	}

	page, err := repo.ListPatterns(ctx, testKB, 0, 10, SortFrequency, false)
	require.NoError(t, err)

	var names []string
	for _, p := range page.Patterns {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"B", "A", "C"}, names)
	assert.False(t, page.HasMore)
}

func TestRankByFrequencyTiesBreakByName(t *testing.T) {
	names := []string{"ccc", "aaa", "bbb"}
	freqs := map[string]uint64{"aaa": 5, "bbb": 5, "ccc": 5}

	assert.Equal(t, []string{"aaa", "bbb", "ccc"}, RankByFrequency(names, freqs, true))
	assert.Equal(t, []string{"aaa", "bbb", "ccc"}, RankByFrequency(names, freqs, false))
}

func TestListPatternsNeverObservedRanksAsZero(t *testing.T) {
	repo, columnar, metadata := newTestRepository(t)
	ctx := context.Background()

	columnar.add(pattern(testKB, "observed", 1))
	columnar.add(pattern(testKB, "silent", 1))
	require.NoError(t, metadata.SetFrequency(ctx, testKB, "observed", 3))

	page, err := repo.ListPatterns(ctx, testKB, 0, 10, SortFrequency, true)
	require.NoError(t, err)

	require.Len(t, page.Patterns, 2)
	assert.Equal(t, "observed", page.Patterns[0].Name)
	assert.Equal(t, "silent", page.Patterns[1].Name)
	assert.Equal(t, uint64(0), page.Patterns[1].Frequency)
}

func TestListPatternsSkipPastEnd(t *testing.T) {
	repo, columnar, _ := newTestRepository(t)
	columnar.add(pattern(testKB, "only", 1))

	page, err := repo.ListPatterns(context.Background(), testKB, 10, 5, SortFrequency, true)
	require.NoError(t, err)
	assert.Empty(t, page.Patterns)
	assert.Equal(t, 1, page.Total)
	assert.False(t, page.HasMore)
}

func TestListPatternsValidation(t *testing.T) {
	repo, _, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.ListPatterns(ctx, testKB, -1, 10, SortFrequency, true)
	assert.ErrorIs(t, err, datatypes.ErrValidation)

	_, err = repo.ListPatterns(ctx, testKB, 0, MaxPageLimit+1, SortFrequency, true)
	assert.ErrorIs(t, err, datatypes.ErrValidation)

	_, err = repo.ListPatterns(ctx, testKB, 0, 10, "minhash_sig", true)
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestListPatternsByColumnarField(t *testing.T) {
	repo, columnar, metadata := newTestRepository(t)
	ctx := context.Background()

	columnar.add(pattern(testKB, "short", 2))
	columnar.add(pattern(testKB, "long", 9))
	require.NoError(t, metadata.SetFrequency(ctx, testKB, "long", 4))

	page, err := repo.ListPatterns(ctx, testKB, 0, 10, "length", true)
	require.NoError(t, err)

	require.Len(t, page.Patterns, 2)
	assert.Equal(t, "long", page.Patterns[0].Name)
	assert.Equal(t, uint64(4), page.Patterns[0].Frequency)
	assert.Equal(t, "short", page.Patterns[1].Name)
}

// =============================================================================
// Point Operations
// =============================================================================

func TestGetPatternMergesBothStores(t *testing.T) {
	repo, columnar, metadata := newTestRepository(t)
	ctx := context.Background()

	columnar.add(pattern(testKB, "abc", 3))
	require.NoError(t, metadata.SetFrequency(ctx, testKB, "abc", 7))
	require.NoError(t, metadata.SetEmotives(ctx, testKB, "abc", []datatypes.Emotive{{"joy": 0.5}}))

	p, err := repo.GetPattern(ctx, testKB, "abc")
	require.NoError(t, err)

	assert.Equal(t, uint64(7), p.Frequency)
	assert.Len(t, p.Emotives, 1)
	assert.True(t, p.HasEmotives)
	assert.False(t, p.HasMetadata)
	assert.NotNil(t, p.Metadata)
}

func TestGetPatternNotFound(t *testing.T) {
	repo, _, _ := newTestRepository(t)

	_, err := repo.GetPattern(context.Background(), testKB, "missing")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestUpdatePattern(t *testing.T) {
	repo, columnar, _ := newTestRepository(t)
	ctx := context.Background()

	columnar.add(pattern(testKB, "abc", 3))

	freq := uint64(42)
	updated, err := repo.UpdatePattern(ctx, testKB, "abc", datatypes.PatternUpdate{
		Frequency: &freq,
		Metadata:  map[string]any{"source": "manual"},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(42), updated.Frequency)
	assert.Equal(t, "manual", updated.Metadata["source"])
}

func TestUpdatePatternRejectsUnknownPattern(t *testing.T) {
	repo, _, metadata := newTestRepository(t)
	ctx := context.Background()

	freq := uint64(1)
	_, err := repo.UpdatePattern(ctx, testKB, "ghost", datatypes.PatternUpdate{Frequency: &freq})
	assert.ErrorIs(t, err, datatypes.ErrNotFound)

	// No orphan keys may have been minted.
	stored, err := metadata.GetFrequency(ctx, testKB, "ghost")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stored)
}

func TestUpdatePatternRejectsEmptyUpdate(t *testing.T) {
	repo, columnar, _ := newTestRepository(t)
	columnar.add(pattern(testKB, "abc", 3))

	_, err := repo.UpdatePattern(context.Background(), testKB, "abc", datatypes.PatternUpdate{})
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestDeletePatternBothStores(t *testing.T) {
	repo, columnar, metadata := newTestRepository(t)
	ctx := context.Background()

	columnar.add(pattern(testKB, "abc", 3))
	require.NoError(t, metadata.SetFrequency(ctx, testKB, "abc", 5))

	require.NoError(t, repo.DeletePattern(ctx, testKB, "abc"))

	_, err := repo.GetPattern(ctx, testKB, "abc")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestDeletePatternPartialFailure(t *testing.T) {
	repo, columnar, metadata := newTestRepository(t)
	ctx := context.Background()

	columnar.add(pattern(testKB, "abc", 3))
	require.NoError(t, metadata.SetFrequency(ctx, testKB, "abc", 5))
	metadata.failDelete = true

	err := repo.DeletePattern(ctx, testKB, "abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrPartialFailure)

	var partial *datatypes.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.NoError(t, partial.Columnar)
	assert.Error(t, partial.Metadata)
}

// =============================================================================
// Bulk Operations
// =============================================================================

func TestBulkDeleteReportsPerStoreCounts(t *testing.T) {
	repo, columnar, metadata := newTestRepository(t)
	ctx := context.Background()

	columnar.add(pattern(testKB, "aaa", 1))
	columnar.add(pattern(testKB, "bbb", 1))
	require.NoError(t, metadata.SetFrequency(ctx, testKB, "aaa", 1))

	report, err := repo.BulkDeletePatterns(ctx, testKB, []string{"aaa", "bbb", "ghost"})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, uint64(2), report.ColumnarDeleted)
	assert.Equal(t, uint64(1), report.MetadataDeleted)
	assert.True(t, report.Complete)
}

func TestBulkDeleteRecordsPartialFailure(t *testing.T) {
	repo, columnar, metadata := newTestRepository(t)
	ctx := context.Background()

	columnar.add(pattern(testKB, "aaa", 1))
	metadata.failDelete = true

	report, err := repo.BulkDeletePatterns(ctx, testKB, []string{"aaa"})
	require.NoError(t, err)

	assert.False(t, report.Complete)
	assert.Equal(t, uint64(1), report.ColumnarDeleted)
	assert.NotEmpty(t, report.MetadataError)
	assert.Empty(t, report.ColumnarError)
}

func TestBulkDeleteRejectsEmptyRequest(t *testing.T) {
	repo, _, _ := newTestRepository(t)

	_, err := repo.BulkDeletePatterns(context.Background(), testKB, nil)
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestDeleteKnowledgeBase(t *testing.T) {
	repo, columnar, metadata := newTestRepository(t)
	ctx := context.Background()

	columnar.add(pattern(testKB, "aaa", 1))
	columnar.add(pattern(testKB, "bbb", 1))
	require.NoError(t, metadata.SetFrequency(ctx, testKB, "aaa", 9))

	report, err := repo.DeleteKnowledgeBase(ctx, testKB)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), report.ColumnarDeleted)
	assert.Equal(t, uint64(1), report.MetadataDeleted)
	assert.True(t, report.Complete)

	kbs, err := repo.ListKnowledgeBases(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, kbs)
}

// =============================================================================
// Overview
// =============================================================================

func TestListKnowledgeBases(t *testing.T) {
	repo, columnar, _ := newTestRepository(t)

	columnar.add(pattern("node0_demo", "aaa", 1))
	columnar.add(pattern("node1_demo", "bbb", 1))

	infos, err := repo.ListKnowledgeBases(context.Background(), true)
	require.NoError(t, err)

	require.Len(t, infos, 2)
	assert.Equal(t, "node0_demo", infos[0].KBID)
	assert.Equal(t, uint64(1), infos[0].PatternsCount)
	require.NotNil(t, infos[0].Statistics)
	assert.Equal(t, uint64(1), infos[0].Statistics.TotalPatterns)
}
