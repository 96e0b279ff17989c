// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package symbolstats

import (
	"context"
	"testing"
	"time"

	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock steps time manually.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

// fakeSource is an in-memory SymbolSource that counts loads.
type fakeSource struct {
	freqs map[string]map[string]uint64 // kb -> symbol -> freq
	pmfs  map[string]map[string]uint64

	listCalls int
}

var _ SymbolSource = (*fakeSource)(nil)

func (f *fakeSource) ListSymbols(_ context.Context, kbID string, max int) ([]string, error) {
	f.listCalls++
	var names []string
	for name := range f.freqs[kbID] {
		if max > 0 && len(names) >= max {
			break
		}
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeSource) SymbolCounters(_ context.Context, kbID string, symbols []string) (map[string]uint64, map[string]uint64, error) {
	freqs := map[string]uint64{}
	pmfs := map[string]uint64{}
	for _, s := range symbols {
		freqs[s] = f.freqs[kbID][s]
		pmfs[s] = f.pmfs[kbID][s]
	}
	return freqs, pmfs, nil
}

func (f *fakeSource) HasSymbols(_ context.Context, kbID string) (bool, error) {
	return len(f.freqs[kbID]) > 0, nil
}

func newTestCache(t *testing.T) (*Cache, *fakeSource, *fakeClock) {
	t.Helper()
	source := &fakeSource{
		freqs: map[string]map[string]uint64{
			"node0_demo": {"cat": 12, "dog": 3, "bird": 12, "ant": 1},
		},
		pmfs: map[string]map[string]uint64{
			"node0_demo": {"cat": 4, "dog": 3, "bird": 6, "ant": 0},
		},
	}
	clock := &fakeClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	cache := New(source, Options{TTL: 5 * time.Minute, Clock: clock})
	return cache, source, clock
}

func TestGetSymbolsSortsByFrequencyWithNameTieBreak(t *testing.T) {
	cache, _, _ := newTestCache(t)

	page, err := cache.GetSymbols(context.Background(), "node0_demo", 0, 10, "frequency", true, "")
	require.NoError(t, err)

	var names []string
	for _, s := range page.Symbols {
		names = append(names, s.Name)
	}
	// bird and cat tie at 12; bird wins by name.
	assert.Equal(t, []string{"bird", "cat", "dog", "ant"}, names)
	assert.Equal(t, 4, page.Total)
}

func TestGetSymbolsRatio(t *testing.T) {
	cache, _, _ := newTestCache(t)

	page, err := cache.GetSymbols(context.Background(), "node0_demo", 0, 10, "ratio", true, "")
	require.NoError(t, err)

	require.NotEmpty(t, page.Symbols)
	// cat: 12/4 = 3.0 is the highest ratio; ant has pmf 0 so ratio 0.
	assert.Equal(t, "cat", page.Symbols[0].Name)
	assert.Equal(t, 3.0, page.Symbols[0].Ratio)
	assert.Equal(t, "ant", page.Symbols[len(page.Symbols)-1].Name)
	assert.Equal(t, 0.0, page.Symbols[len(page.Symbols)-1].Ratio)
}

func TestGetSymbolsSearchFiltersBeforePaging(t *testing.T) {
	cache, _, _ := newTestCache(t)

	page, err := cache.GetSymbols(context.Background(), "node0_demo", 0, 10, "name", false, "b")
	require.NoError(t, err)

	require.Len(t, page.Symbols, 1)
	assert.Equal(t, "bird", page.Symbols[0].Name)
	assert.Equal(t, 1, page.Total)
}

func TestGetSymbolsPaginates(t *testing.T) {
	cache, _, _ := newTestCache(t)

	page, err := cache.GetSymbols(context.Background(), "node0_demo", 1, 2, "name", false, "")
	require.NoError(t, err)

	var names []string
	for _, s := range page.Symbols {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"bird", "cat"}, names)
	assert.True(t, page.HasMore)
}

func TestGetSymbolsRejectsUnknownSortField(t *testing.T) {
	cache, _, _ := newTestCache(t)

	_, err := cache.GetSymbols(context.Background(), "node0_demo", 0, 10, "entropy", true, "")
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestSnapshotServedWithinTTL(t *testing.T) {
	cache, source, clock := newTestCache(t)
	ctx := context.Background()

	_, err := cache.GetSymbols(ctx, "node0_demo", 0, 10, "frequency", true, "")
	require.NoError(t, err)
	assert.Equal(t, 1, source.listCalls)

	// Counters change upstream; the snapshot keeps serving the old view.
	source.freqs["node0_demo"]["cat"] = 999
	clock.Advance(4 * time.Minute)

	page, err := cache.GetSymbols(ctx, "node0_demo", 0, 1, "frequency", true, "")
	require.NoError(t, err)
	assert.Equal(t, 1, source.listCalls)
	assert.Equal(t, "bird", page.Symbols[0].Name)
}

func TestSnapshotReloadsAfterTTL(t *testing.T) {
	cache, source, clock := newTestCache(t)
	ctx := context.Background()

	_, err := cache.GetSymbols(ctx, "node0_demo", 0, 10, "frequency", true, "")
	require.NoError(t, err)

	source.freqs["node0_demo"]["cat"] = 999
	clock.Advance(6 * time.Minute)

	page, err := cache.GetSymbols(ctx, "node0_demo", 0, 1, "frequency", true, "")
	require.NoError(t, err)
	assert.Equal(t, 2, source.listCalls)
	assert.Equal(t, "cat", page.Symbols[0].Name)
	assert.Equal(t, uint64(999), page.Symbols[0].Frequency)
}

func TestInvalidateForcesReload(t *testing.T) {
	cache, source, _ := newTestCache(t)
	ctx := context.Background()

	_, err := cache.GetSymbols(ctx, "node0_demo", 0, 10, "frequency", true, "")
	require.NoError(t, err)

	cache.Invalidate("node0_demo")

	_, err = cache.GetSymbols(ctx, "node0_demo", 0, 10, "frequency", true, "")
	require.NoError(t, err)
	assert.Equal(t, 2, source.listCalls)
}

func TestGetStatistics(t *testing.T) {
	cache, _, _ := newTestCache(t)

	stats, err := cache.GetStatistics(context.Background(), "node0_demo")
	require.NoError(t, err)

	assert.Equal(t, 4, stats.TotalSymbols)
	assert.Equal(t, uint64(12), stats.MaxFrequency)
	assert.Equal(t, uint64(6), stats.MaxPatternMemberFrequency)
	assert.InDelta(t, 7.0, stats.AvgFrequency, 0.001) // (12+3+12+1)/4
	require.NotEmpty(t, stats.TopSymbols)
	assert.Equal(t, "bird", stats.TopSymbols[0].Name)
}

func TestGetStatisticsEmptyKB(t *testing.T) {
	cache, _, _ := newTestCache(t)

	stats, err := cache.GetStatistics(context.Background(), "node9_empty")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalSymbols)
	assert.Empty(t, stats.TopSymbols)
}

func TestSymbolNamesServedFromSnapshot(t *testing.T) {
	cache, source, _ := newTestCache(t)
	ctx := context.Background()

	names, err := cache.SymbolNames(ctx, "node0_demo")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ant", "bird", "cat", "dog"}, names)

	// A second read within the TTL must not reload.
	_, err = cache.SymbolNames(ctx, "node0_demo")
	require.NoError(t, err)
	assert.Equal(t, 1, source.listCalls)
}

func TestKBsWithSymbols(t *testing.T) {
	cache, _, _ := newTestCache(t)

	kbs, err := cache.KBsWithSymbols(context.Background(),
		[]string{"node0_demo", "node9_empty"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node0_demo"}, kbs)
}
