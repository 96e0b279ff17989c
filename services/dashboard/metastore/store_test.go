// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metastore

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, readOnly bool) (*Store, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, readOnly, nil), server
}

func TestGetFrequencyMissingIsZero(t *testing.T) {
	store, _ := newTestStore(t, false)

	freq, err := store.GetFrequency(context.Background(), "node0_demo", "abc")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), freq)
}

func TestSetGetFrequency(t *testing.T) {
	store, _ := newTestStore(t, false)
	ctx := context.Background()

	require.NoError(t, store.SetFrequency(ctx, "node0_demo", "abc", 17))

	freq, err := store.GetFrequency(ctx, "node0_demo", "abc")
	require.NoError(t, err)
	assert.Equal(t, uint64(17), freq)
}

func TestEmotivesRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, false)
	ctx := context.Background()

	in := []datatypes.Emotive{{"joy": 0.9}, {"joy": 0.4, "fear": 0.1}}
	require.NoError(t, store.SetEmotives(ctx, "node0_demo", "abc", in))

	out, err := store.GetEmotives(ctx, "node0_demo", "abc")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMalformedEmotivesDegradeToEmpty(t *testing.T) {
	store, server := newTestStore(t, false)
	server.Set(EmotivesKey("node0_demo", "abc"), "{not json")

	out, err := store.GetEmotives(context.Background(), "node0_demo", "abc")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMetadataRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, false)
	ctx := context.Background()

	in := map[string]any{"source": "manual", "weight": 2.5}
	require.NoError(t, store.SetMetadata(ctx, "node0_demo", "abc", in))

	out, err := store.GetMetadata(ctx, "node0_demo", "abc")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMalformedMetadataDegradesToEmpty(t *testing.T) {
	store, server := newTestStore(t, false)
	server.Set(MetadataKey("node0_demo", "abc"), "[]")

	out, err := store.GetMetadata(context.Background(), "node0_demo", "abc")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := context.Background()

	err := store.SetFrequency(ctx, "node0_demo", "abc", 1)
	assert.ErrorIs(t, err, datatypes.ErrReadOnly)

	err = store.SetEmotives(ctx, "node0_demo", "abc", nil)
	assert.ErrorIs(t, err, datatypes.ErrReadOnly)

	err = store.SetMetadata(ctx, "node0_demo", "abc", nil)
	assert.ErrorIs(t, err, datatypes.ErrReadOnly)

	_, err = store.DeleteMetadataBundle(ctx, "node0_demo", "abc")
	assert.ErrorIs(t, err, datatypes.ErrReadOnly)

	_, err = store.DeleteKB(ctx, "node0_demo")
	assert.ErrorIs(t, err, datatypes.ErrReadOnly)
}

func TestBatchGetFrequencies(t *testing.T) {
	store, server := newTestStore(t, false)
	server.Set(FrequencyKey("node0_demo", "aaa"), "10")
	server.Set(FrequencyKey("node0_demo", "ccc"), "20")

	freqs, err := store.BatchGetFrequencies(context.Background(), "node0_demo",
		[]string{"aaa", "bbb", "ccc"})
	require.NoError(t, err)

	assert.Equal(t, map[string]uint64{"aaa": 10, "bbb": 0, "ccc": 20}, freqs)
}

func TestBatchCheckPresence(t *testing.T) {
	store, server := newTestStore(t, false)
	server.Set(EmotivesKey("node0_demo", "aaa"), `[{"joy":1}]`)

	present, err := store.BatchCheckPresence(context.Background(), "node0_demo",
		"emotives", []string{"aaa", "bbb"})
	require.NoError(t, err)
	assert.True(t, present["aaa"])
	assert.False(t, present["bbb"])

	_, err = store.BatchCheckPresence(context.Background(), "node0_demo",
		"frequency", []string{"aaa"})
	assert.True(t, errors.Is(err, datatypes.ErrValidation))
}

func TestSymbolCounters(t *testing.T) {
	store, server := newTestStore(t, false)
	server.Set(SymbolFreqKey("node0_demo", "cat"), "12")
	server.Set(SymbolPMFKey("node0_demo", "cat"), "4")
	server.Set(SymbolFreqKey("node0_demo", "dog"), "3")

	freqs, pmfs, err := store.SymbolCounters(context.Background(), "node0_demo",
		[]string{"cat", "dog"})
	require.NoError(t, err)

	assert.Equal(t, uint64(12), freqs["cat"])
	assert.Equal(t, uint64(4), pmfs["cat"])
	assert.Equal(t, uint64(3), freqs["dog"])
	assert.Equal(t, uint64(0), pmfs["dog"])
}

func TestListSymbolsRespectsCap(t *testing.T) {
	store, server := newTestStore(t, false)
	server.Set(SymbolFreqKey("node0_demo", "a"), "1")
	server.Set(SymbolFreqKey("node0_demo", "b"), "1")
	server.Set(SymbolFreqKey("node0_demo", "c"), "1")

	symbols, err := store.ListSymbols(context.Background(), "node0_demo", 2)
	require.NoError(t, err)
	assert.Len(t, symbols, 2)

	all, err := store.ListSymbols(context.Background(), "node0_demo", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAppendNewSymbolsDropsDuplicateKeys(t *testing.T) {
	// SCAN can hand back the same key in different cursor batches; the
	// symbol list must stay unique across batches.
	prefix := "node0_demo:symbol:freq:"
	seen := map[string]struct{}{}

	symbols := appendNewSymbols(nil, seen, prefix, []string{prefix + "cat", prefix + "dog"})
	symbols = appendNewSymbols(symbols, seen, prefix, []string{prefix + "dog", prefix + "emu"})

	assert.Equal(t, []string{"cat", "dog", "emu"}, symbols)
}

func TestDeleteMetadataBundle(t *testing.T) {
	store, server := newTestStore(t, false)
	server.Set(FrequencyKey("node0_demo", "abc"), "5")
	server.Set(MetadataKey("node0_demo", "abc"), "{}")

	deleted, err := store.DeleteMetadataBundle(context.Background(), "node0_demo", "abc")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), deleted)
	assert.False(t, server.Exists(FrequencyKey("node0_demo", "abc")))
}

func TestDeleteKBScopesToNamespace(t *testing.T) {
	store, server := newTestStore(t, false)
	server.Set(FrequencyKey("node0_demo", "abc"), "5")
	server.Set(SymbolFreqKey("node0_demo", "cat"), "1")
	server.Set(FrequencyKey("node1_demo", "xyz"), "9")

	deleted, err := store.DeleteKB(context.Background(), "node0_demo")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), deleted)

	assert.False(t, server.Exists(FrequencyKey("node0_demo", "abc")))
	assert.True(t, server.Exists(FrequencyKey("node1_demo", "xyz")))
}

func TestDeleteByPrefixScopesToFamily(t *testing.T) {
	store, server := newTestStore(t, false)
	server.Set(FrequencyKey("node0_demo", "abc"), "5")
	server.Set(FrequencyKey("node0_demo", "def"), "7")
	server.Set(MetadataKey("node0_demo", "abc"), "{}")
	server.Set(FrequencyKey("node1_demo", "xyz"), "9")

	deleted, err := store.DeleteByPrefix(context.Background(), "node0_demo", "frequency")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), deleted)

	assert.True(t, server.Exists(MetadataKey("node0_demo", "abc")))
	assert.True(t, server.Exists(FrequencyKey("node1_demo", "xyz")))
}

func TestDeleteByPrefixRejectsUnknownFamily(t *testing.T) {
	store, _ := newTestStore(t, false)

	_, err := store.DeleteByPrefix(context.Background(), "node0_demo", "bogus")
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestDeleteByPrefixReadOnly(t *testing.T) {
	store, server := newTestStore(t, true)
	server.Set(FrequencyKey("node0_demo", "abc"), "5")

	_, err := store.DeleteByPrefix(context.Background(), "node0_demo", "frequency")
	assert.ErrorIs(t, err, datatypes.ErrReadOnly)
	assert.True(t, server.Exists(FrequencyKey("node0_demo", "abc")))
}

func TestScanKeysHonorsLimit(t *testing.T) {
	store, server := newTestStore(t, false)
	server.Set("node0_demo:frequency:a", "1")
	server.Set("node0_demo:frequency:b", "1")
	server.Set("node0_demo:frequency:c", "1")

	keys, err := store.ScanKeys(context.Background(), "node0_demo:frequency:*", 2)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestServerInfoParsesSections(t *testing.T) {
	store, _ := newTestStore(t, false)

	info, err := store.ServerInfo(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, info)
}
