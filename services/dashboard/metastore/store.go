// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metastore provides access to the mutable half of every
// pattern plus the per-kb symbol counters, all held in Redis.
//
// # Description
//
// The ingestion engine writes five key families per knowledge base and
// this adapter reads and updates them under the exact same shapes:
//
//	{kb}:frequency:{name}    plain integer, pattern observation count
//	{kb}:emotives:{name}     JSON list of emotion->value records
//	{kb}:metadata:{name}     JSON object, open schema
//	{kb}:symbol:freq:{sym}   plain integer, total symbol occurrences
//	{kb}:symbol:pmf:{sym}    plain integer, patterns containing symbol
//
// A missing frequency key reads as zero and missing documents read as
// empty; absence of mutable state is normal for a pattern that was
// ingested but never observed. Malformed JSON in a document key also
// degrades to empty with a warning log, so one corrupt value cannot
// take down a listing.
//
// # Failure Mapping
//
// Connectivity and server errors surface as datatypes.ErrUpstream
// wrapped with the store name. Key absence is never an error.
package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
	"github.com/redis/go-redis/v9"
)

// storeName tags upstream errors from this adapter.
const storeName = "redis"

// pipelineBatch bounds how many commands one pipeline round trip
// carries. Keeps single Exec calls from monopolizing the connection
// when a kb holds hundreds of thousands of patterns.
const pipelineBatch = 5000

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 1000

// =============================================================================
// Options & Construction
// =============================================================================

// Options configures the Redis connection.
type Options struct {
	// Addr is host:port, e.g. "redis:6379".
	Addr string

	// Password, empty when the server runs without AUTH.
	Password string

	// DB selects the logical database. Default: 0.
	DB int

	// DialTimeout bounds connection establishment. Default: 5s.
	DialTimeout time.Duration

	// ReadOnly rejects every write issued through this adapter.
	ReadOnly bool

	// Logger for adapter events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Store is the Redis-backed mutable-field adapter.
//
// Store is safe for concurrent use.
type Store struct {
	client   *redis.Client
	readOnly bool
	logger   *slog.Logger
}

// Open connects to Redis and verifies the connection with a ping.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("metastore: address is required")
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	store := NewWithClient(client, opts.ReadOnly, opts.Logger)

	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	opts.Logger.Info("metadata store connected",
		"addr", opts.Addr,
		"db", opts.DB,
		"read_only", opts.ReadOnly,
	)
	return store, nil
}

// NewWithClient wraps an existing client. Used by tests that run
// against an in-process server.
func NewWithClient(client *redis.Client, readOnly bool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, readOnly: readOnly, logger: logger}
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return datatypes.NewUpstreamError(storeName, err)
	}
	return nil
}

// Close releases the client's connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// ReadOnly reports whether writes are rejected.
func (s *Store) ReadOnly() bool { return s.readOnly }

// =============================================================================
// Key Shapes
// =============================================================================

// FrequencyKey returns {kb}:frequency:{name}.
func FrequencyKey(kbID, name string) string { return kbID + ":frequency:" + name }

// EmotivesKey returns {kb}:emotives:{name}.
func EmotivesKey(kbID, name string) string { return kbID + ":emotives:" + name }

// MetadataKey returns {kb}:metadata:{name}.
func MetadataKey(kbID, name string) string { return kbID + ":metadata:" + name }

// SymbolFreqKey returns {kb}:symbol:freq:{symbol}.
func SymbolFreqKey(kbID, symbol string) string { return kbID + ":symbol:freq:" + symbol }

// SymbolPMFKey returns {kb}:symbol:pmf:{symbol}.
func SymbolPMFKey(kbID, symbol string) string { return kbID + ":symbol:pmf:" + symbol }

// =============================================================================
// Per-Pattern Mutable Fields
// =============================================================================

// GetFrequency returns a pattern's observation count. A missing key is
// zero, not an error.
func (s *Store) GetFrequency(ctx context.Context, kbID, name string) (uint64, error) {
	freq, err := s.client.Get(ctx, FrequencyKey(kbID, name)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, datatypes.NewUpstreamError(storeName, err)
	}
	return freq, nil
}

// SetFrequency overwrites a pattern's observation count.
func (s *Store) SetFrequency(ctx context.Context, kbID, name string, frequency uint64) error {
	if s.readOnly {
		return fmt.Errorf("set frequency %s/%s: %w", kbID, name, datatypes.ErrReadOnly)
	}
	if err := s.client.Set(ctx, FrequencyKey(kbID, name), frequency, 0).Err(); err != nil {
		return datatypes.NewUpstreamError(storeName, err)
	}
	return nil
}

// GetEmotives returns a pattern's rolling emotive window. A missing key
// or a malformed document reads as empty; the malformed case is logged.
func (s *Store) GetEmotives(ctx context.Context, kbID, name string) ([]datatypes.Emotive, error) {
	raw, err := s.client.Get(ctx, EmotivesKey(kbID, name)).Result()
	if errors.Is(err, redis.Nil) {
		return []datatypes.Emotive{}, nil
	}
	if err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}

	var emotives []datatypes.Emotive
	if err := json.Unmarshal([]byte(raw), &emotives); err != nil {
		s.logger.Warn("malformed emotives document, serving empty",
			"kb_id", kbID, "name", name, "error", err)
		return []datatypes.Emotive{}, nil
	}
	if emotives == nil {
		emotives = []datatypes.Emotive{}
	}
	return emotives, nil
}

// SetEmotives replaces a pattern's emotive window wholesale.
func (s *Store) SetEmotives(ctx context.Context, kbID, name string, emotives []datatypes.Emotive) error {
	if s.readOnly {
		return fmt.Errorf("set emotives %s/%s: %w", kbID, name, datatypes.ErrReadOnly)
	}
	if emotives == nil {
		emotives = []datatypes.Emotive{}
	}
	encoded, err := json.Marshal(emotives)
	if err != nil {
		return fmt.Errorf("%w: encode emotives: %v", datatypes.ErrValidation, err)
	}
	if err := s.client.Set(ctx, EmotivesKey(kbID, name), encoded, 0).Err(); err != nil {
		return datatypes.NewUpstreamError(storeName, err)
	}
	return nil
}

// GetMetadata returns a pattern's metadata document. A missing key or a
// malformed document reads as empty; the malformed case is logged.
func (s *Store) GetMetadata(ctx context.Context, kbID, name string) (map[string]any, error) {
	raw, err := s.client.Get(ctx, MetadataKey(kbID, name)).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}

	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		s.logger.Warn("malformed metadata document, serving empty",
			"kb_id", kbID, "name", name, "error", err)
		return map[string]any{}, nil
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return metadata, nil
}

// SetMetadata replaces a pattern's metadata document wholesale.
func (s *Store) SetMetadata(ctx context.Context, kbID, name string, metadata map[string]any) error {
	if s.readOnly {
		return fmt.Errorf("set metadata %s/%s: %w", kbID, name, datatypes.ErrReadOnly)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %v", datatypes.ErrValidation, err)
	}
	if err := s.client.Set(ctx, MetadataKey(kbID, name), encoded, 0).Err(); err != nil {
		return datatypes.NewUpstreamError(storeName, err)
	}
	return nil
}

// =============================================================================
// Batch Reads
// =============================================================================

// BatchGetFrequencies fetches frequencies for many patterns in
// pipelined round trips. Every requested name appears in the result;
// missing keys map to zero. This is the single batched call the
// rank-by-frequency listing depends on.
func (s *Store) BatchGetFrequencies(ctx context.Context, kbID string, names []string) (map[string]uint64, error) {
	frequencies := make(map[string]uint64, len(names))

	for start := 0; start < len(names); start += pipelineBatch {
		end := min(start+pipelineBatch, len(names))
		chunk := names[start:end]

		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringCmd, len(chunk))
		for i, name := range chunk {
			cmds[i] = pipe.Get(ctx, FrequencyKey(kbID, name))
		}
		// Exec reports redis.Nil when any key is absent; absence is the
		// normal case here and handled per command.
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, datatypes.NewUpstreamError(storeName, err)
		}

		for i, cmd := range cmds {
			freq, err := cmd.Uint64()
			if errors.Is(err, redis.Nil) {
				frequencies[chunk[i]] = 0
				continue
			}
			if err != nil {
				return nil, datatypes.NewUpstreamError(storeName, err)
			}
			frequencies[chunk[i]] = freq
		}
	}
	return frequencies, nil
}

// BatchCheckPresence reports which patterns have a non-empty document
// under the given key family ("emotives" or "metadata"). Used by list
// views to set presence flags without hydrating the documents.
func (s *Store) BatchCheckPresence(ctx context.Context, kbID, family string, names []string) (map[string]bool, error) {
	var keyFunc func(kbID, name string) string
	switch family {
	case "emotives":
		keyFunc = EmotivesKey
	case "metadata":
		keyFunc = MetadataKey
	default:
		return nil, fmt.Errorf("%w: unknown document family %q", datatypes.ErrValidation, family)
	}

	present := make(map[string]bool, len(names))
	for start := 0; start < len(names); start += pipelineBatch {
		end := min(start+pipelineBatch, len(names))
		chunk := names[start:end]

		pipe := s.client.Pipeline()
		cmds := make([]*redis.IntCmd, len(chunk))
		for i, name := range chunk {
			cmds[i] = pipe.Exists(ctx, keyFunc(kbID, name))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, datatypes.NewUpstreamError(storeName, err)
		}

		for i, cmd := range cmds {
			n, err := cmd.Result()
			if err != nil {
				return nil, datatypes.NewUpstreamError(storeName, err)
			}
			present[chunk[i]] = n > 0
		}
	}
	return present, nil
}

// =============================================================================
// Symbol Counters
// =============================================================================

// ListSymbols scans the symbol namespace of a kb and returns up to max
// symbol names. The bound keeps a pathological kb from loading an
// unbounded key set into one snapshot.
func (s *Store) ListSymbols(ctx context.Context, kbID string, max int) ([]string, error) {
	prefix := kbID + ":symbol:freq:"
	match := prefix + "*"

	var symbols []string
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, datatypes.NewUpstreamError(storeName, err)
		}
		// SCAN may return the same key in more than one iteration.
		symbols = appendNewSymbols(symbols, seen, prefix, keys)
		if max > 0 && len(symbols) >= max {
			symbols = symbols[:max]
			s.logger.Warn("symbol scan truncated at cap",
				"kb_id", kbID, "max_symbols", max)
			return symbols, nil
		}
		cursor = next
		if cursor == 0 {
			return symbols, nil
		}
	}
}

// appendNewSymbols trims the key prefix and appends each symbol name
// not yet seen.
func appendNewSymbols(symbols []string, seen map[string]struct{}, prefix string, keys []string) []string {
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		symbols = append(symbols, name)
	}
	return symbols
}

// SymbolCounters fetches the freq and pmf counters for a set of symbols
// in paired pipelined reads. Missing counters map to zero.
func (s *Store) SymbolCounters(ctx context.Context, kbID string, symbols []string) (freqs, pmfs map[string]uint64, err error) {
	freqs = make(map[string]uint64, len(symbols))
	pmfs = make(map[string]uint64, len(symbols))

	for start := 0; start < len(symbols); start += pipelineBatch {
		end := min(start+pipelineBatch, len(symbols))
		chunk := symbols[start:end]

		pipe := s.client.Pipeline()
		freqCmds := make([]*redis.StringCmd, len(chunk))
		pmfCmds := make([]*redis.StringCmd, len(chunk))
		for i, symbol := range chunk {
			freqCmds[i] = pipe.Get(ctx, SymbolFreqKey(kbID, symbol))
			pmfCmds[i] = pipe.Get(ctx, SymbolPMFKey(kbID, symbol))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, nil, datatypes.NewUpstreamError(storeName, err)
		}

		for i, symbol := range chunk {
			if freq, err := freqCmds[i].Uint64(); err == nil {
				freqs[symbol] = freq
			} else if !errors.Is(err, redis.Nil) {
				return nil, nil, datatypes.NewUpstreamError(storeName, err)
			}
			if pmf, err := pmfCmds[i].Uint64(); err == nil {
				pmfs[symbol] = pmf
			} else if !errors.Is(err, redis.Nil) {
				return nil, nil, datatypes.NewUpstreamError(storeName, err)
			}
		}
	}
	return freqs, pmfs, nil
}

// HasSymbols reports whether the kb has any symbol counters at all.
func (s *Store) HasSymbols(ctx context.Context, kbID string) (bool, error) {
	keys, _, err := s.client.Scan(ctx, 0, kbID+":symbol:freq:*", 1).Result()
	if err != nil {
		return false, datatypes.NewUpstreamError(storeName, err)
	}
	return len(keys) > 0, nil
}

// =============================================================================
// Deletes
// =============================================================================

// DeleteMetadataBundle removes the three mutable keys of one pattern
// and returns how many existed.
func (s *Store) DeleteMetadataBundle(ctx context.Context, kbID, name string) (uint64, error) {
	if s.readOnly {
		return 0, fmt.Errorf("delete metadata %s/%s: %w", kbID, name, datatypes.ErrReadOnly)
	}
	deleted, err := s.client.Del(ctx,
		FrequencyKey(kbID, name),
		EmotivesKey(kbID, name),
		MetadataKey(kbID, name),
	).Result()
	if err != nil {
		return 0, datatypes.NewUpstreamError(storeName, err)
	}
	return uint64(deleted), nil
}

// DeleteBundles removes the mutable keys of many patterns in pipelined
// round trips and returns the total number of keys removed.
func (s *Store) DeleteBundles(ctx context.Context, kbID string, names []string) (uint64, error) {
	if s.readOnly {
		return 0, fmt.Errorf("bulk delete metadata in %s: %w", kbID, datatypes.ErrReadOnly)
	}

	var total uint64
	for start := 0; start < len(names); start += pipelineBatch {
		end := min(start+pipelineBatch, len(names))
		chunk := names[start:end]

		pipe := s.client.Pipeline()
		cmds := make([]*redis.IntCmd, len(chunk))
		for i, name := range chunk {
			cmds[i] = pipe.Del(ctx,
				FrequencyKey(kbID, name),
				EmotivesKey(kbID, name),
				MetadataKey(kbID, name),
			)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return total, datatypes.NewUpstreamError(storeName, err)
		}
		for _, cmd := range cmds {
			n, err := cmd.Result()
			if err != nil {
				return total, datatypes.NewUpstreamError(storeName, err)
			}
			total += uint64(n)
		}
	}
	return total, nil
}

// DeleteKB removes every key under the kb namespace, symbol counters
// included, and returns the number of keys removed.
func (s *Store) DeleteKB(ctx context.Context, kbID string) (uint64, error) {
	if s.readOnly {
		return 0, fmt.Errorf("delete kb %s: %w", kbID, datatypes.ErrReadOnly)
	}

	total, err := s.deleteMatching(ctx, kbID+":*")
	if err != nil {
		return total, err
	}
	s.logger.Info("deleted kb namespace from metadata store",
		"kb_id", kbID, "keys", total)
	return total, nil
}

// keyFamilies are the key kinds DeleteByPrefix accepts, matching the
// five families the ingestion engine writes.
var keyFamilies = map[string]struct{}{
	"frequency":   {},
	"emotives":    {},
	"metadata":    {},
	"symbol:freq": {},
	"symbol:pmf":  {},
}

// DeleteByPrefix removes every key of one family under the kb namespace
// and returns the number of keys removed.
func (s *Store) DeleteByPrefix(ctx context.Context, kbID, family string) (uint64, error) {
	if _, ok := keyFamilies[family]; !ok {
		return 0, fmt.Errorf("%w: unknown key family %q", datatypes.ErrValidation, family)
	}
	if s.readOnly {
		return 0, fmt.Errorf("delete %s keys in %s: %w", family, kbID, datatypes.ErrReadOnly)
	}

	total, err := s.deleteMatching(ctx, kbID+":"+family+":*")
	if err != nil {
		return total, err
	}
	s.logger.Info("deleted key family from metadata store",
		"kb_id", kbID, "family", family, "keys", total)
	return total, nil
}

// deleteMatching scans and deletes keys matching the glob. Uses SCAN
// rather than KEYS so the server is never blocked on one huge reply.
func (s *Store) deleteMatching(ctx context.Context, match string) (uint64, error) {
	var total uint64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return total, datatypes.NewUpstreamError(storeName, err)
		}
		if len(keys) > 0 {
			deleted, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return total, datatypes.NewUpstreamError(storeName, err)
			}
			total += uint64(deleted)
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// =============================================================================
// Introspection
// =============================================================================

// ScanKeys returns up to limit keys matching the glob pattern. Serves
// the dashboard's key-browser endpoint.
func (s *Store) ScanKeys(ctx context.Context, match string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, datatypes.NewUpstreamError(storeName, err)
		}
		for _, key := range batch {
			keys = append(keys, key)
			if len(keys) >= limit {
				return keys, nil
			}
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// ServerInfo returns the parsed INFO reply as flat key-value pairs.
func (s *Store) ServerInfo(ctx context.Context) (map[string]string, error) {
	raw, err := s.client.Info(ctx).Result()
	if err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}

	info := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if key, value, found := strings.Cut(line, ":"); found {
			info[key] = value
		}
	}
	return info, nil
}
