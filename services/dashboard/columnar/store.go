// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package columnar provides read/write access to the immutable pattern
// records stored in ClickHouse.
//
// # Description
//
// Every pattern's write-once core lives in one wide table partitioned
// by kb_id; every query this adapter issues filters on kb_id so
// ClickHouse partition pruning applies. The adapter supports exactly
// the access paths the hybrid repository needs:
//
//   - name-only projection of a whole partition (rank-by-frequency
//     listing, hierarchy intersection)
//   - range query with a small fixed set of sortable columns
//   - point lookup by name
//   - predicate deletes (single, batch, whole partition)
//   - partition-scoped count and aggregates
//
// Frequency is NOT here: ClickHouse cannot sort by a field it does not
// hold, which is the reason the repository exists.
//
// # Mutations
//
// Deletes use ALTER TABLE ... DELETE, which is asynchronous inside
// ClickHouse. In read-only mode all deletes are rejected with
// datatypes.ErrReadOnly before touching the server.
//
// # Failure Mapping
//
//   - server/connectivity failure -> datatypes.ErrUpstream (wrapped
//     with the store name)
//   - missing partition or name   -> empty result / ErrNotFound, never
//     an upstream error
package columnar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
	"github.com/latticeworks/latticeboard/services/dashboard/observability"
)

// storeName tags upstream errors from this adapter.
const storeName = "clickhouse"

// sortColumns is the closed set of sortable columns. Frequency is
// deliberately absent; the repository handles it client-side.
var sortColumns = map[string]string{
	"length":      "length",
	"name":        "name",
	"token_count": "token_count",
	"created_at":  "created_at",
	"updated_at":  "updated_at",
}

// patternColumns is the full projection used by page and point reads.
const patternColumns = `kb_id, name, pattern_data, length, token_set, token_count,
	minhash_sig, lsh_bands, first_token, last_token, created_at, updated_at`

// =============================================================================
// Options & Construction
// =============================================================================

// Options configures the ClickHouse connection.
type Options struct {
	// Addr is the native-protocol host:port, e.g. "clickhouse:9000".
	Addr string

	// Database holding the patterns table. Default: "lattice".
	Database string

	// Username and Password for the connection. Default user: "default".
	Username string
	Password string

	// Table is the patterns table name. Default: "patterns_data".
	Table string

	// DialTimeout bounds connection establishment. Default: 10s.
	DialTimeout time.Duration

	// ReadOnly rejects every delete issued through this adapter.
	ReadOnly bool

	// Logger for adapter events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Store is the ClickHouse-backed columnar adapter.
//
// Store is safe for concurrent use; the underlying driver pools
// connections internally.
type Store struct {
	conn     driver.Conn
	database string
	table    string
	readOnly bool
	logger   *slog.Logger
}

// Open connects to ClickHouse and verifies the connection with a ping.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("columnar: address is required")
	}
	if opts.Database == "" {
		opts.Database = "lattice"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "patterns_data"
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}

	store := &Store{
		conn:     conn,
		database: opts.Database,
		table:    opts.Table,
		readOnly: opts.ReadOnly,
		logger:   opts.Logger,
	}

	if err := store.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	opts.Logger.Info("columnar store connected",
		"addr", opts.Addr,
		"database", opts.Database,
		"table", opts.Table,
		"read_only", opts.ReadOnly,
	)
	return store, nil
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return datatypes.NewUpstreamError(storeName, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// ReadOnly reports whether deletes are rejected.
func (s *Store) ReadOnly() bool { return s.readOnly }

// qualified returns the database-qualified table name.
func (s *Store) qualified() string {
	return s.database + "." + s.table
}

// =============================================================================
// Reads
// =============================================================================

// Count returns the number of patterns in the kb partition. A missing
// partition counts as zero, not an error.
func (s *Store) Count(ctx context.Context, kbID string) (uint64, error) {
	query := fmt.Sprintf("SELECT count() FROM %s WHERE kb_id = ?", s.qualified())

	var count uint64
	if err := s.conn.QueryRow(ctx, query, kbID).Scan(&count); err != nil {
		return 0, datatypes.NewUpstreamError(storeName, err)
	}
	return count, nil
}

// ListNames returns every pattern name in the kb partition, ordered by
// name. This is the cheap name-only projection the rank-by-frequency
// listing and the hierarchy intersection are built on; it scans the
// whole partition but moves a single column.
func (s *Store) ListNames(ctx context.Context, kbID string) ([]string, error) {
	query := fmt.Sprintf("SELECT name FROM %s WHERE kb_id = ? ORDER BY name", s.qualified())

	rows, err := s.conn.Query(ctx, query, kbID)
	if err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, datatypes.NewUpstreamError(storeName, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}
	return names, nil
}

// QueryPage returns one page of full pattern records ordered by a
// native columnar sort field. sortBy must be one of length, name,
// token_count, created_at, updated_at; anything else (including
// frequency, which this store does not hold) is a validation error.
func (s *Store) QueryPage(ctx context.Context, kbID string, skip, limit int, sortBy string, descending bool) ([]datatypes.Pattern, error) {
	column, ok := sortColumns[sortBy]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported columnar sort field %q", datatypes.ErrValidation, sortBy)
	}
	direction := "ASC"
	if descending {
		direction = "DESC"
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE kb_id = ? ORDER BY %s %s LIMIT ? OFFSET ?`,
		patternColumns, s.qualified(), column, direction)

	rows, err := s.conn.Query(ctx, query, kbID, limit, skip)
	if err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}
	defer rows.Close()

	var patterns []datatypes.Pattern
	for rows.Next() {
		pattern, err := scanPattern(rows)
		if err != nil {
			return nil, datatypes.NewUpstreamError(storeName, err)
		}
		patterns = append(patterns, pattern)
	}
	if err := rows.Err(); err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}
	return patterns, nil
}

// GetByName returns the immutable core of a single pattern, or
// datatypes.ErrNotFound when the partition has no such name.
func (s *Store) GetByName(ctx context.Context, kbID, name string) (*datatypes.Pattern, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE kb_id = ? AND name = ? LIMIT 1",
		patternColumns, s.qualified())

	rows, err := s.conn.Query(ctx, query, kbID, name)
	if err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, datatypes.NewUpstreamError(storeName, err)
		}
		return nil, fmt.Errorf("%w: pattern %s/%s", datatypes.ErrNotFound, kbID, name)
	}
	pattern, err := scanPattern(rows)
	if err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}
	return &pattern, nil
}

// GetByNames returns the immutable cores of a batch of patterns in a
// single query. Missing names are silently absent from the result; the
// caller decides whether absence matters. Order is not guaranteed.
func (s *Store) GetByNames(ctx context.Context, kbID string, names []string) ([]datatypes.Pattern, error) {
	if len(names) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE kb_id = ? AND name IN (?)",
		patternColumns, s.qualified())

	rows, err := s.conn.Query(ctx, query, kbID, names)
	if err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}
	defer rows.Close()

	var patterns []datatypes.Pattern
	for rows.Next() {
		pattern, err := scanPattern(rows)
		if err != nil {
			return nil, datatypes.NewUpstreamError(storeName, err)
		}
		patterns = append(patterns, pattern)
	}
	if err := rows.Err(); err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}
	return patterns, nil
}

// ReferenceIndex scans a whole partition's pattern data and returns
// each pattern's embedded cross-level references in slot order.
// Patterns without references are omitted.
//
// This is a full partition scan of the pattern_data column; there is no
// reverse index from a referenced name to its containers. The hierarchy
// and composition engines both accept that as their dominant cost.
func (s *Store) ReferenceIndex(ctx context.Context, kbID string) (map[string][]string, error) {
	query := fmt.Sprintf("SELECT name, pattern_data FROM %s WHERE kb_id = ?", s.qualified())

	rows, err := s.conn.Query(ctx, query, kbID)
	if err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}
	defer rows.Close()

	index := make(map[string][]string)
	scanned := 0
	for rows.Next() {
		var name string
		var data [][]string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, datatypes.NewUpstreamError(storeName, err)
		}
		scanned++
		if refs := datatypes.ExtractReferences(data); len(refs) > 0 {
			index[name] = refs
		}
	}
	if err := rows.Err(); err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}

	observability.ObserveForwardScan(kbID, scanned)
	return index, nil
}

// ListKBs returns the distinct kb_ids present in the table, ordered.
func (s *Store) ListKBs(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf("SELECT DISTINCT kb_id FROM %s ORDER BY kb_id", s.qualified())

	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}
	defer rows.Close()

	var kbs []string
	for rows.Next() {
		var kb string
		if err := rows.Scan(&kb); err != nil {
			return nil, datatypes.NewUpstreamError(storeName, err)
		}
		kbs = append(kbs, kb)
	}
	if err := rows.Err(); err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}
	return kbs, nil
}

// AggregateStats computes partition aggregates server-side.
func (s *Store) AggregateStats(ctx context.Context, kbID string) (*datatypes.PatternStatistics, error) {
	count, err := s.Count(ctx, kbID)
	if err != nil {
		return nil, err
	}
	stats := &datatypes.PatternStatistics{KBID: kbID, TotalPatterns: count}
	if count == 0 {
		// avg() over an empty partition is NaN; short-circuit instead.
		return stats, nil
	}

	query := fmt.Sprintf(`SELECT avg(length), min(length), max(length), avg(token_count)
		FROM %s WHERE kb_id = ?`, s.qualified())

	if err := s.conn.QueryRow(ctx, query, kbID).Scan(
		&stats.AvgLength, &stats.MinLength, &stats.MaxLength, &stats.AvgTokenCount,
	); err != nil {
		return nil, datatypes.NewUpstreamError(storeName, err)
	}
	return stats, nil
}

// =============================================================================
// Deletes
// =============================================================================

// DeleteByName removes one pattern from the partition. Rejected with
// ErrReadOnly in read-only mode.
func (s *Store) DeleteByName(ctx context.Context, kbID, name string) error {
	if s.readOnly {
		return fmt.Errorf("columnar delete %s/%s: %w", kbID, name, datatypes.ErrReadOnly)
	}

	query := fmt.Sprintf("ALTER TABLE %s DELETE WHERE kb_id = ? AND name = ?", s.qualified())
	if err := s.conn.Exec(ctx, query, kbID, name); err != nil {
		return datatypes.NewUpstreamError(storeName, err)
	}
	s.logger.Info("deleted pattern from columnar store", "kb_id", kbID, "name", name)
	return nil
}

// DeleteByNames removes a batch of patterns and returns how many of
// the requested names actually existed in the partition (counted
// before the delete; ClickHouse does not report mutation row counts).
func (s *Store) DeleteByNames(ctx context.Context, kbID string, names []string) (uint64, error) {
	if s.readOnly {
		return 0, fmt.Errorf("columnar bulk delete in %s: %w", kbID, datatypes.ErrReadOnly)
	}
	if len(names) == 0 {
		return 0, nil
	}

	countQuery := fmt.Sprintf("SELECT count() FROM %s WHERE kb_id = ? AND name IN (?)", s.qualified())
	var matched uint64
	if err := s.conn.QueryRow(ctx, countQuery, kbID, names).Scan(&matched); err != nil {
		return 0, datatypes.NewUpstreamError(storeName, err)
	}

	query := fmt.Sprintf("ALTER TABLE %s DELETE WHERE kb_id = ? AND name IN (?)", s.qualified())
	if err := s.conn.Exec(ctx, query, kbID, names); err != nil {
		return 0, datatypes.NewUpstreamError(storeName, err)
	}

	s.logger.Info("bulk deleted patterns from columnar store",
		"kb_id", kbID, "requested", len(names), "matched", matched)
	return matched, nil
}

// DeleteAll removes every pattern in the kb partition and returns the
// pre-delete count.
func (s *Store) DeleteAll(ctx context.Context, kbID string) (uint64, error) {
	if s.readOnly {
		return 0, fmt.Errorf("columnar kb delete %s: %w", kbID, datatypes.ErrReadOnly)
	}

	count, err := s.Count(ctx, kbID)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("ALTER TABLE %s DELETE WHERE kb_id = ?", s.qualified())
	if err := s.conn.Exec(ctx, query, kbID); err != nil {
		return 0, datatypes.NewUpstreamError(storeName, err)
	}

	s.logger.Info("deleted entire kb partition from columnar store",
		"kb_id", kbID, "patterns", count)
	return count, nil
}

// =============================================================================
// Row Scanning
// =============================================================================

// scanPattern reads one full-projection row in patternColumns order.
func scanPattern(rows driver.Rows) (datatypes.Pattern, error) {
	var p datatypes.Pattern
	err := rows.Scan(
		&p.KBID,
		&p.Name,
		&p.PatternData,
		&p.Length,
		&p.TokenSet,
		&p.TokenCount,
		&p.MinhashSig,
		&p.LSHBands,
		&p.FirstToken,
		&p.LastToken,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}
