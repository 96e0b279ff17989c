// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package repository

import (
	"context"

	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
)

// ColumnarStore is the slice of the ClickHouse adapter the repository
// consumes. It owns the immutable half of every pattern.
type ColumnarStore interface {
	Count(ctx context.Context, kbID string) (uint64, error)
	ListNames(ctx context.Context, kbID string) ([]string, error)
	QueryPage(ctx context.Context, kbID string, skip, limit int, sortBy string, descending bool) ([]datatypes.Pattern, error)
	GetByName(ctx context.Context, kbID, name string) (*datatypes.Pattern, error)
	GetByNames(ctx context.Context, kbID string, names []string) ([]datatypes.Pattern, error)
	ListKBs(ctx context.Context) ([]string, error)
	AggregateStats(ctx context.Context, kbID string) (*datatypes.PatternStatistics, error)
	DeleteByName(ctx context.Context, kbID, name string) error
	DeleteByNames(ctx context.Context, kbID string, names []string) (uint64, error)
	DeleteAll(ctx context.Context, kbID string) (uint64, error)
	Ping(ctx context.Context) error
}

// MetadataStore is the slice of the Redis adapter the repository
// consumes. It owns the mutable half of every pattern.
type MetadataStore interface {
	GetFrequency(ctx context.Context, kbID, name string) (uint64, error)
	SetFrequency(ctx context.Context, kbID, name string, frequency uint64) error
	GetEmotives(ctx context.Context, kbID, name string) ([]datatypes.Emotive, error)
	SetEmotives(ctx context.Context, kbID, name string, emotives []datatypes.Emotive) error
	GetMetadata(ctx context.Context, kbID, name string) (map[string]any, error)
	SetMetadata(ctx context.Context, kbID, name string, metadata map[string]any) error
	BatchGetFrequencies(ctx context.Context, kbID string, names []string) (map[string]uint64, error)
	BatchCheckPresence(ctx context.Context, kbID, family string, names []string) (map[string]bool, error)
	DeleteMetadataBundle(ctx context.Context, kbID, name string) (uint64, error)
	DeleteBundles(ctx context.Context, kbID string, names []string) (uint64, error)
	DeleteKB(ctx context.Context, kbID string) (uint64, error)
	Ping(ctx context.Context) error
}
