// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// Sentinel errors for the dashboard data layer. Adapter and repository
// failures are always one of these (possibly wrapped); callers branch
// with errors.Is rather than string matching.
var (
	// ErrNotFound indicates the pattern or knowledge base does not exist.
	ErrNotFound = errors.New("not found")

	// ErrReadOnly indicates a mutation was attempted while the stores
	// are in read-only mode. The stores are guaranteed untouched.
	ErrReadOnly = errors.New("rejected: read-only mode")

	// ErrUpstream indicates a store connection or timeout failure.
	// Wrapped instances carry the store name via UpstreamError.
	ErrUpstream = errors.New("upstream unavailable")

	// ErrValidation indicates an update payload contained an
	// unsupported field or a value of the wrong type.
	ErrValidation = errors.New("validation failed")

	// ErrPartialFailure indicates a dual-store operation succeeded in
	// one store and failed in the other. See PartialFailureError for
	// per-store detail.
	ErrPartialFailure = errors.New("partial failure")
)

// UpstreamError wraps a store-level connectivity failure with the name
// of the store that produced it ("clickhouse" or "redis").
type UpstreamError struct {
	Store string
	Err   error
}

// NewUpstreamError wraps err as an upstream failure of the named store.
func NewUpstreamError(store string, err error) *UpstreamError {
	return &UpstreamError{Store: store, Err: err}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream unavailable: %s: %v", e.Store, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is reports true for ErrUpstream so callers can match the whole class.
func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// PartialFailureError reports a dual-store mutation that succeeded in
// exactly one store. At most one of Columnar/Metadata is non-nil; the
// nil side is the one that succeeded.
//
// The repository never collapses this into plain success or failure:
// the caller decides whether a half-applied delete is acceptable.
type PartialFailureError struct {
	Op       string
	KBID     string
	Name     string
	Columnar error
	Metadata error
}

func (e *PartialFailureError) Error() string {
	if e.Columnar != nil {
		return fmt.Sprintf("%s %s/%s: partial failure: columnar store failed: %v (metadata store succeeded)",
			e.Op, e.KBID, e.Name, e.Columnar)
	}
	return fmt.Sprintf("%s %s/%s: partial failure: metadata store failed: %v (columnar store succeeded)",
		e.Op, e.KBID, e.Name, e.Metadata)
}

// Unwrap exposes the failing side for errors.Is chains.
func (e *PartialFailureError) Unwrap() error {
	if e.Columnar != nil {
		return e.Columnar
	}
	return e.Metadata
}

// Is reports true for ErrPartialFailure so callers can match the class.
func (e *PartialFailureError) Is(target error) bool { return target == ErrPartialFailure }

var (
	_ error = (*UpstreamError)(nil)
	_ error = (*PartialFailureError)(nil)
)
