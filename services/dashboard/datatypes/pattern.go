// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the shared data model of the dashboard
// data layer: content-addressed patterns split across an immutable
// columnar store and a mutable metadata store, derived symbol
// statistics, and the typed error taxonomy both adapters surface.
//
// # Hybrid Split
//
// A Pattern is one logical record stored in two places:
//
//   - ClickHouse holds the write-once core: the symbol-group sequence,
//     its derived projections (length, token set/count, first/last
//     token), the similarity sketch, and timestamps.
//   - Redis holds the fields that keep changing after creation:
//     frequency, the rolling emotive window, and the open metadata
//     document.
//
// The pattern name is never assigned; it is always the SHA-1 digest of
// the canonical encoding of PatternData. VerifyName re-derives it.
package datatypes

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// MarkerPrefix is the reserved prefix that, prepended to a pattern
// hash, marks a symbol as a reference to a pattern one level below.
// The full symbol is the prefix immediately followed by the hash, with
// no other characters. The value is fixed by the ingestion engine.
const MarkerPrefix = "PTRN|"

// Emotive is one observation record in a pattern's rolling emotive
// window: emotion name to observed intensity.
type Emotive map[string]float64

// Pattern is the merged view of one content-addressed record.
//
// Immutable fields come from the columnar store and are write-once;
// mutable fields come from the metadata store. List views leave
// Emotives/Metadata empty (they are only hydrated for detail views);
// HasEmotives/HasMetadata carry cheap presence flags instead.
type Pattern struct {
	KBID        string     `json:"kb_id"`
	Name        string     `json:"name"`
	PatternData [][]string `json:"pattern_data"`
	Length      uint32     `json:"length"`
	TokenSet    []string   `json:"token_set"`
	TokenCount  uint32     `json:"token_count"`
	MinhashSig  []uint64   `json:"minhash_sig"`
	LSHBands    []string   `json:"lsh_bands"`
	FirstToken  string     `json:"first_token"`
	LastToken   string     `json:"last_token"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Mutable fields (metadata store).
	Frequency uint64         `json:"frequency"`
	Emotives  []Emotive      `json:"emotives"`
	Metadata  map[string]any `json:"metadata"`

	// Presence flags for list views, where the full documents are not
	// fetched.
	HasEmotives bool `json:"has_emotives,omitempty"`
	HasMetadata bool `json:"has_metadata,omitempty"`
}

// HashPatternData returns the canonical content hash for pattern data:
// hex SHA-1 over the compact JSON encoding of the symbol-group
// sequence. This is the digest the ingestion engine uses for pattern
// names, so the same data always re-derives the same name.
func HashPatternData(data [][]string) string {
	// json.Marshal is deterministic for [][]string: order preserved,
	// no map keys involved.
	encoded, err := json.Marshal(data)
	if err != nil {
		// [][]string cannot fail to marshal; keep the signature simple.
		panic("datatypes: marshal pattern data: " + err.Error())
	}
	sum := sha1.Sum(encoded)
	return hex.EncodeToString(sum[:])
}

// VerifyName reports whether the pattern's name matches the hash
// re-derived from its data. A false result means the record is corrupt
// or was assigned a name by hand.
func (p *Pattern) VerifyName() bool {
	return p.Name == HashPatternData(p.PatternData)
}

// References extracts the lower-level pattern hashes embedded in
// pattern data, in slot order. A symbol-group references a pattern when
// its first token is MarkerPrefix immediately followed by a hash; the
// returned slice holds the bare hashes. Slot i of the result is the
// reference at symbol-group position i's relative order, so the index
// into this slice is the edge position used by the composition tracer.
func (p *Pattern) References() []string {
	return ExtractReferences(p.PatternData)
}

// ExtractReferences is References for raw pattern data.
func ExtractReferences(data [][]string) []string {
	var refs []string
	for _, group := range data {
		if len(group) == 0 {
			continue
		}
		if name, ok := StripMarker(group[0]); ok {
			refs = append(refs, name)
		}
	}
	return refs
}

// StripMarker returns the bare pattern hash when symbol is a
// marker-prefixed cross-level reference, and ok=false otherwise.
func StripMarker(symbol string) (name string, ok bool) {
	if strings.HasPrefix(symbol, MarkerPrefix) && len(symbol) > len(MarkerPrefix) {
		return symbol[len(MarkerPrefix):], true
	}
	return "", false
}

// MarkerName returns the symbol form of a pattern name: the marker
// prefix immediately followed by the hash.
func MarkerName(patternName string) string {
	return MarkerPrefix + patternName
}
