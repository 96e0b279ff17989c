// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Symbol is one token of a knowledge base with its derived statistics.
//
// Frequency is the total number of occurrences across all patterns in
// the kb; PatternMemberFrequency counts distinct patterns containing
// the symbol at least once. Ratio is Frequency/PatternMemberFrequency
// (0 when the latter is 0), a cheap repetitiveness signal the dashboard
// sorts on.
type Symbol struct {
	Name                   string  `json:"name"`
	Frequency              uint64  `json:"frequency"`
	PatternMemberFrequency uint64  `json:"pattern_member_frequency"`
	Ratio                  float64 `json:"freq_pmf_ratio"`
}

// SymbolStatistics aggregates a knowledge base's symbol population.
type SymbolStatistics struct {
	KBID                      string   `json:"kb_id"`
	TotalSymbols              int      `json:"total_symbols"`
	AvgFrequency              float64  `json:"avg_frequency"`
	AvgPatternMemberFrequency float64  `json:"avg_pattern_member_frequency"`
	MaxFrequency              uint64   `json:"max_frequency"`
	MaxPatternMemberFrequency uint64   `json:"max_pattern_member_frequency"`
	TopSymbols                []Symbol `json:"top_symbols"`
}

// PatternStatistics aggregates a knowledge base's pattern population,
// computed inside the columnar store.
type PatternStatistics struct {
	KBID          string  `json:"kb_id"`
	TotalPatterns uint64  `json:"total_patterns"`
	AvgLength     float64 `json:"avg_length"`
	MinLength     uint32  `json:"min_length"`
	MaxLength     uint32  `json:"max_length"`
	AvgTokenCount float64 `json:"avg_token_count"`
}

// KBInfo summarizes one knowledge base for the dashboard overview.
type KBInfo struct {
	KBID          string             `json:"kb_id"`
	PatternsCount uint64             `json:"patterns_count"`
	Statistics    *PatternStatistics `json:"statistics,omitempty"`

	// Error is set when statistics could not be fetched; the kb is
	// still listed so the overview never silently drops a partition.
	Error string `json:"error,omitempty"`
}

// PatternPage is one page of a pattern listing.
type PatternPage struct {
	Patterns []Pattern `json:"patterns"`
	Total    int       `json:"total"`
	Skip     int       `json:"skip"`
	Limit    int       `json:"limit"`
	HasMore  bool      `json:"has_more"`
}

// SymbolPage is one page of a symbol listing served from the cached
// snapshot.
type SymbolPage struct {
	KBID    string   `json:"kb_id"`
	Symbols []Symbol `json:"symbols"`
	Total   int      `json:"total"`
	Skip    int      `json:"skip"`
	Limit   int      `json:"limit"`
	HasMore bool     `json:"has_more"`
}

// DeleteReport carries per-store deletion counts for bulk and whole-kb
// deletes. The two counts are reported separately and divergence is
// not reconciled here; Complete is a convenience flag that is true only
// when neither store reported an error.
type DeleteReport struct {
	KBID            string `json:"kb_id"`
	Requested       int    `json:"requested,omitempty"`
	ColumnarDeleted uint64 `json:"columnar_deleted"`
	MetadataDeleted uint64 `json:"metadata_keys_deleted"`
	Complete        bool   `json:"complete"`
	ColumnarError   string `json:"columnar_error,omitempty"`
	MetadataError   string `json:"metadata_error,omitempty"`
}
