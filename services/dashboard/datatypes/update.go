// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"fmt"
)

// PatternUpdate is a validated mutation of a pattern's mutable fields.
// Nil fields are left unchanged. Immutable fields cannot appear here;
// ParsePatternUpdate rejects them before the repository is reached.
type PatternUpdate struct {
	Frequency *uint64
	Emotives  []Emotive
	Metadata  map[string]any
}

// IsEmpty reports whether the update would change nothing.
func (u PatternUpdate) IsEmpty() bool {
	return u.Frequency == nil && u.Emotives == nil && u.Metadata == nil
}

// updatableFields is the closed set of mutable pattern fields.
var updatableFields = map[string]struct{}{
	"frequency": {},
	"emotives":  {},
	"metadata":  {},
}

// ParsePatternUpdate builds a PatternUpdate from a raw JSON object.
//
// Only frequency, emotives, and metadata are accepted; any other key
// (in particular immutable columnar fields like pattern_data or
// length) fails with ErrValidation, as does a value of the wrong
// shape. Frequency must be a non-negative integer.
func ParsePatternUpdate(raw map[string]json.RawMessage) (PatternUpdate, error) {
	var update PatternUpdate

	for field := range raw {
		if _, ok := updatableFields[field]; !ok {
			return PatternUpdate{}, fmt.Errorf("%w: field %q is not updatable", ErrValidation, field)
		}
	}

	if rawFreq, ok := raw["frequency"]; ok {
		var freq int64
		if err := json.Unmarshal(rawFreq, &freq); err != nil {
			return PatternUpdate{}, fmt.Errorf("%w: frequency must be an integer: %v", ErrValidation, err)
		}
		if freq < 0 {
			return PatternUpdate{}, fmt.Errorf("%w: frequency must be non-negative, got %d", ErrValidation, freq)
		}
		value := uint64(freq)
		update.Frequency = &value
	}

	if rawEmotives, ok := raw["emotives"]; ok {
		var emotives []Emotive
		if err := json.Unmarshal(rawEmotives, &emotives); err != nil {
			return PatternUpdate{}, fmt.Errorf("%w: emotives must be a list of numeric-tagged records: %v", ErrValidation, err)
		}
		if emotives == nil {
			emotives = []Emotive{}
		}
		update.Emotives = emotives
	}

	if rawMetadata, ok := raw["metadata"]; ok {
		var metadata map[string]any
		if err := json.Unmarshal(rawMetadata, &metadata); err != nil {
			return PatternUpdate{}, fmt.Errorf("%w: metadata must be an object: %v", ErrValidation, err)
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		update.Metadata = metadata
	}

	return update, nil
}
