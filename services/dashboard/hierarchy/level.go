// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hierarchy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/latticeworks/latticeboard/services/dashboard/datatypes"
)

// kbPrefix is the fixed lead-in of every hierarchy kb id.
const kbPrefix = "node"

// ParseLevel extracts the hierarchy level from a kb id of the form
// node{level}_{suffix}. Any other shape is a validation error; there is
// no fallback level, a kb either parses or is rejected at startup.
func ParseLevel(kbID string) (int, error) {
	rest, ok := strings.CutPrefix(kbID, kbPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: kb id %q does not start with %q", datatypes.ErrValidation, kbID, kbPrefix)
	}
	digits, _, ok := strings.Cut(rest, "_")
	if !ok || digits == "" {
		return 0, fmt.Errorf("%w: kb id %q is not of the form node{level}_{suffix}", datatypes.ErrValidation, kbID)
	}
	level, err := strconv.Atoi(digits)
	if err != nil || level < 0 {
		return 0, fmt.Errorf("%w: kb id %q has invalid level %q", datatypes.ErrValidation, kbID, digits)
	}
	return level, nil
}

// LevelMap maps each kb id to its hierarchy level. Built and validated
// once at startup; a kb id that does not parse never makes it into the
// map, so downstream code can index without re-validating.
type LevelMap map[string]int

// BuildLevelMap parses every kb id and fails on the first invalid one.
func BuildLevelMap(kbIDs []string) (LevelMap, error) {
	levels := make(LevelMap, len(kbIDs))
	for _, kbID := range kbIDs {
		level, err := ParseLevel(kbID)
		if err != nil {
			return nil, err
		}
		levels[kbID] = level
	}
	return levels, nil
}

// ByLevel groups kb ids by level, each group sorted by kb id.
func (m LevelMap) ByLevel() map[int][]string {
	grouped := make(map[int][]string)
	for kbID, level := range m {
		grouped[level] = append(grouped[level], kbID)
	}
	for _, kbs := range grouped {
		sort.Strings(kbs)
	}
	return grouped
}

// Levels returns the distinct levels in ascending order.
func (m LevelMap) Levels() []int {
	seen := make(map[int]struct{})
	var levels []int
	for _, level := range m {
		if _, ok := seen[level]; !ok {
			seen[level] = struct{}{}
			levels = append(levels, level)
		}
	}
	sort.Ints(levels)
	return levels
}
