/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package shardkey

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

// Table maps each entity type onto the strategy used to place it.  A Table is
// immutable once built and safe for concurrent use.
type Table struct {
	strategies map[string]*Strategy
}

func NewTable(strategies map[string]*Strategy) (*Table, error) {
	t := &Table{
		strategies: make(map[string]*Strategy, len(strategies)),
	}

	for entityType, strategy := range strategies {
		if strategy == nil {
			return nil, fmt.Errorf("entity type %s has no strategy", entityType)
		}

		err := strategy.Validate()
		if err != nil {
			return nil, fmt.Errorf("invalid strategy for %s: %w", entityType, err)
		}

		t.strategies[entityType] = strategy
	}

	return t, nil
}

func (t *Table) Strategy(entityType string) (*Strategy, bool) {
	s, ok := t.strategies[entityType]
	return s, ok
}

func (t *Table) EntityTypes() []string {
	return slices.Sorted(maps.Keys(t.strategies))
}

// Resolve computes the key of an entity.  Identical entities always resolve
// to the same key for a given table.
func (t *Table) Resolve(e *Entity) (Key, error) {
	s, ok := t.strategies[e.Type]
	if !ok {
		return 0, fmt.Errorf("%w: no strategy for entity type %q", ErrUnresolvedKey, e.Type)
	}

	return s.resolve(e, e.ID)
}

// Candidates returns the merged key intervals of an entity type that may hold
// records matching the predicate.  The boolean result is false when the
// predicate cannot narrow the keyspace and every interval must be visited.
func (t *Table) Candidates(entityType string, p *Predicate) ([]Interval, bool, error) {
	s, ok := t.strategies[entityType]
	if !ok {
		return nil, false, fmt.Errorf("%w: no strategy for entity type %q", ErrUnresolvedKey, entityType)
	}

	if p == nil {
		return nil, false, nil
	}

	intervals, ok := s.candidates(p)
	if !ok {
		return nil, false, nil
	}

	return mergeIntervals(intervals), true, nil
}

func mergeIntervals(intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return []Interval{}
	}

	sorted := slices.Clone(intervals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	merged := []Interval{sorted[0]}
	for _, in := range sorted[1:] {
		last := &merged[len(merged)-1]
		if in.Start <= last.End {
			if in.End > last.End {
				last.End = in.End
			}
			continue
		}
		merged = append(merged, in)
	}

	return merged
}
