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
	"math/bits"
	"time"

	"github.com/cespare/xxhash/v2"
)

type Kind string

const (
	KindHash     Kind = "hash"
	KindCategory Kind = "category"
	KindTemporal Kind = "temporal"
	KindHybrid   Kind = "hybrid"
)

// Strategy describes how the entities of one type are mapped onto keys.  Only
// the fields relevant to Kind are used.
type Strategy struct {
	Kind Kind

	// hash
	Slots uint64

	// category
	Categories  map[string]uint64
	DefaultSlot *uint64

	// temporal
	Epoch       time.Time
	BucketWidth time.Duration

	// hybrid
	Primary   *Strategy
	Secondary *Strategy
}

type resolveFunc func(s *Strategy, e *Entity, ident string) (Key, error)

type candidatesFunc func(s *Strategy, p *Predicate) ([]Interval, bool)

type strategyFuncs struct {
	validate   func(s *Strategy) error
	resolve    resolveFunc
	candidates candidatesFunc
}

var strategyTable map[Kind]strategyFuncs

func init() {
	strategyTable = map[Kind]strategyFuncs{
		KindHash:     {validateHash, resolveHash, candidatesHash},
		KindCategory: {validateCategory, resolveCategory, candidatesCategory},
		KindTemporal: {validateTemporal, resolveTemporal, candidatesTemporal},
		KindHybrid:   {validateHybrid, resolveHybrid, candidatesHybrid},
	}
}

func (s *Strategy) funcs() (strategyFuncs, error) {
	fns, ok := strategyTable[s.Kind]
	if !ok {
		return strategyFuncs{}, fmt.Errorf("unknown strategy kind %q", s.Kind)
	}
	return fns, nil
}

func (s *Strategy) Validate() error {
	fns, err := s.funcs()
	if err != nil {
		return err
	}
	return fns.validate(s)
}

// Span returns the number of distinct keys the strategy can produce, or 0
// when the strategy is unbounded.
func (s *Strategy) Span() uint64 {
	switch s.Kind {
	case KindHash:
		return s.Slots
	case KindCategory:
		var span uint64
		for _, slot := range s.Categories {
			if slot+1 > span {
				span = slot + 1
			}
		}
		if s.DefaultSlot != nil && *s.DefaultSlot+1 > span {
			span = *s.DefaultSlot + 1
		}
		return span
	case KindHybrid:
		primarySpan := s.Primary.Span()
		if primarySpan == 0 {
			return 0
		}
		hi, lo := bits.Mul64(primarySpan, s.Secondary.Span())
		if hi != 0 {
			return 0
		}
		return lo
	}
	return 0
}

// HotSpotProne reports whether keys are derived from a category, which
// places every entity of that category on one shard.
func (s *Strategy) HotSpotProne() bool {
	switch s.Kind {
	case KindCategory:
		return true
	case KindHybrid:
		return s.Primary.HotSpotProne() || s.Secondary.HotSpotProne()
	}
	return false
}

func (s *Strategy) resolve(e *Entity, ident string) (Key, error) {
	fns, err := s.funcs()
	if err != nil {
		return 0, err
	}
	return fns.resolve(s, e, ident)
}

func (s *Strategy) candidates(p *Predicate) ([]Interval, bool) {
	fns, err := s.funcs()
	if err != nil {
		return nil, false
	}
	return fns.candidates(s, p)
}

func hashKey(ident string, slots uint64) Key {
	return Key(xxhash.Sum64String(ident) % slots)
}

func validateHash(s *Strategy) error {
	if s.Slots == 0 {
		return fmt.Errorf("hash strategy requires a non-zero slot count")
	}
	return nil
}

func resolveHash(s *Strategy, e *Entity, ident string) (Key, error) {
	if ident == "" {
		return 0, fmt.Errorf("%w: %s entity has no id to hash", ErrUnresolvedKey, e.Type)
	}
	return hashKey(ident, s.Slots), nil
}

func candidatesHash(s *Strategy, p *Predicate) ([]Interval, bool) {
	if len(p.IDs) == 0 {
		return nil, false
	}

	intervals := make([]Interval, 0, len(p.IDs))
	for _, id := range p.IDs {
		k := hashKey(id, s.Slots)
		intervals = append(intervals, Interval{Start: k, End: k + 1})
	}
	return intervals, true
}

func validateCategory(s *Strategy) error {
	if len(s.Categories) == 0 && s.DefaultSlot == nil {
		return fmt.Errorf("category strategy requires at least one category")
	}
	return nil
}

func resolveCategory(s *Strategy, e *Entity, ident string) (Key, error) {
	slot, ok := s.Categories[e.Category]
	if !ok {
		if s.DefaultSlot == nil {
			return 0, fmt.Errorf("%w: category %q is not mapped for %s", ErrUnresolvedKey, e.Category, e.Type)
		}
		slot = *s.DefaultSlot
	}
	return Key(slot), nil
}

func candidatesCategory(s *Strategy, p *Predicate) ([]Interval, bool) {
	if len(p.Categories) == 0 {
		return nil, false
	}

	var intervals []Interval
	for _, category := range p.Categories {
		slot, ok := s.Categories[category]
		if !ok {
			if s.DefaultSlot == nil {
				continue
			}
			slot = *s.DefaultSlot
		}
		intervals = append(intervals, Interval{Start: Key(slot), End: Key(slot) + 1})
	}
	return intervals, true
}

func validateTemporal(s *Strategy) error {
	if s.BucketWidth <= 0 {
		return fmt.Errorf("temporal strategy requires a positive bucket width")
	}
	return nil
}

func (s *Strategy) bucket(ts time.Time) Key {
	if ts.Before(s.Epoch) {
		return 0
	}
	return Key(ts.Sub(s.Epoch) / s.BucketWidth)
}

func resolveTemporal(s *Strategy, e *Entity, ident string) (Key, error) {
	if e.Timestamp.IsZero() {
		return 0, fmt.Errorf("%w: %s entity has no timestamp", ErrUnresolvedKey, e.Type)
	}
	if e.Timestamp.Before(s.Epoch) {
		return 0, fmt.Errorf("%w: timestamp %s precedes the keyspace epoch", ErrUnresolvedKey, e.Timestamp)
	}
	return s.bucket(e.Timestamp), nil
}

func candidatesTemporal(s *Strategy, p *Predicate) ([]Interval, bool) {
	if p.TimeFrom.IsZero() && p.TimeTo.IsZero() {
		return nil, false
	}

	interval := Interval{Start: 0, End: MaxKey}
	if !p.TimeFrom.IsZero() {
		interval.Start = s.bucket(p.TimeFrom)
	}
	if !p.TimeTo.IsZero() {
		if p.TimeTo.Before(s.Epoch) {
			return []Interval{}, true
		}
		interval.End = s.bucket(p.TimeTo) + 1
	}
	if interval.End <= interval.Start {
		return []Interval{}, true
	}
	return []Interval{interval}, true
}

func validateHybrid(s *Strategy) error {
	if s.Primary == nil || s.Secondary == nil {
		return fmt.Errorf("hybrid strategy requires a primary and a secondary strategy")
	}
	if s.Primary.Kind == KindHybrid || s.Secondary.Kind == KindHybrid {
		return fmt.Errorf("hybrid strategies cannot be nested")
	}
	if err := s.Primary.Validate(); err != nil {
		return fmt.Errorf("invalid primary strategy: %w", err)
	}
	if err := s.Secondary.Validate(); err != nil {
		return fmt.Errorf("invalid secondary strategy: %w", err)
	}
	if s.Secondary.Span() == 0 {
		return fmt.Errorf("hybrid secondary strategy must be bounded")
	}
	return nil
}

func resolveHybrid(s *Strategy, e *Entity, ident string) (Key, error) {
	primary, err := s.Primary.resolve(e, ident)
	if err != nil {
		return 0, err
	}

	secondary, err := s.Secondary.resolve(e, e.partitionKey())
	if err != nil {
		return 0, err
	}

	span := s.Secondary.Span()
	hi, lo := bits.Mul64(uint64(primary), span)
	if hi != 0 || lo+uint64(secondary) < lo {
		return 0, fmt.Errorf("%w: hybrid key overflows the keyspace", ErrUnresolvedKey)
	}
	return Key(lo + uint64(secondary)), nil
}

func scaleKey(k Key, span uint64) Key {
	hi, lo := bits.Mul64(uint64(k), span)
	if hi != 0 {
		return MaxKey
	}
	return Key(lo)
}

func candidatesHybrid(s *Strategy, p *Predicate) ([]Interval, bool) {
	primary, ok := s.Primary.candidates(p)
	if !ok {
		return nil, false
	}

	span := s.Secondary.Span()
	intervals := make([]Interval, 0, len(primary))
	for _, in := range primary {
		end := MaxKey
		if in.End != MaxKey {
			end = scaleKey(in.End, span)
		}
		intervals = append(intervals, Interval{
			Start: scaleKey(in.Start, span),
			End:   end,
		})
	}
	return intervals, true
}
