/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import (
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
)

type Version uint64

type ShardID string

type Shard struct {
	ID ShardID `json:"id"`

	// Replicas is ordered, the order is used to break ties between replicas
	// holding writes with identical logical timestamps.
	Replicas []string `json:"replicas"`
}

// KeyRange assigns the half-open interval [Start, End) of a keyspace to a
// shard.
type KeyRange struct {
	Keyspace string       `json:"keyspace"`
	Start    shardkey.Key `json:"start"`
	End      shardkey.Key `json:"end"`
	Shard    ShardID      `json:"shard"`
}

func (r KeyRange) Contains(k shardkey.Key) bool {
	return k >= r.Start && k < r.End
}

func (r KeyRange) Width() uint64 {
	return uint64(r.End - r.Start)
}

type SnapshotOptions struct {
	Version      Version
	Partitioning *shardkey.Table
	Shards       []*Shard
	Ranges       []KeyRange
	Retired      []ShardID
}

// Snapshot is an immutable view of the shard layout at one version.
type Snapshot struct {
	version      Version
	partitioning *shardkey.Table
	shards       map[ShardID]*Shard
	ranges       map[string][]KeyRange
	retired      map[ShardID]struct{}
}

func NewSnapshot(opts *SnapshotOptions) (*Snapshot, error) {
	if opts.Partitioning == nil {
		return nil, fmt.Errorf("snapshot requires a partitioning table")
	}

	s := &Snapshot{
		version:      opts.Version,
		partitioning: opts.Partitioning,
		shards:       make(map[ShardID]*Shard, len(opts.Shards)),
		ranges:       make(map[string][]KeyRange),
		retired:      make(map[ShardID]struct{}, len(opts.Retired)),
	}

	for _, id := range opts.Retired {
		s.retired[id] = struct{}{}
	}

	for _, shard := range opts.Shards {
		if shard.ID == "" {
			return nil, fmt.Errorf("shard id must not be empty")
		}
		if _, ok := s.retired[shard.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrRetiredShard, shard.ID)
		}
		if _, ok := s.shards[shard.ID]; ok {
			return nil, fmt.Errorf("duplicate shard %s", shard.ID)
		}
		// every shard must be able to serve the strongest level a policy
		// can assign
		if err := consistency.Validate(consistency.Strong, len(shard.Replicas)); err != nil {
			return nil, fmt.Errorf("shard %s: %w", shard.ID, err)
		}
		if dup, ok := duplicateReplica(shard.Replicas); ok {
			return nil, fmt.Errorf("shard %s lists replica %s more than once", shard.ID, dup)
		}

		s.shards[shard.ID] = &Shard{
			ID:       shard.ID,
			Replicas: slices.Clone(shard.Replicas),
		}
	}

	for _, r := range opts.Ranges {
		if r.End <= r.Start {
			return nil, fmt.Errorf("range [%d, %d) of %s is empty", r.Start, r.End, r.Keyspace)
		}
		if _, ok := s.shards[r.Shard]; !ok {
			return nil, fmt.Errorf("%w: range [%d, %d) of %s references %s",
				ErrUnknownShard, r.Start, r.End, r.Keyspace, r.Shard)
		}
		if _, ok := opts.Partitioning.Strategy(r.Keyspace); !ok {
			return nil, fmt.Errorf("range references keyspace %s which has no strategy", r.Keyspace)
		}
		s.ranges[r.Keyspace] = append(s.ranges[r.Keyspace], r)
	}

	for keyspace, ranges := range s.ranges {
		sort.Slice(ranges, func(i, j int) bool {
			return ranges[i].Start < ranges[j].Start
		})
		for i := 1; i < len(ranges); i++ {
			if ranges[i].Start < ranges[i-1].End {
				return nil, fmt.Errorf("ranges [%d, %d) and [%d, %d) of %s overlap",
					ranges[i-1].Start, ranges[i-1].End, ranges[i].Start, ranges[i].End, keyspace)
			}
		}
	}

	return s, nil
}

func (s *Snapshot) Version() Version {
	return s.version
}

func (s *Snapshot) Partitioning() *shardkey.Table {
	return s.partitioning
}

func (s *Snapshot) Shard(id ShardID) (*Shard, bool) {
	shard, ok := s.shards[id]
	return shard, ok
}

// Shards returns the live shards ordered by id.
func (s *Snapshot) Shards() []*Shard {
	ids := s.ShardIDs()
	shards := make([]*Shard, 0, len(ids))
	for _, id := range ids {
		shards = append(shards, s.shards[id])
	}
	return shards
}

func (s *Snapshot) ShardIDs() []ShardID {
	return slices.Sorted(maps.Keys(s.shards))
}

func (s *Snapshot) ShardCount() int {
	return len(s.shards)
}

func (s *Snapshot) IsRetired(id ShardID) bool {
	_, ok := s.retired[id]
	return ok
}

func (s *Snapshot) Keyspaces() []string {
	return slices.Sorted(maps.Keys(s.ranges))
}

func (s *Snapshot) Ranges(keyspace string) []KeyRange {
	return slices.Clone(s.ranges[keyspace])
}

// RangesOf returns every range owned by a shard, across all keyspaces.
func (s *Snapshot) RangesOf(id ShardID) []KeyRange {
	var out []KeyRange
	for _, keyspace := range s.Keyspaces() {
		for _, r := range s.ranges[keyspace] {
			if r.Shard == id {
				out = append(out, r)
			}
		}
	}
	return out
}

func (s *Snapshot) Lookup(keyspace string, k shardkey.Key) (KeyRange, bool) {
	ranges := s.ranges[keyspace]
	idx := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].End > k
	})
	if idx < len(ranges) && ranges[idx].Contains(k) {
		return ranges[idx], true
	}
	return KeyRange{}, false
}

// Resolve maps an entity onto its key and the shard owning that key.
func (s *Snapshot) Resolve(e *shardkey.Entity) (shardkey.Key, ShardID, error) {
	k, err := s.partitioning.Resolve(e)
	if err != nil {
		return 0, "", err
	}

	r, ok := s.Lookup(e.Type, k)
	if !ok {
		return k, "", fmt.Errorf("%w: key %d of %s is not assigned to any shard",
			shardkey.ErrUnresolvedKey, k, e.Type)
	}

	return k, r.Shard, nil
}

// ShardsFor returns the shards whose ranges of a keyspace intersect any of
// the intervals.  A nil interval list selects every shard of the keyspace.
func (s *Snapshot) ShardsFor(keyspace string, intervals []shardkey.Interval) []ShardID {
	seen := make(map[ShardID]struct{})
	for _, r := range s.ranges[keyspace] {
		if intervals == nil {
			seen[r.Shard] = struct{}{}
			continue
		}

		for _, in := range intervals {
			if in.Overlaps(r.Start, r.End) {
				seen[r.Shard] = struct{}{}
				break
			}
		}
	}

	return slices.Sorted(maps.Keys(seen))
}

// Options returns a mutable copy of the snapshot's definition with the
// version advanced by one, ready to be modified and built into a successor.
func (s *Snapshot) Options() *SnapshotOptions {
	opts := &SnapshotOptions{
		Version:      s.version + 1,
		Partitioning: s.partitioning,
	}

	for _, shard := range s.Shards() {
		opts.Shards = append(opts.Shards, &Shard{
			ID:       shard.ID,
			Replicas: slices.Clone(shard.Replicas),
		})
	}
	for _, keyspace := range s.Keyspaces() {
		opts.Ranges = append(opts.Ranges, s.ranges[keyspace]...)
	}
	opts.Retired = slices.Sorted(maps.Keys(s.retired))

	return opts
}

// Description is the serializable form of a snapshot.
type Description struct {
	Version Version    `json:"version"`
	Shards  []*Shard   `json:"shards"`
	Ranges  []KeyRange `json:"ranges"`
	Retired []ShardID  `json:"retired,omitempty"`
}

func (s *Snapshot) Describe() *Description {
	opts := s.Options()
	return &Description{
		Version: s.version,
		Shards:  opts.Shards,
		Ranges:  opts.Ranges,
		Retired: opts.Retired,
	}
}

func duplicateReplica(replicas []string) (string, bool) {
	seen := make(map[string]struct{}, len(replicas))
	for _, endpoint := range replicas {
		if _, ok := seen[endpoint]; ok {
			return endpoint, true
		}
		seen[endpoint] = struct{}{}
	}
	return "", false
}
