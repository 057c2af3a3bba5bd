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
	"slices"
	"sort"

	"github.com/couchbase/stellar-sharding/gateway/shardkey"
)

// MoveRange reassigns [start, end) of a keyspace to another shard.  The
// interval must be fully covered by existing ranges.
func (o *SnapshotOptions) MoveRange(keyspace string, start, end shardkey.Key, to ShardID) error {
	if end <= start {
		return fmt.Errorf("cannot move empty range [%d, %d)", start, end)
	}

	var covered uint64
	var out []KeyRange
	for _, r := range o.Ranges {
		if r.Keyspace != keyspace || r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}

		lo := max(r.Start, start)
		hi := min(r.End, end)
		covered += uint64(hi - lo)

		if r.Start < lo {
			out = append(out, KeyRange{Keyspace: keyspace, Start: r.Start, End: lo, Shard: r.Shard})
		}
		out = append(out, KeyRange{Keyspace: keyspace, Start: lo, End: hi, Shard: to})
		if hi < r.End {
			out = append(out, KeyRange{Keyspace: keyspace, Start: hi, End: r.End, Shard: r.Shard})
		}
	}

	if covered != uint64(end-start) {
		return fmt.Errorf("range [%d, %d) of %s is not fully assigned", start, end, keyspace)
	}

	o.Ranges = coalesceRanges(out)
	return nil
}

func (o *SnapshotOptions) AddShard(shard *Shard) error {
	if slices.Contains(o.Retired, shard.ID) {
		return fmt.Errorf("%w: %s", ErrRetiredShard, shard.ID)
	}
	for _, existing := range o.Shards {
		if existing.ID == shard.ID {
			return fmt.Errorf("shard %s already exists", shard.ID)
		}
	}

	o.Shards = append(o.Shards, &Shard{
		ID:       shard.ID,
		Replicas: slices.Clone(shard.Replicas),
	})
	return nil
}

// RetireShard removes a shard which no longer owns any range.  Its id can
// never be reused.
func (o *SnapshotOptions) RetireShard(id ShardID) error {
	for _, r := range o.Ranges {
		if r.Shard == id {
			return fmt.Errorf("shard %s still owns range [%d, %d) of %s", id, r.Start, r.End, r.Keyspace)
		}
	}

	idx := slices.IndexFunc(o.Shards, func(s *Shard) bool {
		return s.ID == id
	})
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownShard, id)
	}

	o.Shards = slices.Delete(o.Shards, idx, idx+1)
	o.Retired = append(o.Retired, id)
	return nil
}

func coalesceRanges(ranges []KeyRange) []KeyRange {
	sorted := slices.Clone(ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Keyspace != sorted[j].Keyspace {
			return sorted[i].Keyspace < sorted[j].Keyspace
		}
		return sorted[i].Start < sorted[j].Start
	})

	var out []KeyRange
	for _, r := range sorted {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Keyspace == r.Keyspace && last.Shard == r.Shard && last.End == r.Start {
				last.End = r.End
				continue
			}
		}
		out = append(out, r)
	}
	return out
}
