/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package rebalance

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"go.uber.org/zap"
)

var ErrNothingToMove = errors.New("no range can be moved")

// HandleHotShard splits the widest bounded range of a hot shard and moves
// its upper half to the least loaded other shard.  It matches the signature
// of the health monitor's hot shard handler.
func (e *Engine) HandleHotShard(shard topology.ShardID, ops int64, mean float64) {
	if e.hasActiveFrom(shard) {
		e.logger.Debug("ignoring hot shard with a migration in progress",
			zap.String("shard", string(shard)))
		return
	}

	if prone := hotSpotProneKeyspaces(e.topology.Current(), shard); len(prone) > 0 {
		e.logger.Info("hot shard holds category partitioned keyspaces",
			zap.String("shard", string(shard)),
			zap.Strings("keyspaces", prone))
	}

	req, err := e.PlanSplit(shard)
	if err != nil {
		e.logger.Info("cannot relieve hot shard",
			zap.String("shard", string(shard)),
			zap.Int64("ops", ops),
			zap.Float64("mean", mean),
			zap.Error(err))
		return
	}

	if _, err := e.Submit(req); err != nil {
		e.logger.Warn("failed to schedule hot shard split",
			zap.String("shard", string(shard)),
			zap.Error(err))
	}
}

// hotSpotProneKeyspaces lists the keyspaces with ranges on the shard whose
// keys come from a category, the usual cause of a popular-category hot spot.
func hotSpotProneKeyspaces(snap *topology.Snapshot, shard topology.ShardID) []string {
	var out []string
	for _, r := range snap.RangesOf(shard) {
		strategy, ok := snap.Partitioning().Strategy(r.Keyspace)
		if ok && strategy.HotSpotProne() && !slices.Contains(out, r.Keyspace) {
			out = append(out, r.Keyspace)
		}
	}
	return out
}

// PlanSplit picks the range of the shard covering the largest share of its
// keyspace and proposes moving its upper half elsewhere.  Unbounded
// keyspaces are never split automatically.
func (e *Engine) PlanSplit(shard topology.ShardID) (*MoveRequest, error) {
	snap := e.topology.Current()

	var best *topology.KeyRange
	var bestShare float64
	for _, r := range snap.RangesOf(shard) {
		strategy, ok := snap.Partitioning().Strategy(r.Keyspace)
		if !ok {
			continue
		}
		span := strategy.Span()
		if span == 0 || r.Width() < 2 {
			continue
		}

		share := float64(r.Width()) / float64(span)
		if best == nil || share > bestShare {
			best = &r
			bestShare = share
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: shard %s has no splittable range", ErrNothingToMove, shard)
	}

	to, ok := e.leastLoaded(snap, shard)
	if !ok {
		return nil, fmt.Errorf("%w: no other shard to move to", ErrNothingToMove)
	}

	mid := best.Start + shardkey.Key(best.Width()/2)
	return &MoveRequest{
		Keyspace:    best.Keyspace,
		Start:       mid,
		End:         best.End,
		Destination: to,
		Reason:      ReasonHotShard,
	}, nil
}

// leastLoaded picks the shard other than exclude with the fewest recent
// operations, falling back to shard id order.
func (e *Engine) leastLoaded(snap *topology.Snapshot, exclude topology.ShardID) (topology.ShardID, bool) {
	var load map[topology.ShardID]int64
	if e.load != nil {
		load = e.load.ShardLoad()
	}

	var best topology.ShardID
	var bestOps int64
	for _, id := range snap.ShardIDs() {
		if id == exclude {
			continue
		}
		ops := load[id]
		if best == "" || ops < bestOps {
			best = id
			bestOps = ops
		}
	}
	return best, best != ""
}

// AddShard installs a new shard and schedules moves giving it a fair share
// of every bounded keyspace.
func (e *Engine) AddShard(shard *topology.Shard) ([]*Task, error) {
	if len(shard.Replicas) == 0 {
		return nil, fmt.Errorf("shard %s has no replicas", shard.ID)
	}

	next, err := e.install(func(opts *topology.SnapshotOptions) error {
		return opts.AddShard(shard)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("added shard",
		zap.String("shard", string(shard.ID)),
		zap.Strings("replicas", shard.Replicas),
		zap.Uint64("version", uint64(next.Version())))

	plan := planFairShare(next, shard.ID)

	var tasks []*Task
	for _, req := range plan {
		task, err := e.Submit(req)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// planFairShare plans moves from the largest owners of each bounded
// keyspace to the new shard until it owns span/shards keys or no donor
// owns more than that.
func planFairShare(snap *topology.Snapshot, newShard topology.ShardID) []*MoveRequest {
	var plan []*MoveRequest
	shards := snap.ShardIDs()

	for _, keyspace := range snap.Keyspaces() {
		strategy, ok := snap.Partitioning().Strategy(keyspace)
		if !ok || strategy.Span() == 0 {
			continue
		}
		target := strategy.Span() / uint64(len(shards))
		if target == 0 {
			continue
		}

		owned := make(map[topology.ShardID][]topology.KeyRange)
		widths := make(map[topology.ShardID]uint64)
		for _, r := range snap.Ranges(keyspace) {
			owned[r.Shard] = append(owned[r.Shard], r)
			widths[r.Shard] += r.Width()
		}

		for widths[newShard] < target {
			var donor topology.ShardID
			for _, id := range shards {
				if id == newShard {
					continue
				}
				if donor == "" || widths[id] > widths[donor] {
					donor = id
				}
			}
			if donor == "" || widths[donor] <= target {
				break
			}

			ranges := owned[donor]
			widest := 0
			for i := range ranges {
				if ranges[i].Width() > ranges[widest].Width() {
					widest = i
				}
			}
			r := ranges[widest]

			take := min(target-widths[newShard], widths[donor]-target, r.Width())
			start := r.End - shardkey.Key(take)
			plan = append(plan, &MoveRequest{
				Keyspace:    keyspace,
				Start:       start,
				End:         r.End,
				Destination: newShard,
				Reason:      ReasonShardAdded,
			})

			if take == r.Width() {
				owned[donor] = slices.Delete(ranges, widest, widest+1)
			} else {
				ranges[widest].End = start
			}
			widths[donor] -= take
			widths[newShard] += take
		}
	}

	return plan
}

// RemoveShard moves every range owned by the shard to the remaining shards
// and retires it once all moves have completed.
func (e *Engine) RemoveShard(id topology.ShardID) ([]*Task, error) {
	snap := e.topology.Current()
	if _, ok := snap.Shard(id); !ok {
		return nil, fmt.Errorf("%w: %s", topology.ErrUnknownShard, id)
	}
	if snap.ShardCount() < 2 {
		return nil, fmt.Errorf("%w: %s is the only shard", ErrNothingToMove, id)
	}

	plan := planDrain(snap, id)

	var tasks []*Task
	for _, req := range plan {
		task, err := e.Submit(req)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
	}

	e.wg.Add(1)
	go e.retireWhenDrained(id, tasks)

	return tasks, nil
}

// planDrain assigns every range of the shard to the remaining shard owning
// the least of that keyspace.
func planDrain(snap *topology.Snapshot, id topology.ShardID) []*MoveRequest {
	var plan []*MoveRequest

	widths := make(map[string]map[topology.ShardID]uint64)
	for _, keyspace := range snap.Keyspaces() {
		widths[keyspace] = make(map[topology.ShardID]uint64)
		for _, r := range snap.Ranges(keyspace) {
			widths[keyspace][r.Shard] += r.Width()
		}
	}

	for _, r := range snap.RangesOf(id) {
		var to topology.ShardID
		for _, candidate := range snap.ShardIDs() {
			if candidate == id {
				continue
			}
			if to == "" || widths[r.Keyspace][candidate] < widths[r.Keyspace][to] {
				to = candidate
			}
		}
		widths[r.Keyspace][to] += r.Width()

		plan = append(plan, &MoveRequest{
			Keyspace:    r.Keyspace,
			Start:       r.Start,
			End:         r.End,
			Destination: to,
			Reason:      ReasonShardRemoved,
		})
	}

	return plan
}

func (e *Engine) retireWhenDrained(id topology.ShardID, tasks []*Task) {
	defer e.wg.Done()

	for _, task := range tasks {
		done, err := e.Wait(e.ctx, task.ID)
		if err != nil {
			return
		}
		if !done.State.Terminal() {
			return
		}
		if done.State != StateDone {
			e.logger.Error("not retiring shard, a drain migration failed",
				zap.String("shard", string(id)),
				zap.String("task", task.ID),
				zap.Error(done.Err))
			return
		}
	}

	if _, err := e.install(func(opts *topology.SnapshotOptions) error {
		return opts.RetireShard(id)
	}); err != nil {
		e.logger.Error("failed to retire drained shard",
			zap.String("shard", string(id)),
			zap.Error(err))
		return
	}

	e.logger.Info("retired shard", zap.String("shard", string(id)))
}

// WaitAll waits for every task and joins the errors of those which failed.
func (e *Engine) WaitAll(ctx context.Context, tasks []*Task) error {
	var errs []error
	for _, task := range tasks {
		done, err := e.Wait(ctx, task.ID)
		if err != nil {
			return err
		}
		if done.State == StateFailed {
			errs = append(errs, done.Err)
		}
	}
	return errors.Join(errs...)
}
