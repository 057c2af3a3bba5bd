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
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
	"golang.org/x/sync/errgroup"
)

func rangeFilter(task *Task) *storagenode.ScanFilter {
	return &storagenode.ScanFilter{
		EntityType:     task.Keyspace,
		KeyStart:       task.Start,
		KeyEnd:         task.End,
		IncludeDeleted: true,
	}
}

func (e *Engine) replicasOf(shard topology.ShardID) (topology.ReplicaSet, error) {
	snap := e.topology.Current()
	return e.topology.ReplicasIn(snap, shard)
}

// scanQuorum reads the range from a quorum of the shard's replicas and
// keeps the newest version of every entity, so that acknowledged strong
// writes are never missed by a lagging replica.
func (e *Engine) scanQuorum(ctx context.Context, shard topology.ShardID, filter *storagenode.ScanFilter) ([]*storagenode.Record, error) {
	replicas, err := e.replicasOf(shard)
	if err != nil {
		return nil, err
	}

	available := replicas.Available()
	need := consistency.QuorumSize(consistency.Strong, replicas.Size())
	if len(available) < need {
		return nil, fmt.Errorf("%d of %d replicas of shard %s available, %d required",
			len(available), replicas.Size(), shard, need)
	}

	results := make([][]*storagenode.Record, len(available))
	errs := make([]error, len(available))

	var group errgroup.Group
	for i, endpoint := range available {
		group.Go(func() error {
			node, err := e.nodes.Get(endpoint)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = node.Scan(ctx, shard, filter)
			return nil
		})
	}
	_ = group.Wait()

	newest := make(map[string]*storagenode.Record)
	answered := 0
	var lastErr error
	for i := range available {
		if errs[i] != nil {
			lastErr = errs[i]
			continue
		}
		answered++
		for _, rec := range results[i] {
			if storagenode.ShouldApply(newest[rec.EntityID], rec) {
				newest[rec.EntityID] = rec
			}
		}
	}
	if answered < need {
		return nil, fmt.Errorf("%d of %d replicas of shard %s answered, %d required: %w",
			answered, replicas.Size(), shard, need, lastErr)
	}

	records := make([]*storagenode.Record, 0, len(newest))
	for _, rec := range newest {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].EntityID < records[j].EntityID
	})
	return records, nil
}

// writeAll writes the records to every available replica of the shard in
// batches, with bounded parallelism.  Every available replica must accept
// every record.
func (e *Engine) writeAll(ctx context.Context, shard topology.ShardID, records []*storagenode.Record) error {
	if len(records) == 0 {
		return nil
	}

	replicas, err := e.replicasOf(shard)
	if err != nil {
		return err
	}

	available := replicas.Available()
	need := consistency.QuorumSize(consistency.Strong, replicas.Size())
	if len(available) < need {
		return fmt.Errorf("%d of %d replicas of shard %s available, %d required",
			len(available), replicas.Size(), shard, need)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.copyParallelism)

	for start := 0; start < len(records); start += e.batchSize {
		batch := records[start:min(start+e.batchSize, len(records))]
		for _, endpoint := range available {
			group.Go(func() error {
				node, err := e.nodes.Get(endpoint)
				if err != nil {
					return err
				}
				for _, rec := range batch {
					if err := node.Write(groupCtx, shard, rec); err != nil {
						return fmt.Errorf("writing %s/%s to %s: %w", rec.EntityType, rec.EntityID, endpoint, err)
					}
				}
				return nil
			})
		}
	}

	return group.Wait()
}

// Checksum summarises a set of records by count and a hash over the id and
// logical timestamp of each, independent of order.
func Checksum(records []*storagenode.Record) (int, uint64) {
	entries := make([]string, len(records))
	for i, rec := range records {
		entries[i] = rec.EntityID + "\x00" + strconv.FormatUint(rec.LogicalTS, 10)
	}
	sort.Strings(entries)

	digest := xxhash.New()
	for _, entry := range entries {
		_, _ = digest.WriteString(entry)
		_, _ = digest.Write([]byte{0})
	}
	return len(entries), digest.Sum64()
}

// replay applies the writes captured by the dual log to the destination.
// Records which could not be applied are put back on the log.
func (e *Engine) replay(ctx context.Context, task *Task, log *dualLog) error {
	records := log.drain()
	if err := e.writeAll(ctx, task.Destination, records); err != nil {
		log.requeue(records)
		return fmt.Errorf("replaying %d captured writes: %w", len(records), err)
	}
	return nil
}

// verify compares the range on the source and destination.
func (e *Engine) verify(ctx context.Context, task *Task) error {
	filter := rangeFilter(task)

	source, err := e.scanQuorum(ctx, task.Source, filter)
	if err != nil {
		return fmt.Errorf("scanning source: %w", err)
	}
	dest, err := e.scanQuorum(ctx, task.Destination, filter)
	if err != nil {
		return fmt.Errorf("scanning destination: %w", err)
	}

	sourceCount, sourceSum := Checksum(source)
	destCount, destSum := Checksum(dest)
	if sourceCount != destCount || sourceSum != destSum {
		return fmt.Errorf("%w: source has %d records (checksum %x), destination %d (checksum %x)",
			ErrVerifyMismatch, sourceCount, sourceSum, destCount, destSum)
	}
	return nil
}
