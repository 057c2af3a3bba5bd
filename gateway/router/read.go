/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
	"go.uber.org/zap"
)

func (r *Router) read(
	ctx context.Context,
	op *Operation,
	level consistency.Level,
	snap *topology.Snapshot,
	key shardkey.Key,
	shard topology.ShardID,
) (*Result, error) {
	replicas, err := r.topology.ReplicasIn(snap, shard)
	if err != nil {
		return nil, err
	}

	r.health.ObserveShardOp(shard)

	var rec *storagenode.Record
	var acks int
	if level == consistency.Strong {
		rec, acks, err = r.readQuorum(ctx, replicas, op.Entity.Type, op.Entity.ID)
	} else {
		rec, err = r.readOne(ctx, replicas, op.Entity.Type, op.Entity.ID)
		acks = 1
	}
	if err != nil {
		return nil, err
	}

	// a range may have been cut over while the read was in flight, in
	// which case the source replicas no longer receive writes for the key
	if _, err := r.checkOwnership(snap, op.Entity.Type, key, shard); err != nil {
		return nil, err
	}

	if rec == nil || rec.Deleted {
		return nil, ErrNotFound
	}
	r.clock.Observe(rec.LogicalTS)

	return &Result{
		Record:  rec,
		Shard:   shard,
		Version: snap.Version(),
		Level:   level,
		Acks:    acks,
	}, nil
}

func (r *Router) readReplica(ctx context.Context, shard topology.ShardID, endpoint string, entityType, entityID string) (*storagenode.Record, error) {
	node, err := r.nodes.Get(endpoint)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	rec, err := node.Read(ctx, shard, entityType, entityID)
	r.observe(ctx, shard, "read", endpoint, started, err)
	return rec, err
}

// readOne reads from the healthiest available replica, falling back through
// the remaining replicas in health order.  A replica which does not hold
// the entity is an answer, not a failure.
func (r *Router) readOne(ctx context.Context, replicas topology.ReplicaSet, entityType, entityID string) (*storagenode.Record, error) {
	available := replicas.Available()
	if len(available) == 0 {
		return nil, fmt.Errorf("%w: no replicas of shard %s available", ErrQuorumUnreachable, replicas.Shard)
	}

	var lastErr error
	for _, endpoint := range r.health.Rank(available) {
		rec, err := r.readReplica(ctx, replicas.Shard, endpoint, entityType, entityID)
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, storagenode.ErrNotFound) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		r.logger.Debug("replica read failed, trying next replica",
			zap.String("endpoint", endpoint),
			zap.String("shard", string(replicas.Shard)),
			zap.Error(err))
	}

	return nil, fmt.Errorf("%w: all %d available replicas of shard %s failed: %w",
		ErrQuorumUnreachable, len(available), replicas.Shard, lastErr)
}

type readResponse struct {
	endpoint string
	index    int
	rec      *storagenode.Record
	err      error
}

// readQuorum reads from every available replica and resolves the responses
// of the first quorum to answer.  The newest logical timestamp wins, ties
// go to the replica listed first in the shard's replica set.
func (r *Router) readQuorum(ctx context.Context, replicas topology.ReplicaSet, entityType, entityID string) (*storagenode.Record, int, error) {
	available := replicas.Available()
	need := consistency.QuorumSize(consistency.Strong, replicas.Size())
	if len(available) < need {
		return nil, 0, fmt.Errorf("%w: %d of %d replicas of shard %s available, %d required",
			ErrQuorumUnreachable, len(available), replicas.Size(), replicas.Shard, need)
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan readResponse, len(available))
	for _, endpoint := range available {
		go func(endpoint string) {
			rec, err := r.readReplica(readCtx, replicas.Shard, endpoint, entityType, entityID)
			if errors.Is(err, storagenode.ErrNotFound) {
				rec, err = nil, nil
			}
			results <- readResponse{
				endpoint: endpoint,
				index:    replicas.Index(endpoint),
				rec:      rec,
				err:      err,
			}
		}(endpoint)
	}

	var answers []readResponse
	failures := 0
	for len(answers) < need {
		select {
		case res := <-results:
			if res.err == nil {
				answers = append(answers, res)
				continue
			}
			failures++
			if len(available)-failures < need {
				return nil, len(answers), fmt.Errorf("%w: %d of %d replicas of shard %s answered, %d required: %w",
					ErrQuorumUnreachable, len(answers), replicas.Size(), replicas.Shard, need, res.err)
			}
		case <-ctx.Done():
			return nil, len(answers), ctx.Err()
		}
	}

	winner := resolveResponses(answers)
	if winner != nil {
		for _, answer := range answers {
			if answer.rec == nil || answer.rec.LogicalTS < winner.LogicalTS {
				r.logger.Debug("repairing stale replica",
					zap.String("endpoint", answer.endpoint),
					zap.String("shard", string(replicas.Shard)),
					zap.String("entity", entityType+"/"+entityID))
				r.replicator.Enqueue(&repairJob{
					Endpoint: answer.endpoint,
					Shard:    replicas.Shard,
					Record:   winner,
				})
			}
		}
	}

	return winner, len(answers), nil
}

// resolveResponses picks the record with the highest logical timestamp,
// breaking ties by replica order.  It returns nil when no replica holds the
// entity.
func resolveResponses(answers []readResponse) *storagenode.Record {
	var winner *readResponse
	for i := range answers {
		answer := &answers[i]
		if answer.rec == nil {
			continue
		}
		if winner == nil ||
			answer.rec.LogicalTS > winner.rec.LogicalTS ||
			(answer.rec.LogicalTS == winner.rec.LogicalTS && answer.index < winner.index) {
			winner = answer
		}
	}

	if winner == nil {
		return nil
	}
	return winner.rec
}
