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
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/pkg/metrics"
	"github.com/couchbase/stellar-sharding/storagenode"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	maxStaleRetries = 3
)

// HealthObserver receives the outcome of every replica call made by the
// router and supplies the preferred replica order for single-replica reads.
type HealthObserver interface {
	ObserveReplica(endpoint string, latency time.Duration, err error)
	ObserveShardOp(shard topology.ShardID)
	Rank(endpoints []string) []string
}

// MigrationGate fences writes against an in-progress range cutover.
type MigrationGate interface {
	// Enter blocks while a cutover touching the shard is in progress.  The
	// returned release func must be called once the write has completed.
	Enter(ctx context.Context, shard topology.ShardID) (func(), error)

	// RecordWrite is invoked for each write acknowledged by a shard while
	// the gate is held.
	RecordWrite(shard topology.ShardID, rec *storagenode.Record)
}

type Options struct {
	Logger   *zap.Logger
	Topology *topology.Topology
	Nodes    *storagenode.Pool
	Policy   *consistency.Policy
	Health   HealthObserver
	Gate     MigrationGate
	Clock    *Clock

	// ReplicationTimeout bounds replica calls which continue after the
	// caller has been answered.
	ReplicationTimeout time.Duration
	RepairMaxElapsed   time.Duration
	RepairQueueSize    int
	WeakQueueSize      int
	Workers            int

	// RepairParkLimit bounds the repairs held for a replica which stays
	// unreachable.
	RepairParkLimit int
}

type Router struct {
	logger     *zap.Logger
	topology   *topology.Topology
	nodes      *storagenode.Pool
	health     HealthObserver
	gate       atomic.Pointer[gateHolder]
	clock      *Clock
	policy     atomic.Pointer[consistency.Policy]
	sequencer  *sequencer
	replicator *replicator
	weak       *weakQueue
	metrics    *metrics.ShardingMetrics
	tracer     trace.Tracer

	replicationTimeout time.Duration
}

type gateHolder struct {
	gate MigrationGate
}

type nopHealth struct{}

func (nopHealth) ObserveReplica(string, time.Duration, error) {}
func (nopHealth) ObserveShardOp(topology.ShardID)             {}
func (nopHealth) Rank(endpoints []string) []string             { return endpoints }

func NewRouter(opts *Options) (*Router, error) {
	if opts.Topology == nil {
		return nil, errors.New("router requires a topology")
	}
	if opts.Nodes == nil {
		return nil, errors.New("router requires a node pool")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := opts.Policy
	if policy == nil {
		policy = consistency.DefaultPolicy()
	}

	health := opts.Health
	if health == nil {
		health = nopHealth{}
	}

	clock := opts.Clock
	if clock == nil {
		clock = NewClock()
	}

	replicationTimeout := opts.ReplicationTimeout
	if replicationTimeout <= 0 {
		replicationTimeout = 30 * time.Second
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}

	r := &Router{
		logger:             logger.Named("router"),
		topology:           opts.Topology,
		nodes:              opts.Nodes,
		health:             health,
		clock:              clock,
		sequencer:          newSequencer(),
		metrics:            metrics.GetShardingMetrics(),
		tracer:             otel.Tracer("github.com/couchbase/stellar-sharding/gateway/router"),
		replicationTimeout: replicationTimeout,
	}
	r.policy.Store(policy)
	r.SetGate(opts.Gate)

	r.replicator = newReplicator(&replicatorOptions{
		Logger:     r.logger,
		Nodes:      opts.Nodes,
		Health:     health,
		Metrics:    r.metrics,
		QueueSize:  opts.RepairQueueSize,
		Workers:    workers,
		MaxElapsed: opts.RepairMaxElapsed,
		Timeout:    replicationTimeout,
		ParkLimit:  opts.RepairParkLimit,
	})
	opts.Topology.OnInclude(r.replicator.Resume)
	r.weak = newWeakQueue(&weakQueueOptions{
		Logger:    r.logger,
		Metrics:   r.metrics,
		QueueSize: opts.WeakQueueSize,
		Workers:   workers,
		Timeout:   replicationTimeout,
		Apply:     r.applyWeak,
	})

	return r, nil
}

func (r *Router) Policy() *consistency.Policy {
	return r.policy.Load()
}

func (r *Router) SetPolicy(policy *consistency.Policy) {
	r.policy.Store(policy)
}

// SetGate installs the migration gate.  A nil gate disables fencing.
func (r *Router) SetGate(gate MigrationGate) {
	if gate == nil {
		r.gate.Store(nil)
		return
	}
	r.gate.Store(&gateHolder{gate: gate})
}

func (r *Router) Topology() *topology.Topology {
	return r.topology
}

// Close stops background replication.  Queued repairs and weak writes which
// have not been applied yet are abandoned.
func (r *Router) Close() {
	r.weak.Close()
	r.replicator.Close()
}

func (r *Router) Read(ctx context.Context, entity shardkey.Entity) (*Result, error) {
	return r.Execute(ctx, &Operation{Kind: OpRead, Entity: entity})
}

func (r *Router) Write(ctx context.Context, entity shardkey.Entity, payload []byte) (*Result, error) {
	return r.Execute(ctx, &Operation{Kind: OpWrite, Entity: entity, Payload: payload})
}

func (r *Router) Delete(ctx context.Context, entity shardkey.Entity) (*Result, error) {
	return r.Execute(ctx, &Operation{Kind: OpDelete, Entity: entity})
}

// Execute routes a single-entity operation to the shard owning its key and
// applies the consistency level associated with the entity's category.
func (r *Router) Execute(ctx context.Context, op *Operation) (*Result, error) {
	level := r.Policy().LevelFor(op.Entity.Category)

	ctx, span := r.tracer.Start(ctx, "router."+op.Kind.String(), trace.WithAttributes(
		attribute.String("entity.type", op.Entity.Type),
		attribute.String("consistency", level.String()),
	))
	defer span.End()

	res, err := r.execute(ctx, op, level)

	outcome := "success"
	if err != nil {
		outcome = "error"
		var opErr *OperationError
		if errors.As(err, &opErr) && errors.Is(opErr.Err, ErrNotFound) {
			outcome = "not_found"
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	r.metrics.Operations.Add(ctx, 1, metric.WithAttributes(
		metrics.OpAttr(op.Kind.String()),
		metrics.LevelAttr(level.String()),
		attribute.String("outcome", outcome),
	))

	return res, err
}

func (r *Router) execute(ctx context.Context, op *Operation, level consistency.Level) (*Result, error) {
	// the logical timestamp is assigned once and reused on retries so that
	// a retried write is idempotent on replicas which already applied it
	var logicalTS uint64
	staleRetries := 0
	quorumRetried := false

	for {
		snap := r.topology.Current()
		key, shard, err := snap.Resolve(&op.Entity)
		if err != nil {
			return nil, r.opError(op, level, "", snap.Version(), err)
		}

		var res *Result
		if op.Kind.isWrite() {
			if level == consistency.Weak {
				res, err = r.enqueueWeak(op, snap, shard)
			} else {
				res, err = r.write(ctx, op, level, snap, key, shard, &logicalTS)
			}
		} else {
			res, err = r.read(ctx, op, level, snap, key, shard)
		}
		if err == nil {
			return res, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, r.opError(op, level, shard, snap.Version(),
					fmt.Errorf("%w: %w", ErrDeadlineExceeded, err))
			}
			return nil, r.opError(op, level, shard, snap.Version(), ctxErr)
		}

		switch {
		case errors.Is(err, ErrStaleTopology):
			staleRetries++
			r.metrics.StaleTopologyRetries.Add(ctx, 1,
				metric.WithAttributes(metrics.OpAttr(op.Kind.String())))
			if staleRetries > maxStaleRetries {
				return nil, r.opError(op, level, shard, snap.Version(), err)
			}
			r.logger.Debug("retrying operation against newer topology",
				zap.Stringer("op", op.Kind),
				zap.String("shard", string(shard)),
				zap.Uint64("version", uint64(snap.Version())),
				zap.Int("attempt", staleRetries))
			continue

		case errors.Is(err, ErrQuorumUnreachable):
			r.metrics.QuorumFailures.Add(ctx, 1, metric.WithAttributes(
				metrics.ShardAttr(string(shard)),
				metrics.LevelAttr(level.String())))
			if !quorumRetried {
				quorumRetried = true
				continue
			}
			return nil, r.opError(op, level, shard, snap.Version(), err)
		}

		return nil, r.opError(op, level, shard, snap.Version(), err)
	}
}

func (r *Router) opError(op *Operation, level consistency.Level, shard topology.ShardID, version topology.Version, err error) error {
	return &OperationError{
		Op:         op.Kind,
		EntityType: op.Entity.Type,
		EntityID:   op.Entity.ID,
		Shard:      shard,
		Version:    version,
		Level:      level,
		Err:        err,
	}
}

// checkOwnership reports ErrStaleTopology when the key no longer belongs to
// the shard in the current topology, and otherwise returns the snapshot
// which should be used for replica selection.
func (r *Router) checkOwnership(snap *topology.Snapshot, keyspace string, key shardkey.Key, shard topology.ShardID) (*topology.Snapshot, error) {
	current := r.topology.Current()
	if current.Version() == snap.Version() {
		return snap, nil
	}

	kr, ok := current.Lookup(keyspace, key)
	if !ok || kr.Shard != shard {
		return nil, fmt.Errorf("%w: key %d of %s moved from shard %s between versions %d and %d",
			ErrStaleTopology, key, keyspace, shard, snap.Version(), current.Version())
	}
	return current, nil
}

func (r *Router) newRecord(op *Operation, key shardkey.Key, logicalTS uint64) *storagenode.Record {
	rec := &storagenode.Record{
		EntityType:   op.Entity.Type,
		EntityID:     op.Entity.ID,
		Category:     op.Entity.Category,
		Timestamp:    op.Entity.Timestamp,
		PartitionKey: op.Entity.PartitionKey,
		Key:          key,
		LogicalTS:    logicalTS,
	}
	if op.Kind == OpDelete {
		rec.Deleted = true
	} else {
		rec.Payload = op.Payload
	}
	return rec
}

func (r *Router) write(
	ctx context.Context,
	op *Operation,
	level consistency.Level,
	snap *topology.Snapshot,
	key shardkey.Key,
	shard topology.ShardID,
	logicalTS *uint64,
) (*Result, error) {
	var gate MigrationGate
	if holder := r.gate.Load(); holder != nil {
		gate = holder.gate
		release, err := gate.Enter(ctx, shard)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	snap, err := r.checkOwnership(snap, op.Entity.Type, key, shard)
	if err != nil {
		return nil, err
	}

	if level == consistency.Strong {
		release, err := r.sequencer.acquire(ctx, shard)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	if *logicalTS == 0 {
		*logicalTS = r.clock.Now()
	}
	rec := r.newRecord(op, key, *logicalTS)

	replicas, err := r.topology.ReplicasIn(snap, shard)
	if err != nil {
		return nil, err
	}

	r.health.ObserveShardOp(shard)

	acks, err := r.writeReplicas(ctx, replicas, rec, level)
	if err != nil {
		return nil, err
	}

	if gate != nil {
		gate.RecordWrite(shard, rec)
	}

	return &Result{
		Record:  rec,
		Shard:   shard,
		Version: snap.Version(),
		Level:   level,
		Acks:    acks,
	}, nil
}

type replicaResult struct {
	endpoint string
	rec      *storagenode.Record
	err      error
}

func (r *Router) observe(ctx context.Context, shard topology.ShardID, op string, endpoint string, started time.Time, err error) {
	latency := time.Since(started)
	r.health.ObserveReplica(endpoint, latency, err)

	attrs := metric.WithAttributes(
		metrics.ShardAttr(string(shard)),
		metrics.OpAttr(op))
	r.metrics.ReplicaLatency.Record(ctx, latency.Seconds(), attrs)
	if err != nil && !errors.Is(err, storagenode.ErrNotFound) && !errors.Is(err, context.Canceled) {
		r.metrics.ReplicaErrors.Add(ctx, 1, attrs)
	}
}

func (r *Router) writeReplica(ctx context.Context, shard topology.ShardID, endpoint string, rec *storagenode.Record) error {
	node, err := r.nodes.Get(endpoint)
	if err != nil {
		return err
	}

	started := time.Now()
	err = node.Write(ctx, shard, rec)
	r.observe(ctx, shard, "write", endpoint, started, err)
	if err == nil {
		r.replicator.Resume(endpoint)
	}
	return err
}

// writeReplicas sends the record to every available replica and returns
// once the quorum for the level has acknowledged.  Calls still in flight
// continue after the quorum is reached, and replicas which were excluded
// or failed are handed to the replicator.
func (r *Router) writeReplicas(ctx context.Context, replicas topology.ReplicaSet, rec *storagenode.Record, level consistency.Level) (int, error) {
	available := replicas.Available()
	need := consistency.QuorumSize(level, replicas.Size())

	for _, endpoint := range replicas.Replicas {
		if !replicas.IsAvailable(endpoint) {
			r.replicator.Enqueue(&repairJob{Endpoint: endpoint, Shard: replicas.Shard, Record: rec})
		}
	}

	if len(available) < need {
		return 0, fmt.Errorf("%w: %d of %d replicas of shard %s available, %d required",
			ErrQuorumUnreachable, len(available), replicas.Size(), replicas.Shard, need)
	}

	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.replicationTimeout)
	results := make(chan error, len(available))

	var wg sync.WaitGroup
	for _, endpoint := range available {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()

			err := r.writeReplica(detached, replicas.Shard, endpoint, rec)
			if err != nil {
				r.logger.Debug("replica write failed",
					zap.String("endpoint", endpoint),
					zap.String("shard", string(replicas.Shard)),
					zap.Error(err))
				r.replicator.Enqueue(&repairJob{Endpoint: endpoint, Shard: replicas.Shard, Record: rec})
			}
			results <- err
		}(endpoint)
	}
	go func() {
		wg.Wait()
		cancel()
	}()

	acks := 0
	failures := 0
	for acks < need {
		select {
		case err := <-results:
			if err == nil {
				acks++
				continue
			}
			failures++
			if len(available)-failures < need {
				return acks, fmt.Errorf("%w: %d of %d replicas of shard %s acknowledged, %d required: %w",
					ErrQuorumUnreachable, acks, replicas.Size(), replicas.Shard, need, err)
			}
		case <-ctx.Done():
			return acks, ctx.Err()
		}
	}

	return acks, nil
}
