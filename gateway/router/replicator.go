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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/pkg/metrics"
	"github.com/couchbase/stellar-sharding/storagenode"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type repairJob struct {
	Endpoint string
	Shard    topology.ShardID
	Record   *storagenode.Record
}

type parkedKey struct {
	shard      topology.ShardID
	entityType string
	entityID   string
}

type replicatorOptions struct {
	Logger     *zap.Logger
	Nodes      *storagenode.Pool
	Health     HealthObserver
	Metrics    *metrics.ShardingMetrics
	QueueSize  int
	Workers    int
	MaxElapsed time.Duration
	Timeout    time.Duration

	// ParkLimit bounds the number of entities owed to a single endpoint.
	ParkLimit int
}

// replicator brings lagging replicas up to date in the background.  Each
// job is retried with exponential backoff until it succeeds or its retry
// budget is spent.  Jobs which run out of budget, or find the backlog
// full, are parked per endpoint keeping only the newest version of each
// entity, and are replayed once the endpoint is reachable again.
type replicator struct {
	logger     *zap.Logger
	nodes      *storagenode.Pool
	health     HealthObserver
	metrics    *metrics.ShardingMetrics
	maxElapsed time.Duration
	timeout    time.Duration
	parkLimit  int

	parkedLock  sync.Mutex
	parked      map[string]map[parkedKey]*repairJob
	parkedCount atomic.Int64

	queue     chan *repairJob
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newReplicator(opts *replicatorOptions) *replicator {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}

	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 2 * time.Minute
	}

	parkLimit := opts.ParkLimit
	if parkLimit <= 0 {
		parkLimit = 65536
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &replicator{
		logger:     opts.Logger.Named("replicator"),
		nodes:      opts.Nodes,
		health:     opts.Health,
		metrics:    opts.Metrics,
		maxElapsed: maxElapsed,
		timeout:    opts.Timeout,
		parkLimit:  parkLimit,
		parked:     make(map[string]map[parkedKey]*repairJob),
		queue:      make(chan *repairJob, queueSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	return r
}

// Enqueue schedules a repair without blocking.  It returns false if the
// backlog is full, in which case the job is parked.
func (r *replicator) Enqueue(job *repairJob) bool {
	if r.ctx.Err() != nil {
		return false
	}

	select {
	case r.queue <- job:
		r.metrics.ReplicationBacklog.Add(r.ctx, 1)
		return true
	default:
		r.logger.Debug("replication backlog full, parking repair",
			zap.String("endpoint", job.Endpoint),
			zap.String("shard", string(job.Shard)))
		r.park(job)
		return false
	}
}

func (r *replicator) park(job *repairJob) {
	key := parkedKey{
		shard:      job.Shard,
		entityType: job.Record.EntityType,
		entityID:   job.Record.EntityID,
	}

	r.parkedLock.Lock()
	owed := r.parked[job.Endpoint]
	if owed == nil {
		owed = make(map[parkedKey]*repairJob)
		r.parked[job.Endpoint] = owed
	}

	existing, ok := owed[key]
	switch {
	case ok:
		if storagenode.ShouldApply(existing.Record, job.Record) {
			owed[key] = job
		}
		r.parkedLock.Unlock()
		return
	case len(owed) >= r.parkLimit:
		r.parkedLock.Unlock()
		r.metrics.RepairsDropped.Add(r.ctx, 1, metric.WithAttributes(metrics.EndpointAttr(job.Endpoint)))
		r.logger.Warn("too many repairs owed to replica, dropping repair",
			zap.String("endpoint", job.Endpoint),
			zap.String("shard", string(job.Shard)),
			zap.String("entity", job.Record.EntityType+"/"+job.Record.EntityID))
		return
	}

	owed[key] = job
	r.parkedCount.Add(1)
	r.parkedLock.Unlock()

	r.metrics.RepairsParked.Add(r.ctx, 1, metric.WithAttributes(metrics.EndpointAttr(job.Endpoint)))
}

// Parked returns the number of entities owed to an endpoint.
func (r *replicator) Parked(endpoint string) int {
	r.parkedLock.Lock()
	defer r.parkedLock.Unlock()
	return len(r.parked[endpoint])
}

// Resume replays every repair parked for an endpoint.  It never blocks.
func (r *replicator) Resume(endpoint string) {
	if r.parkedCount.Load() == 0 || r.ctx.Err() != nil {
		return
	}

	r.parkedLock.Lock()
	owed := r.parked[endpoint]
	delete(r.parked, endpoint)
	r.parkedCount.Add(-int64(len(owed)))
	r.parkedLock.Unlock()

	if len(owed) == 0 {
		return
	}

	r.metrics.RepairsParked.Add(r.ctx, -int64(len(owed)), metric.WithAttributes(metrics.EndpointAttr(endpoint)))
	r.logger.Info("replaying repairs owed to replica",
		zap.String("endpoint", endpoint),
		zap.Int("repairs", len(owed)))

	for _, job := range owed {
		r.Enqueue(job)
	}
}

func (r *replicator) worker() {
	defer r.wg.Done()

	for {
		select {
		case job := <-r.queue:
			r.metrics.ReplicationBacklog.Add(r.ctx, -1)
			r.repair(job)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *replicator) repair(job *repairJob) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = r.maxElapsed

	err := backoff.Retry(func() error {
		node, err := r.nodes.Get(job.Endpoint)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()

		started := time.Now()
		err = node.Write(ctx, job.Shard, job.Record)
		r.health.ObserveReplica(job.Endpoint, time.Since(started), err)
		return err
	}, backoff.WithContext(b, r.ctx))
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}

		r.metrics.ReplicaErrors.Add(r.ctx, 1, metric.WithAttributes(
			metrics.ShardAttr(string(job.Shard)),
			metrics.OpAttr("repair")))
		r.logger.Warn("parking replica repair until the replica recovers",
			zap.String("endpoint", job.Endpoint),
			zap.String("shard", string(job.Shard)),
			zap.String("entity", job.Record.EntityType+"/"+job.Record.EntityID),
			zap.Error(err))
		r.park(job)
		return
	}

	r.Resume(job.Endpoint)
}

func (r *replicator) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}
