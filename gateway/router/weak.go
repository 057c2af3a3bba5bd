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
	"sync"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/pkg/metrics"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type weakWrite struct {
	op        *Operation
	logicalTS uint64
}

type weakQueueOptions struct {
	Logger    *zap.Logger
	Metrics   *metrics.ShardingMetrics
	QueueSize int
	Workers   int
	Timeout   time.Duration
	Apply     func(ctx context.Context, w *weakWrite) error
}

// weakQueue applies fire-and-forget writes on a bounded worker pool.
// Writes which do not fit in the queue, or which fail, are dropped.
type weakQueue struct {
	logger  *zap.Logger
	metrics *metrics.ShardingMetrics
	timeout time.Duration
	apply   func(ctx context.Context, w *weakWrite) error

	queue     chan *weakWrite
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newWeakQueue(opts *weakQueueOptions) *weakQueue {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &weakQueue{
		logger:  opts.Logger.Named("weak"),
		metrics: opts.Metrics,
		timeout: opts.Timeout,
		apply:   opts.Apply,
		queue:   make(chan *weakWrite, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

func (q *weakQueue) Enqueue(w *weakWrite) bool {
	if q.ctx.Err() != nil {
		q.drop(w, errors.New("router closed"))
		return false
	}

	select {
	case q.queue <- w:
		return true
	default:
		q.drop(w, errors.New("queue full"))
		return false
	}
}

func (q *weakQueue) drop(w *weakWrite, err error) {
	q.metrics.WeakWritesDropped.Add(context.Background(), 1,
		metric.WithAttributes(metrics.OpAttr(w.op.Kind.String())))
	q.logger.Debug("dropped weak write",
		zap.Stringer("op", w.op.Kind),
		zap.String("entity", w.op.Entity.Type+"/"+w.op.Entity.ID),
		zap.Error(err))
}

func (q *weakQueue) worker() {
	defer q.wg.Done()

	for {
		select {
		case w := <-q.queue:
			ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
			err := q.apply(ctx, w)
			cancel()
			if err != nil {
				q.drop(w, err)
			}
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *weakQueue) Close() {
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

// enqueueWeak accepts a weak write immediately.  The write is resolved
// again when it is applied, so it follows the topology current at that time.
func (r *Router) enqueueWeak(op *Operation, snap *topology.Snapshot, shard topology.ShardID) (*Result, error) {
	w := &weakWrite{
		op:        op,
		logicalTS: r.clock.Now(),
	}
	r.weak.Enqueue(w)

	return &Result{
		Shard:   shard,
		Version: snap.Version(),
		Level:   consistency.Weak,
	}, nil
}

func (r *Router) applyWeak(ctx context.Context, w *weakWrite) error {
	logicalTS := w.logicalTS
	for attempt := 0; ; attempt++ {
		snap := r.topology.Current()
		key, shard, err := snap.Resolve(&w.op.Entity)
		if err != nil {
			return err
		}

		_, err = r.write(ctx, w.op, consistency.Weak, snap, key, shard, &logicalTS)
		if errors.Is(err, ErrStaleTopology) && attempt < maxStaleRetries {
			continue
		}
		return err
	}
}
