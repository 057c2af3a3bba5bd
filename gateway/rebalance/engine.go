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
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/pkg/metrics"
	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Publisher persists topology versions installed by the engine so that
// other gateways pick them up.
type Publisher interface {
	Publish(ctx context.Context, snap *topology.Snapshot) error
}

// LoadSource reports recent operation counts per shard.
type LoadSource interface {
	ShardLoad() map[topology.ShardID]int64
}

type EngineOptions struct {
	Logger    *zap.Logger
	Topology  *topology.Topology
	Nodes     *storagenode.Pool
	Gate      *Gate
	Publisher Publisher
	Load      LoadSource

	BatchSize       int
	CopyParallelism int
	VerifyAttempts  int
	MaxAttempts     int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	AttemptTimeout  time.Duration
	CutoverTimeout  time.Duration
	ArchiveSize     int
}

type Engine struct {
	logger          *zap.Logger
	topology        *topology.Topology
	nodes           *storagenode.Pool
	gate            *Gate
	publisher       Publisher
	load            LoadSource
	metrics         *metrics.ShardingMetrics
	batchSize       int
	copyParallelism int
	verifyAttempts  int
	maxAttempts     int
	retryInitial    time.Duration
	retryMax        time.Duration
	attemptTimeout  time.Duration
	cutoverTimeout  time.Duration
	archiveSize     int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock    sync.Mutex
	active  map[string]*taskEntry
	archive []*Task
	runners map[topology.ShardID]chan struct{}

	// installLock serializes topology changes made by the engine.
	installLock sync.Mutex
}

type taskEntry struct {
	task *Task
	done chan struct{}
}

func NewEngine(opts *EngineOptions) (*Engine, error) {
	if opts.Topology == nil || opts.Nodes == nil {
		return nil, errors.New("rebalancing engine requires a topology and a node pool")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gate := opts.Gate
	if gate == nil {
		gate = NewGate()
	}

	withDefault := func(v, def int) int {
		if v <= 0 {
			return def
		}
		return v
	}
	withDefaultDuration := func(v, def time.Duration) time.Duration {
		if v <= 0 {
			return def
		}
		return v
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		logger:          logger.Named("rebalance"),
		topology:        opts.Topology,
		nodes:           opts.Nodes,
		gate:            gate,
		publisher:       opts.Publisher,
		load:            opts.Load,
		metrics:         metrics.GetShardingMetrics(),
		batchSize:       withDefault(opts.BatchSize, 256),
		copyParallelism: withDefault(opts.CopyParallelism, 8),
		verifyAttempts:  withDefault(opts.VerifyAttempts, 3),
		maxAttempts:     withDefault(opts.MaxAttempts, 3),
		retryInitial:    withDefaultDuration(opts.RetryInitial, time.Second),
		retryMax:        withDefaultDuration(opts.RetryMax, 30*time.Second),
		attemptTimeout:  withDefaultDuration(opts.AttemptTimeout, 10*time.Minute),
		cutoverTimeout:  withDefaultDuration(opts.CutoverTimeout, 30*time.Second),
		archiveSize:     withDefault(opts.ArchiveSize, 64),
		ctx:             ctx,
		cancel:          cancel,
		active:          make(map[string]*taskEntry),
		runners:         make(map[topology.ShardID]chan struct{}),
	}, nil
}

// Gate is the write fence to install on the router.
func (e *Engine) Gate() *Gate {
	return e.gate
}

func (e *Engine) SetPublisher(publisher Publisher) {
	e.lock.Lock()
	e.publisher = publisher
	e.lock.Unlock()
}

// Close abandons running migrations and waits for them to stop.  An
// abandoned migration leaves the source authoritative.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

type MoveRequest struct {
	Keyspace    string
	Start       shardkey.Key
	End         shardkey.Key
	Destination topology.ShardID
	Reason      Reason
}

// Submit validates a range move against the current topology and schedules
// it.  The range must be owned by a single shard.
func (e *Engine) Submit(req *MoveRequest) (*Task, error) {
	snap := e.topology.Current()

	source, err := owner(snap, req.Keyspace, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	if source == req.Destination {
		return nil, fmt.Errorf("%w: range is already owned by %s", ErrInvalidMove, source)
	}
	if _, ok := snap.Shard(req.Destination); !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrInvalidMove, topology.ErrUnknownShard, req.Destination)
	}

	reason := req.Reason
	if reason == "" {
		reason = ReasonManual
	}

	now := time.Now()
	task := &Task{
		ID:          uuid.NewString(),
		Keyspace:    req.Keyspace,
		Start:       req.Start,
		End:         req.End,
		Source:      source,
		Destination: req.Destination,
		Reason:      reason,
		State:       StatePending,
		Created:     now,
		Updated:     now,
	}
	entry := &taskEntry{task: task, done: make(chan struct{})}

	e.lock.Lock()
	e.active[task.ID] = entry
	e.lock.Unlock()

	e.logger.Info("scheduled range migration",
		zap.String("task", task.ID),
		zap.String("range", task.describe()),
		zap.String("reason", string(reason)))

	e.wg.Add(1)
	go e.run(entry)

	return e.copyTask(task), nil
}

// MoveRange schedules a manual move of [start, end) of a keyspace.
func (e *Engine) MoveRange(keyspace string, start, end shardkey.Key, to topology.ShardID) (*Task, error) {
	return e.Submit(&MoveRequest{
		Keyspace:    keyspace,
		Start:       start,
		End:         end,
		Destination: to,
		Reason:      ReasonManual,
	})
}

// owner returns the single shard owning all of [start, end).
func owner(snap *topology.Snapshot, keyspace string, start, end shardkey.Key) (topology.ShardID, error) {
	if start >= end {
		return "", fmt.Errorf("%w: empty range [%d,%d)", ErrInvalidMove, start, end)
	}

	var source topology.ShardID
	next := start
	for _, r := range snap.Ranges(keyspace) {
		if r.End <= next || r.Start >= end {
			continue
		}
		if r.Start > next {
			break
		}
		if source != "" && r.Shard != source {
			return "", fmt.Errorf("%w: [%d,%d) of %s spans shards %s and %s",
				ErrInvalidMove, start, end, keyspace, source, r.Shard)
		}
		source = r.Shard
		next = r.End
		if next >= end {
			return source, nil
		}
	}

	return "", fmt.Errorf("%w: [%d,%d) of %s is not fully assigned", ErrInvalidMove, start, end, keyspace)
}

func (e *Engine) copyTask(task *Task) *Task {
	e.lock.Lock()
	defer e.lock.Unlock()

	c := *task
	return &c
}

func (e *Engine) update(task *Task, fn func(t *Task)) {
	e.lock.Lock()
	fn(task)
	task.Updated = time.Now()
	e.lock.Unlock()
}

func (e *Engine) transition(task *Task, state State) {
	e.update(task, func(t *Task) {
		t.State = state
	})

	e.metrics.MigrationTransitions.Add(e.ctx, 1, metric.WithAttributes(
		attribute.String("state", state.String()),
		attribute.String("reason", string(task.Reason))))
	e.logger.Debug("migration state change",
		zap.String("task", task.ID),
		zap.Stringer("state", state))
}

// Task returns a copy of an active or archived task.
func (e *Engine) Task(id string) (*Task, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if entry, ok := e.active[id]; ok {
		c := *entry.task
		return &c, nil
	}
	for _, task := range e.archive {
		if task.ID == id {
			c := *task
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
}

// Tasks lists active tasks followed by archived ones, newest first.
func (e *Engine) Tasks() []*Task {
	e.lock.Lock()
	defer e.lock.Unlock()

	tasks := make([]*Task, 0, len(e.active)+len(e.archive))
	for _, entry := range e.active {
		c := *entry.task
		tasks = append(tasks, &c)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Created.After(tasks[j].Created)
	})
	for i := len(e.archive) - 1; i >= 0; i-- {
		c := *e.archive[i]
		tasks = append(tasks, &c)
	}
	return tasks
}

// Wait blocks until the task reaches a terminal state.
func (e *Engine) Wait(ctx context.Context, id string) (*Task, error) {
	e.lock.Lock()
	entry, ok := e.active[id]
	e.lock.Unlock()

	if ok {
		select {
		case <-entry.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return e.Task(id)
}

func (e *Engine) hasActiveFrom(shard topology.ShardID) bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	for _, entry := range e.active {
		if entry.task.Source == shard {
			return true
		}
	}
	return false
}

// acquireRunner serializes migrations out of the same source shard.
func (e *Engine) acquireRunner(ctx context.Context, shard topology.ShardID) (func(), error) {
	e.lock.Lock()
	ch, ok := e.runners[shard]
	if !ok {
		ch = make(chan struct{}, 1)
		e.runners[shard] = ch
	}
	e.lock.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) finish(entry *taskEntry) {
	e.lock.Lock()
	delete(e.active, entry.task.ID)
	e.archive = append(e.archive, entry.task)
	if len(e.archive) > e.archiveSize {
		e.archive = e.archive[len(e.archive)-e.archiveSize:]
	}
	e.lock.Unlock()

	close(entry.done)
}

func (e *Engine) run(entry *taskEntry) {
	defer e.wg.Done()
	defer e.finish(entry)

	task := entry.task
	logger := e.logger.With(zap.String("task", task.ID), zap.String("range", task.describe()))

	release, err := e.acquireRunner(e.ctx, task.Source)
	if err != nil {
		e.fail(task, logger, err)
		return
	}
	defer release()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInitial
	b.MaxInterval = e.retryMax
	b.MaxElapsedTime = 0

	var lastErr error
MainLoop:
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		e.update(task, func(t *Task) {
			t.Attempts = attempt
		})

		lastErr = e.attempt(task)
		if lastErr == nil {
			e.transition(task, StateDone)
			logger.Info("range migration complete",
				zap.Int("attempts", attempt),
				zap.Uint64("version", uint64(task.Version)))
			return
		}

		if errors.Is(lastErr, ErrInvalidMove) || e.ctx.Err() != nil {
			break
		}

		e.update(task, func(t *Task) {
			t.State = StatePending
			t.Error = lastErr.Error()
		})

		if attempt == e.maxAttempts {
			break
		}

		wait := b.NextBackOff()
		logger.Warn("range migration attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr))

		select {
		case <-time.After(wait):
		case <-e.ctx.Done():
			break MainLoop
		}
	}

	e.fail(task, logger, lastErr)
}

func (e *Engine) fail(task *Task, logger *zap.Logger, err error) {
	if err == nil {
		err = e.ctx.Err()
	}
	failure := fmt.Errorf("%w: %s after %d attempts: %w", ErrMigrationFailed, task.describe(), task.Attempts, err)

	e.update(task, func(t *Task) {
		t.Err = failure
		t.Error = failure.Error()
	})
	e.transition(task, StateFailed)

	e.metrics.MigrationFailures.Add(e.ctx, 1, metric.WithAttributes(
		metrics.ShardAttr(string(task.Source)),
		attribute.String("reason", string(task.Reason))))
	logger.Error("range migration failed, source remains authoritative", zap.Error(failure))
}

// attempt runs one pass of copy, verify and cutover.
func (e *Engine) attempt(task *Task) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.attemptTimeout)
	defer cancel()

	snap := e.topology.Current()
	source, err := owner(snap, task.Keyspace, task.Start, task.End)
	if err != nil {
		return err
	}
	if source != task.Source {
		return fmt.Errorf("%w: range is now owned by %s", ErrInvalidMove, source)
	}
	if snap.IsRetired(task.Destination) {
		return fmt.Errorf("%w: %w: %s", ErrInvalidMove, topology.ErrRetiredShard, task.Destination)
	}
	if _, ok := snap.Shard(task.Destination); !ok {
		return fmt.Errorf("%w: %w: %s", ErrInvalidMove, topology.ErrUnknownShard, task.Destination)
	}

	log := e.gate.openLog(task.Source, task.Keyspace, task.Start, task.End)
	defer e.gate.closeLog(task.Source, log)

	e.transition(task, StateCopying)
	records, err := e.scanQuorum(ctx, task.Source, rangeFilter(task))
	if err != nil {
		return fmt.Errorf("copy: scanning source: %w", err)
	}
	if err := e.writeAll(ctx, task.Destination, records); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	e.update(task, func(t *Task) {
		t.Copied = len(records)
	})

	e.transition(task, StateVerifying)
	var verifyErr error
	for i := 0; i < e.verifyAttempts; i++ {
		if err := e.replay(ctx, task, log); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		verifyErr = e.verify(ctx, task)
		if verifyErr == nil {
			break
		}
		if !errors.Is(verifyErr, ErrVerifyMismatch) {
			return fmt.Errorf("verify: %w", verifyErr)
		}

		// the source changed underneath us, copy again
		records, err := e.scanQuorum(ctx, task.Source, rangeFilter(task))
		if err != nil {
			return fmt.Errorf("verify: rescanning source: %w", err)
		}
		if err := e.writeAll(ctx, task.Destination, records); err != nil {
			return fmt.Errorf("verify: recopying: %w", err)
		}
	}
	if verifyErr != nil {
		return fmt.Errorf("verify: %w", verifyErr)
	}

	e.transition(task, StateCutover)
	return e.cutover(ctx, task, log)
}

func (e *Engine) cutover(ctx context.Context, task *Task, log *dualLog) error {
	cutoverCtx, cancel := context.WithTimeout(ctx, e.cutoverTimeout)
	defer cancel()

	release, err := e.gate.exclusive(cutoverCtx, task.Source)
	if err != nil {
		return fmt.Errorf("cutover: acquiring gate: %w", err)
	}
	defer release()

	if err := e.replay(cutoverCtx, task, log); err != nil {
		return fmt.Errorf("cutover: %w", err)
	}

	next, err := e.install(func(opts *topology.SnapshotOptions) error {
		return opts.MoveRange(task.Keyspace, task.Start, task.End, task.Destination)
	})
	if err != nil {
		return fmt.Errorf("cutover: %w", err)
	}

	e.update(task, func(t *Task) {
		t.Version = next.Version()
	})
	return nil
}

// install applies a change to the current topology and installs the
// result, retrying if another writer installed a version in between.
func (e *Engine) install(change func(opts *topology.SnapshotOptions) error) (*topology.Snapshot, error) {
	e.installLock.Lock()
	defer e.installLock.Unlock()

	var lastErr error
	for i := 0; i < 3; i++ {
		opts := e.topology.Current().Options()
		if err := change(opts); err != nil {
			return nil, err
		}

		next, err := topology.NewSnapshot(opts)
		if err != nil {
			return nil, err
		}

		lastErr = e.topology.Install(next)
		if lastErr == nil {
			e.publish(next)
			return next, nil
		}
		if !errors.Is(lastErr, topology.ErrVersionConflict) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (e *Engine) publish(snap *topology.Snapshot) {
	e.lock.Lock()
	publisher := e.publisher
	e.lock.Unlock()

	if publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()

	if err := publisher.Publish(ctx, snap); err != nil {
		e.logger.Warn("failed to publish topology",
			zap.Uint64("version", uint64(snap.Version())),
			zap.Error(err))
	}
}
