/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package scatter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/router"
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
	"golang.org/x/sync/errgroup"
)

const (
	maxStaleRetries = 3
)

type PolicySource interface {
	Policy() *consistency.Policy
}

type CoordinatorOptions struct {
	Logger   *zap.Logger
	Topology *topology.Topology
	Nodes    *storagenode.Pool
	Policy   PolicySource
	Health   router.HealthObserver

	// MaxConcurrency bounds the number of shards queried at once.
	MaxConcurrency int

	// ShardTimeout bounds the time spent waiting on a single shard.  A
	// shard which does not answer in time is reported missing.
	ShardTimeout time.Duration
}

type Coordinator struct {
	logger         *zap.Logger
	topology       *topology.Topology
	nodes          *storagenode.Pool
	policy         PolicySource
	health         router.HealthObserver
	maxConcurrency int
	shardTimeout   time.Duration
	metrics        *metrics.ShardingMetrics
	tracer         trace.Tracer
}

type staticPolicy struct {
	policy *consistency.Policy
}

func (p staticPolicy) Policy() *consistency.Policy {
	return p.policy
}

func NewCoordinator(opts *CoordinatorOptions) (*Coordinator, error) {
	if opts.Topology == nil || opts.Nodes == nil {
		return nil, errors.New("coordinator requires a topology and a node pool")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := opts.Policy
	if policy == nil {
		policy = staticPolicy{policy: consistency.DefaultPolicy()}
	}

	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 16
	}

	shardTimeout := opts.ShardTimeout
	if shardTimeout <= 0 {
		shardTimeout = 10 * time.Second
	}

	return &Coordinator{
		logger:         logger.Named("scatter"),
		topology:       opts.Topology,
		nodes:          opts.Nodes,
		policy:         policy,
		health:         opts.Health,
		maxConcurrency: maxConcurrency,
		shardTimeout:   shardTimeout,
		metrics:        metrics.GetShardingMetrics(),
		tracer:         otel.Tracer("github.com/couchbase/stellar-sharding/gateway/scatter"),
	}, nil
}

// ScatterGather runs a query against every shard which may hold matching
// records and merges the answers.
func (c *Coordinator) ScatterGather(ctx context.Context, q *Query) (*QueryResult, error) {
	policy := c.policy.Policy()
	level := policy.LevelFor(q.Category)

	minCoverage := q.MinCoverage
	if minCoverage <= 0 || minCoverage > 1 {
		minCoverage = policy.MinCoverage()
	}

	ctx, span := c.tracer.Start(ctx, "scatter.query", trace.WithAttributes(
		attribute.String("entity.type", q.EntityType),
		attribute.String("consistency", level.String()),
	))
	defer span.End()

	c.metrics.ScatterQueries.Add(ctx, 1, metric.WithAttributes(metrics.LevelAttr(level.String())))

	res, err := c.scatterGather(ctx, q, level, minCoverage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var qErr *QueryError
		if errors.As(err, &qErr) && errors.Is(err, ErrIncompleteScatter) {
			c.metrics.ScatterIncomplete.Add(ctx, 1, metric.WithAttributes(metrics.LevelAttr(level.String())))
		}
		return nil, err
	}

	if res.Partial {
		c.metrics.ScatterPartial.Add(ctx, 1, metric.WithAttributes(metrics.LevelAttr(level.String())))
		c.logger.Debug("returning partial query result",
			zap.String("entityType", q.EntityType),
			zap.Float64("coverage", res.Coverage),
			zap.Any("missing", res.Missing))
	}
	span.SetAttributes(
		attribute.Int("shards", len(res.Shards)),
		attribute.Int("records", len(res.Records)))

	return res, nil
}

func (c *Coordinator) scatterGather(ctx context.Context, q *Query, level consistency.Level, minCoverage float64) (*QueryResult, error) {
	for attempt := 0; ; attempt++ {
		snap := c.topology.Current()

		intervals, pruned, err := snap.Partitioning().Candidates(q.EntityType, &q.Predicate)
		if err != nil {
			return nil, newQueryError(q, level, snap, nil, err)
		}
		if !pruned {
			intervals = nil
		}

		shards := snap.ShardsFor(q.EntityType, intervals)
		answers := c.fanOut(ctx, snap, q, level, shards, intervals)

		if ctxErr := ctx.Err(); ctxErr != nil {
			qErr := newQueryError(q, level, snap, answers, ctxErr)
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				qErr.Err = fmt.Errorf("%w: %w", router.ErrDeadlineExceeded, ctxErr)
			}
			return nil, qErr
		}

		if moved(snap, c.topology.Current(), q.EntityType, intervals) {
			c.metrics.StaleTopologyRetries.Add(ctx, 1, metric.WithAttributes(metrics.OpAttr("query")))
			if attempt >= maxStaleRetries {
				return nil, newQueryError(q, level, snap, answers,
					fmt.Errorf("%w: ranges of %s moved during the query", router.ErrStaleTopology, q.EntityType))
			}
			continue
		}

		return c.assemble(q, level, minCoverage, snap, answers)
	}
}

type shardAnswer struct {
	shard   topology.ShardID
	records []*storagenode.Record
	err     error
}

func (c *Coordinator) fanOut(
	ctx context.Context,
	snap *topology.Snapshot,
	q *Query,
	level consistency.Level,
	shards []topology.ShardID,
	intervals []shardkey.Interval,
) []shardAnswer {
	answers := make([]shardAnswer, len(shards))

	var group errgroup.Group
	group.SetLimit(c.maxConcurrency)
	for i, shard := range shards {
		answers[i].shard = shard
		filters := scanFilters(snap, q, shard, intervals)

		group.Go(func() error {
			shardCtx, cancel := context.WithTimeout(ctx, c.shardTimeout)
			defer cancel()

			records, err := c.queryShard(shardCtx, snap, level, shard, filters)
			answers[i].records = records
			answers[i].err = err
			if err != nil {
				c.logger.Debug("shard did not answer query",
					zap.String("shard", string(shard)),
					zap.String("entityType", q.EntityType),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = group.Wait()

	return answers
}

// scanFilters builds one filter per key interval owned by the shard and
// admitted by the candidate intervals.  Restricting scans to owned ranges
// keeps records left behind by a migration out of the result.
//
// Only the entity ids are pushed down to the nodes.  Category and time of
// an entity can change between versions, so those clauses are applied by
// Merge once the newest version of each entity is known.
func scanFilters(snap *topology.Snapshot, q *Query, shard topology.ShardID, intervals []shardkey.Interval) []*storagenode.ScanFilter {
	var filters []*storagenode.ScanFilter
	add := func(start, end shardkey.Key) {
		if start >= end {
			return
		}
		filters = append(filters, &storagenode.ScanFilter{
			EntityType:     q.EntityType,
			KeyStart:       start,
			KeyEnd:         end,
			IDs:            q.Predicate.IDs,
			IncludeDeleted: true,
		})
	}

	for _, r := range snap.Ranges(q.EntityType) {
		if r.Shard != shard {
			continue
		}
		if intervals == nil {
			add(r.Start, r.End)
			continue
		}
		for _, in := range intervals {
			add(max(r.Start, in.Start), min(r.End, in.End))
		}
	}
	return filters
}

func (c *Coordinator) queryShard(
	ctx context.Context,
	snap *topology.Snapshot,
	level consistency.Level,
	shard topology.ShardID,
	filters []*storagenode.ScanFilter,
) ([]*storagenode.Record, error) {
	replicas, err := c.topology.ReplicasIn(snap, shard)
	if err != nil {
		return nil, err
	}

	available := replicas.Available()
	if level == consistency.Strong {
		return c.queryQuorum(ctx, replicas, available, filters)
	}

	if c.health != nil {
		available = c.health.Rank(available)
	}

	var lastErr error = errors.New("no replicas available")
	for _, endpoint := range available {
		records, err := c.scanReplica(ctx, shard, endpoint, filters)
		if err == nil {
			return records, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: shard %s: %w", router.ErrQuorumUnreachable, shard, lastErr)
}

func (c *Coordinator) queryQuorum(
	ctx context.Context,
	replicas topology.ReplicaSet,
	available []string,
	filters []*storagenode.ScanFilter,
) ([]*storagenode.Record, error) {
	need := consistency.QuorumSize(consistency.Strong, replicas.Size())
	if len(available) < need {
		return nil, fmt.Errorf("%w: %d of %d replicas of shard %s available, %d required",
			router.ErrQuorumUnreachable, len(available), replicas.Size(), replicas.Shard, need)
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type scanResult struct {
		records []*storagenode.Record
		err     error
	}
	results := make(chan scanResult, len(available))
	for _, endpoint := range available {
		go func(endpoint string) {
			records, err := c.scanReplica(scanCtx, replicas.Shard, endpoint, filters)
			results <- scanResult{records: records, err: err}
		}(endpoint)
	}

	var merged []*storagenode.Record
	answered := 0
	failures := 0
	for answered < need {
		select {
		case res := <-results:
			if res.err != nil {
				failures++
				if len(available)-failures < need {
					return nil, fmt.Errorf("%w: %d of %d replicas of shard %s answered, %d required: %w",
						router.ErrQuorumUnreachable, answered, replicas.Size(), replicas.Shard, need, res.err)
				}
				continue
			}
			answered++
			merged = append(merged, res.records...)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return merged, nil
}

func (c *Coordinator) scanReplica(ctx context.Context, shard topology.ShardID, endpoint string, filters []*storagenode.ScanFilter) ([]*storagenode.Record, error) {
	node, err := c.nodes.Get(endpoint)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	var records []*storagenode.Record
	for _, filter := range filters {
		batch, scanErr := node.Scan(ctx, shard, filter)
		if scanErr != nil {
			err = scanErr
			break
		}
		records = append(records, batch...)
	}

	latency := time.Since(started)
	if c.health != nil {
		c.health.ObserveReplica(endpoint, latency, err)
	}
	attrs := metric.WithAttributes(metrics.ShardAttr(string(shard)), metrics.OpAttr("scan"))
	c.metrics.ReplicaLatency.Record(ctx, latency.Seconds(), attrs)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.metrics.ReplicaErrors.Add(ctx, 1, attrs)
		}
		return nil, err
	}

	return records, nil
}

func (c *Coordinator) assemble(q *Query, level consistency.Level, minCoverage float64, snap *topology.Snapshot, answers []shardAnswer) (*QueryResult, error) {
	res := &QueryResult{
		Level:    level,
		Version:  snap.Version(),
		Coverage: 1,
	}

	var records []*storagenode.Record
	for _, answer := range answers {
		res.Shards = append(res.Shards, answer.shard)
		if answer.err != nil {
			res.Missing = append(res.Missing, answer.shard)
			continue
		}
		records = append(records, answer.records...)
	}

	if len(res.Shards) > 0 {
		res.Coverage = float64(len(res.Shards)-len(res.Missing)) / float64(len(res.Shards))
	}

	if len(res.Missing) > 0 {
		var firstErr error
		for _, answer := range answers {
			if answer.err != nil {
				firstErr = answer.err
				break
			}
		}

		if level == consistency.Strong {
			return nil, newQueryError(q, level, snap, answers,
				fmt.Errorf("%w: strong queries require every shard: %w", ErrIncompleteScatter, firstErr))
		}
		if res.Coverage < minCoverage {
			return nil, newQueryError(q, level, snap, answers,
				fmt.Errorf("%w: coverage %.2f is below the minimum of %.2f: %w",
					ErrIncompleteScatter, res.Coverage, minCoverage, firstErr))
		}
		res.Partial = true
	}

	res.Records = Merge(records, &q.Predicate, q.Limit)
	return res, nil
}

func newQueryError(q *Query, level consistency.Level, snap *topology.Snapshot, answers []shardAnswer, err error) *QueryError {
	qErr := &QueryError{
		EntityType: q.EntityType,
		Level:      level,
		Version:    snap.Version(),
		Coverage:   1,
		Err:        err,
	}
	for _, answer := range answers {
		qErr.Shards = append(qErr.Shards, answer.shard)
		if answer.err != nil {
			qErr.Missing = append(qErr.Missing, answer.shard)
		}
	}
	if len(qErr.Shards) > 0 {
		qErr.Coverage = float64(len(qErr.Shards)-len(qErr.Missing)) / float64(len(qErr.Shards))
	}
	return qErr
}

// Merge keeps the newest version of every entity, drops deleted entities
// and those whose newest version does not match the predicate, and orders
// the remainder by timestamp, newest first, then by id.  A positive limit
// truncates the result.
func Merge(records []*storagenode.Record, pred *shardkey.Predicate, limit int) []*storagenode.Record {
	type entityKey struct {
		entityType string
		entityID   string
	}

	newest := make(map[entityKey]*storagenode.Record, len(records))
	for _, rec := range records {
		k := entityKey{rec.EntityType, rec.EntityID}
		if storagenode.ShouldApply(newest[k], rec) {
			newest[k] = rec
		}
	}

	out := make([]*storagenode.Record, 0, len(newest))
	for _, rec := range newest {
		if rec.Deleted || !pred.Matches(rec.Entity()) {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].EntityType < out[j].EntityType
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// moved reports whether any range of the keyspace admitted by the
// intervals is owned by a different shard in the newer snapshot.
func moved(old, cur *topology.Snapshot, keyspace string, intervals []shardkey.Interval) bool {
	if old.Version() == cur.Version() {
		return false
	}

	relevant := func(r topology.KeyRange) bool {
		if intervals == nil {
			return true
		}
		for _, in := range intervals {
			if in.Overlaps(r.Start, r.End) {
				return true
			}
		}
		return false
	}

	for _, r := range old.Ranges(keyspace) {
		if !relevant(r) {
			continue
		}
		for _, nr := range cur.Ranges(keyspace) {
			if nr.Start < r.End && r.Start < nr.End && nr.Shard != r.Shard {
				return true
			}
		}
	}
	return false
}
