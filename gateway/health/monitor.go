/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/pkg/metrics"
	"github.com/couchbase/stellar-sharding/storagenode"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HotShardHandler is invoked when a shard stays above the hot threshold for
// the configured number of consecutive windows.
type HotShardHandler func(shard topology.ShardID, ops int64, mean float64)

type MonitorOptions struct {
	Logger   *zap.Logger
	Topology *topology.Topology
	Nodes    *storagenode.Pool
	Metrics  *metrics.ShardingMetrics

	FailureThreshold   int
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	LoadWindow         time.Duration
	HotShardFactor     float64
	HotSpotProneFactor float64
	HotShardWindows    int
	HotShardMinOps     int64

	OnHotShard HotShardHandler
}

type ReplicaHealth struct {
	Endpoint            string        `json:"endpoint"`
	Latency             time.Duration `json:"latency"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	LastError           string        `json:"lastError,omitempty"`
	LastSuccess         time.Time     `json:"lastSuccess,omitempty"`
	LastFailure         time.Time     `json:"lastFailure,omitempty"`
	Excluded            bool          `json:"excluded"`
}

type replicaState struct {
	latencyEWMA         float64
	consecutiveFailures int
	successes           int64
	failures            int64
	lastError           string
	lastSuccess         time.Time
	lastFailure         time.Time
}

// Monitor tracks replica health and shard load.  It excludes replicas which
// keep failing, re-includes them once probes succeed and reports hot shards.
type Monitor struct {
	logger   *zap.Logger
	topology *topology.Topology
	nodes    *storagenode.Pool
	metrics  *metrics.ShardingMetrics

	failureThreshold   int
	probeInterval      time.Duration
	probeTimeout       time.Duration
	loadWindow         time.Duration
	hotShardFactor     float64
	hotSpotProneFactor float64
	hotShardWindows    int
	hotShardMinOps     int64

	handlerLock sync.Mutex
	onHotShard  HotShardHandler

	lock      sync.Mutex
	replicas  map[string]*replicaState
	shardOps  map[topology.ShardID]int64
	hotCounts map[topology.ShardID]int
	lastLoad  map[topology.ShardID]int64
}

const latencyAlpha = 0.2

func NewMonitor(opts *MonitorOptions) *Monitor {
	m := &Monitor{
		logger:             opts.Logger,
		topology:           opts.Topology,
		nodes:              opts.Nodes,
		metrics:            opts.Metrics,
		failureThreshold:   opts.FailureThreshold,
		probeInterval:      opts.ProbeInterval,
		probeTimeout:       opts.ProbeTimeout,
		loadWindow:         opts.LoadWindow,
		hotShardFactor:     opts.HotShardFactor,
		hotSpotProneFactor: opts.HotSpotProneFactor,
		hotShardWindows:    opts.HotShardWindows,
		hotShardMinOps:     opts.HotShardMinOps,
		onHotShard:         opts.OnHotShard,
		replicas:           make(map[string]*replicaState),
		shardOps:           make(map[topology.ShardID]int64),
		hotCounts:          make(map[topology.ShardID]int),
		lastLoad:           make(map[topology.ShardID]int64),
	}

	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.metrics == nil {
		m.metrics = metrics.GetShardingMetrics()
	}
	if m.failureThreshold <= 0 {
		m.failureThreshold = 3
	}
	if m.probeInterval <= 0 {
		m.probeInterval = 5 * time.Second
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = 2 * time.Second
	}
	if m.loadWindow <= 0 {
		m.loadWindow = 10 * time.Second
	}
	if m.hotShardFactor <= 0 {
		m.hotShardFactor = 2.0
	}
	if m.hotSpotProneFactor <= 0 {
		m.hotSpotProneFactor = 1.5
	}
	if m.hotShardWindows <= 0 {
		m.hotShardWindows = 3
	}
	if m.hotShardMinOps <= 0 {
		m.hotShardMinOps = 100
	}

	return m
}

func (m *Monitor) SetHotShardHandler(handler HotShardHandler) {
	m.handlerLock.Lock()
	m.onHotShard = handler
	m.handlerLock.Unlock()
}

func (m *Monitor) getReplicaLocked(endpoint string) *replicaState {
	state, ok := m.replicas[endpoint]
	if !ok {
		state = &replicaState{}
		m.replicas[endpoint] = state
	}
	return state
}

// ObserveReplica records the outcome of a single call to a replica.
func (m *Monitor) ObserveReplica(endpoint string, latency time.Duration, err error) {
	if errors.Is(err, context.Canceled) {
		// the caller abandoned the call, it says nothing about the replica
		return
	}
	if errors.Is(err, storagenode.ErrNotFound) {
		err = nil
	}

	now := time.Now()
	exclude := false

	m.lock.Lock()
	state := m.getReplicaLocked(endpoint)
	if err == nil {
		if state.successes == 0 && state.latencyEWMA == 0 {
			state.latencyEWMA = float64(latency)
		} else {
			state.latencyEWMA = latencyAlpha*float64(latency) + (1-latencyAlpha)*state.latencyEWMA
		}
		state.successes++
		state.consecutiveFailures = 0
		state.lastSuccess = now
	} else {
		state.failures++
		state.consecutiveFailures++
		state.lastError = err.Error()
		state.lastFailure = now
		exclude = state.consecutiveFailures >= m.failureThreshold
	}
	m.lock.Unlock()

	if exclude {
		m.exclude(endpoint, "consecutive failures")
	}
}

// MarkDown excludes a replica immediately, for instance when its membership
// lease has expired.
func (m *Monitor) MarkDown(endpoint string, reason string) {
	m.lock.Lock()
	state := m.getReplicaLocked(endpoint)
	if state.consecutiveFailures < m.failureThreshold {
		state.consecutiveFailures = m.failureThreshold
	}
	state.lastError = reason
	state.lastFailure = time.Now()
	m.lock.Unlock()

	m.exclude(endpoint, reason)
}

func (m *Monitor) exclude(endpoint string, reason string) {
	if m.topology.Exclude(endpoint) {
		m.logger.Warn("excluding replica",
			zap.String("endpoint", endpoint),
			zap.String("reason", reason))
		m.metrics.ReplicaExclusions.Add(context.Background(), 1, metric.WithAttributes(metrics.EndpointAttr(endpoint)))
	}
}

func (m *Monitor) include(endpoint string) {
	if m.topology.Include(endpoint) {
		m.logger.Info("re-including recovered replica",
			zap.String("endpoint", endpoint))
		m.metrics.ReplicaExclusions.Add(context.Background(), -1, metric.WithAttributes(metrics.EndpointAttr(endpoint)))
	}
}

// ObserveShardOp counts an operation against a shard's current load window.
func (m *Monitor) ObserveShardOp(shard topology.ShardID) {
	m.lock.Lock()
	m.shardOps[shard]++
	m.lock.Unlock()
}

// Rank orders endpoints for single replica reads, healthy replicas first and
// then by observed latency.  Equal replicas keep their configured order.
func (m *Monitor) Rank(endpoints []string) []string {
	type rankEntry struct {
		endpoint string
		failing  bool
		latency  float64
	}

	entries := make([]rankEntry, len(endpoints))
	m.lock.Lock()
	for i, endpoint := range endpoints {
		entries[i] = rankEntry{endpoint: endpoint}
		if state, ok := m.replicas[endpoint]; ok {
			entries[i].failing = state.consecutiveFailures > 0
			entries[i].latency = state.latencyEWMA
		}
	}
	m.lock.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].failing != entries[j].failing {
			return !entries[i].failing
		}
		return entries[i].latency < entries[j].latency
	})

	out := make([]string, len(entries))
	for i, entry := range entries {
		out[i] = entry.endpoint
	}
	return out
}

func (m *Monitor) Replicas() []ReplicaHealth {
	m.lock.Lock()
	defer m.lock.Unlock()

	out := make([]ReplicaHealth, 0, len(m.replicas))
	for endpoint, state := range m.replicas {
		out = append(out, ReplicaHealth{
			Endpoint:            endpoint,
			Latency:             time.Duration(state.latencyEWMA),
			ConsecutiveFailures: state.consecutiveFailures,
			Successes:           state.successes,
			Failures:            state.failures,
			LastError:           state.lastError,
			LastSuccess:         state.lastSuccess,
			LastFailure:         state.lastFailure,
			Excluded:            m.topology.IsExcluded(endpoint),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

// ShardLoad returns the operation counts of the last completed window.
func (m *Monitor) ShardLoad() map[topology.ShardID]int64 {
	m.lock.Lock()
	defer m.lock.Unlock()

	out := make(map[topology.ShardID]int64, len(m.lastLoad))
	for shard, ops := range m.lastLoad {
		out[shard] = ops
	}
	return out
}

// Probe pings every replica of the current topology.  Excluded replicas
// which answer are re-included.
func (m *Monitor) Probe(ctx context.Context) {
	snap := m.topology.Current()

	var endpoints []string
	seen := make(map[string]struct{})
	for _, shard := range snap.Shards() {
		for _, endpoint := range shard.Replicas {
			if _, ok := seen[endpoint]; ok {
				continue
			}
			seen[endpoint] = struct{}{}
			endpoints = append(endpoints, endpoint)
		}
	}

	var g errgroup.Group
	g.SetLimit(16)
	for _, endpoint := range endpoints {
		endpoint := endpoint
		g.Go(func() error {
			m.probeEndpoint(ctx, endpoint)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) probeEndpoint(ctx context.Context, endpoint string) {
	node, err := m.nodes.Get(endpoint)
	if err != nil {
		m.ObserveReplica(endpoint, 0, err)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := time.Now()
	err = node.Ping(probeCtx)
	if ctx.Err() != nil {
		return
	}

	m.ObserveReplica(endpoint, time.Since(start), err)
	if err == nil && m.topology.IsExcluded(endpoint) {
		m.include(endpoint)
	}
}

// EvaluateLoad closes the current load window and reports shards which have
// been hot for enough consecutive windows.
func (m *Monitor) EvaluateLoad() {
	snap := m.topology.Current()

	prone := make(map[topology.ShardID]bool)
	for _, keyspace := range snap.Keyspaces() {
		strategy, ok := snap.Partitioning().Strategy(keyspace)
		if !ok || !strategy.HotSpotProne() {
			continue
		}
		for _, r := range snap.Ranges(keyspace) {
			prone[r.Shard] = true
		}
	}

	type hotShard struct {
		shard topology.ShardID
		ops   int64
	}
	var triggered []hotShard

	m.lock.Lock()
	shardIDs := snap.ShardIDs()
	var total int64
	window := make(map[topology.ShardID]int64, len(shardIDs))
	for _, id := range shardIDs {
		window[id] = m.shardOps[id]
		total += m.shardOps[id]
	}

	mean := 0.0
	if len(shardIDs) > 0 {
		mean = float64(total) / float64(len(shardIDs))
	}

	for _, id := range shardIDs {
		factor := m.hotShardFactor
		if prone[id] {
			factor = m.hotSpotProneFactor
		}

		ops := window[id]
		if len(shardIDs) > 1 && ops >= m.hotShardMinOps && float64(ops) > factor*mean {
			m.hotCounts[id]++
			if m.hotCounts[id] >= m.hotShardWindows {
				triggered = append(triggered, hotShard{shard: id, ops: ops})
				m.hotCounts[id] = 0
			}
		} else {
			m.hotCounts[id] = 0
		}
	}

	m.lastLoad = window
	m.shardOps = make(map[topology.ShardID]int64)
	m.lock.Unlock()

	m.handlerLock.Lock()
	handler := m.onHotShard
	m.handlerLock.Unlock()

	for _, hot := range triggered {
		m.logger.Info("detected hot shard",
			zap.String("shard", string(hot.shard)),
			zap.Int64("ops", hot.ops),
			zap.Float64("mean", mean))

		if handler != nil {
			handler(hot.shard, hot.ops, mean)
		}
	}
}

// Run probes replicas and evaluates load windows until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	probeTicker := time.NewTicker(m.probeInterval)
	defer probeTicker.Stop()

	loadTicker := time.NewTicker(m.loadWindow)
	defer loadTicker.Stop()

	m.logger.Info("health monitor started",
		zap.Duration("probeInterval", m.probeInterval),
		zap.Duration("loadWindow", m.loadWindow))

	for {
		select {
		case <-probeTicker.C:
			m.Probe(ctx)
		case <-loadTicker.C:
			m.EvaluateLoad()
		case <-ctx.Done():
			m.logger.Info("health monitor stopping")
			return
		}
	}
}
