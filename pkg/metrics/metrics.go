/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"github.com/couchbase/stellar-sharding/utils/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type ShardingMetrics struct {
	Operations           metric.Int64Counter
	ReplicaLatency       metric.Float64Histogram
	ReplicaErrors        metric.Int64Counter
	QuorumFailures       metric.Int64Counter
	StaleTopologyRetries metric.Int64Counter
	WeakWritesDropped    metric.Int64Counter
	ReplicationBacklog   metric.Int64UpDownCounter
	RepairsParked        metric.Int64UpDownCounter
	RepairsDropped       metric.Int64Counter
	ReplicaExclusions    metric.Int64UpDownCounter
	ScatterQueries       metric.Int64Counter
	ScatterPartial       metric.Int64Counter
	ScatterIncomplete    metric.Int64Counter
	MigrationTransitions metric.Int64Counter
	MigrationFailures    metric.Int64Counter
	TopologyVersion      metric.Int64Gauge
	RateLimited          metric.Int64Counter
	Requests             metric.Int64Counter
	ActiveRequests       metric.Int64UpDownCounter
}

var (
	shardingMetrics     *ShardingMetrics
	shardingMetricsLock sync.Mutex
)

func GetShardingMetrics() *ShardingMetrics {
	shardingMetricsLock.Lock()

	if shardingMetrics != nil {
		shardingMetricsLock.Unlock()
		return shardingMetrics
	}

	shardingMetrics = newShardingMetrics()

	shardingMetricsLock.Unlock()
	return shardingMetrics
}

var buildVersion string = buildversion.GetVersion("github.com/couchbase/stellar-sharding")

func newShardingMetrics() *ShardingMetrics {
	meter := otel.Meter(
		"com.couchbase.stellar-sharding",
		metric.WithInstrumentationVersion(buildVersion))

	operations, _ := meter.Int64Counter("sharding_operations_total")
	replicaLatency, _ := meter.Float64Histogram("sharding_replica_duration_seconds",
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5))
	replicaErrors, _ := meter.Int64Counter("sharding_replica_errors_total")
	quorumFailures, _ := meter.Int64Counter("sharding_quorum_failures_total")
	staleRetries, _ := meter.Int64Counter("sharding_stale_topology_retries_total")
	weakDropped, _ := meter.Int64Counter("sharding_weak_writes_dropped_total")
	replicationBacklog, _ := meter.Int64UpDownCounter("sharding_replication_backlog")
	repairsParked, _ := meter.Int64UpDownCounter("sharding_repairs_parked")
	repairsDropped, _ := meter.Int64Counter("sharding_repairs_dropped_total")
	replicaExclusions, _ := meter.Int64UpDownCounter("sharding_replicas_excluded")
	scatterQueries, _ := meter.Int64Counter("sharding_scatter_queries_total")
	scatterPartial, _ := meter.Int64Counter("sharding_scatter_partial_total")
	scatterIncomplete, _ := meter.Int64Counter("sharding_scatter_incomplete_total")
	migrationTransitions, _ := meter.Int64Counter("sharding_migration_transitions_total")
	migrationFailures, _ := meter.Int64Counter("sharding_migration_failures_total")
	topologyVersion, _ := meter.Int64Gauge("sharding_topology_version")
	rateLimited, _ := meter.Int64Counter("sharding_rate_limited_total")
	requests, _ := meter.Int64Counter("sharding_requests_total")
	activeRequests, _ := meter.Int64UpDownCounter("sharding_active_requests")

	return &ShardingMetrics{
		Operations:           operations,
		ReplicaLatency:       replicaLatency,
		ReplicaErrors:        replicaErrors,
		QuorumFailures:       quorumFailures,
		StaleTopologyRetries: staleRetries,
		WeakWritesDropped:    weakDropped,
		ReplicationBacklog:   replicationBacklog,
		RepairsParked:        repairsParked,
		RepairsDropped:       repairsDropped,
		ReplicaExclusions:    replicaExclusions,
		ScatterQueries:       scatterQueries,
		ScatterPartial:       scatterPartial,
		ScatterIncomplete:    scatterIncomplete,
		MigrationTransitions: migrationTransitions,
		MigrationFailures:    migrationFailures,
		TopologyVersion:      topologyVersion,
		RateLimited:          rateLimited,
		Requests:             requests,
		ActiveRequests:       activeRequests,
	}
}

func ShardAttr(shard string) attribute.KeyValue {
	return attribute.String("shard", shard)
}

func OpAttr(op string) attribute.KeyValue {
	return attribute.String("op", op)
}

func LevelAttr(level string) attribute.KeyValue {
	return attribute.String("consistency", level)
}

func SurfaceAttr(surface string) attribute.KeyValue {
	return attribute.String("surface", surface)
}

func EndpointAttr(endpoint string) attribute.KeyValue {
	return attribute.String("endpoint", endpoint)
}
