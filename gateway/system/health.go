package system

import (
	"context"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ShardServiceName is the health service name reported for a shard.
func ShardServiceName(id topology.ShardID) string {
	return "shard/" + string(id)
}

// ShardHealthReporter keeps a grpc health server in line with replica
// availability.  A shard is SERVING while a majority of its replicas is
// available, so strong operations can still reach quorum.
type ShardHealthReporter struct {
	logger   *zap.Logger
	topology *topology.Topology
	server   *health.Server
	interval time.Duration

	known map[topology.ShardID]struct{}
}

func NewShardHealthReporter(logger *zap.Logger, topo *topology.Topology, server *health.Server) *ShardHealthReporter {
	return &ShardHealthReporter{
		logger:   logger,
		topology: topo,
		server:   server,
		interval: time.Second,
		known:    make(map[topology.ShardID]struct{}),
	}
}

// Sync updates the serving status of every shard of the current snapshot.
// Shards which are no longer part of the topology are reported as
// SERVICE_UNKNOWN.
func (r *ShardHealthReporter) Sync() {
	snap := r.topology.Current()

	seen := make(map[topology.ShardID]struct{}, snap.ShardCount())
	for _, id := range snap.ShardIDs() {
		seen[id] = struct{}{}

		status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		replicas, err := r.topology.ReplicasIn(snap, id)
		if err == nil && !snap.IsRetired(id) {
			required := consistency.QuorumSize(consistency.Strong, replicas.Size())
			if len(replicas.Available()) >= required {
				status = grpc_health_v1.HealthCheckResponse_SERVING
			}
		}

		r.server.SetServingStatus(ShardServiceName(id), status)
	}

	for id := range r.known {
		if _, ok := seen[id]; !ok {
			r.server.SetServingStatus(ShardServiceName(id), grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	r.known = seen
}

// Run syncs on every topology change and periodically to pick up
// exclusions, until ctx is done.
func (r *ShardHealthReporter) Run(ctx context.Context) {
	snapCh := r.topology.Watch(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case _, ok := <-snapCh:
			if !ok {
				return
			}
			r.Sync()
		case <-ticker.C:
			r.Sync()
		case <-ctx.Done():
			return
		}
	}
}
