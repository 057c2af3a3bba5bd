package system

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/dapiimpl"
	"github.com/couchbase/stellar-sharding/gateway/health"
	"github.com/couchbase/stellar-sharding/gateway/rebalance"
	"github.com/couchbase/stellar-sharding/gateway/router"
	"github.com/couchbase/stellar-sharding/gateway/scatter"
	"github.com/couchbase/stellar-sharding/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func checkStatus(t *testing.T, srv *grpchealth.Server, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	resp, err := srv.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestShardHealthReporter(t *testing.T) {
	cluster := testutils.NewCluster(t, nil)
	srv := grpchealth.NewServer()
	reporter := NewShardHealthReporter(zap.NewNop(), cluster.Topology, srv)

	reporter.Sync()
	for _, id := range cluster.ShardIDs {
		assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, checkStatus(t, srv, ShardServiceName(id)))
	}

	// one excluded replica out of three still leaves a majority
	cluster.Topology.Exclude(testutils.ReplicaName("shard-0", 0))
	reporter.Sync()
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, checkStatus(t, srv, ShardServiceName("shard-0")))

	cluster.Topology.Exclude(testutils.ReplicaName("shard-0", 1))
	reporter.Sync()
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, checkStatus(t, srv, ShardServiceName("shard-0")))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, checkStatus(t, srv, ShardServiceName("shard-1")))

	cluster.Topology.Include(testutils.ReplicaName("shard-0", 1))
	reporter.Sync()
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, checkStatus(t, srv, ShardServiceName("shard-0")))
}

func TestSystemServe(t *testing.T) {
	logger := zap.NewNop()
	cluster := testutils.NewCluster(t, nil)

	monitor := health.NewMonitor(&health.MonitorOptions{
		Logger:   logger,
		Topology: cluster.Topology,
		Nodes:    cluster.Pool,
	})

	engine, err := rebalance.NewEngine(&rebalance.EngineOptions{
		Logger:   logger,
		Topology: cluster.Topology,
		Nodes:    cluster.Pool,
		Load:     monitor,
	})
	require.NoError(t, err)
	defer engine.Close()

	rtr, err := router.NewRouter(&router.Options{
		Logger:   logger,
		Topology: cluster.Topology,
		Nodes:    cluster.Pool,
		Health:   monitor,
		Gate:     engine.Gate(),
	})
	require.NoError(t, err)
	defer rtr.Close()

	coordinator, err := scatter.NewCoordinator(&scatter.CoordinatorOptions{
		Logger:   logger,
		Topology: cluster.Topology,
		Nodes:    cluster.Pool,
		Policy:   rtr,
		Health:   monitor,
	})
	require.NoError(t, err)

	servers := dapiimpl.New(&dapiimpl.NewOptions{
		Logger:      logger,
		Topology:    cluster.Topology,
		Router:      rtr,
		Coordinator: coordinator,
		Engine:      engine,
		Health:      monitor,
	})

	sys, err := NewSystem(&SystemOptions{
		Logger:   logger,
		DapiImpl: servers,
		Topology: cluster.Topology,
	})
	require.NoError(t, err)

	listeners, err := NewListeners(&ListenersOptions{
		Address:    "127.0.0.1",
		DapiPort:   0,
		HealthPort: 0,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		_ = sys.Serve(ctx, listeners)
		close(serveDone)
	}()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/v1/topology", listeners.BoundDapiPort()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(
		fmt.Sprintf("127.0.0.1:%d", listeners.BoundHealthPort()),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	healthClient := grpc_health_v1.NewHealthClient(conn)
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()

	hresp, err := healthClient.Check(checkCtx, &grpc_health_v1.HealthCheckRequest{Service: ShardServiceName("shard-1")})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, hresp.Status)

	sys.Shutdown()
	cancel()
	<-serveDone
}
