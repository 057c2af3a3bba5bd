package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/couchbase/stellar-sharding/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMonitor(t *testing.T, c *testutils.Cluster, opts *MonitorOptions) *Monitor {
	if opts == nil {
		opts = &MonitorOptions{}
	}
	opts.Logger = zap.NewNop()
	opts.Topology = c.Topology
	opts.Nodes = c.Pool
	return NewMonitor(opts)
}

func TestExcludeAfterConsecutiveFailures(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	m := newTestMonitor(t, c, &MonitorOptions{FailureThreshold: 3})

	endpoint := testutils.ReplicaName("shard-0", 1)
	failure := errors.New("connection refused")

	m.ObserveReplica(endpoint, time.Millisecond, failure)
	m.ObserveReplica(endpoint, time.Millisecond, failure)
	assert.False(t, c.Topology.IsExcluded(endpoint))

	// a success resets the failure streak
	m.ObserveReplica(endpoint, time.Millisecond, nil)
	m.ObserveReplica(endpoint, time.Millisecond, failure)
	m.ObserveReplica(endpoint, time.Millisecond, failure)
	assert.False(t, c.Topology.IsExcluded(endpoint))

	m.ObserveReplica(endpoint, time.Millisecond, failure)
	assert.True(t, c.Topology.IsExcluded(endpoint))
	assert.Equal(t, topology.Version(1), c.Topology.CurrentVersion())
}

func TestIgnoresCanceledAndNotFound(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	m := newTestMonitor(t, c, &MonitorOptions{FailureThreshold: 1})

	endpoint := testutils.ReplicaName("shard-0", 0)
	m.ObserveReplica(endpoint, time.Millisecond, context.Canceled)
	m.ObserveReplica(endpoint, time.Millisecond, storagenode.ErrNotFound)
	assert.False(t, c.Topology.IsExcluded(endpoint))
}

func TestProbeReincludesRecoveredReplica(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	m := newTestMonitor(t, c, &MonitorOptions{FailureThreshold: 1, ProbeTimeout: 50 * time.Millisecond})

	endpoint := testutils.ReplicaName("shard-1", 2)
	c.Node(endpoint).SetDown(true)

	m.Probe(context.Background())
	assert.True(t, c.Topology.IsExcluded(endpoint))

	c.Node(endpoint).SetDown(false)
	m.Probe(context.Background())
	assert.False(t, c.Topology.IsExcluded(endpoint))
}

func TestMarkDown(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	m := newTestMonitor(t, c, nil)

	endpoint := testutils.ReplicaName("shard-0", 0)
	m.MarkDown(endpoint, "membership lease expired")
	assert.True(t, c.Topology.IsExcluded(endpoint))

	replicas := m.Replicas()
	require.Len(t, replicas, 1)
	assert.True(t, replicas[0].Excluded)
	assert.Equal(t, "membership lease expired", replicas[0].LastError)
}

func TestRank(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	m := newTestMonitor(t, c, nil)

	r0 := testutils.ReplicaName("shard-0", 0)
	r1 := testutils.ReplicaName("shard-0", 1)
	r2 := testutils.ReplicaName("shard-0", 2)

	m.ObserveReplica(r0, 30*time.Millisecond, nil)
	m.ObserveReplica(r1, 5*time.Millisecond, nil)
	m.ObserveReplica(r2, time.Millisecond, errors.New("timeout"))

	assert.Equal(t, []string{r1, r0, r2}, m.Rank([]string{r0, r1, r2}))
}

func TestHotShardDetection(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{Shards: 4})

	var lock sync.Mutex
	var hot []topology.ShardID
	m := newTestMonitor(t, c, &MonitorOptions{
		HotShardFactor:  2.0,
		HotShardWindows: 2,
		HotShardMinOps:  10,
		OnHotShard: func(shard topology.ShardID, ops int64, mean float64) {
			lock.Lock()
			hot = append(hot, shard)
			lock.Unlock()
		},
	})

	runWindow := func() {
		for i := 0; i < 100; i++ {
			m.ObserveShardOp("shard-2")
		}
		for _, id := range []topology.ShardID{"shard-0", "shard-1", "shard-3"} {
			for i := 0; i < 5; i++ {
				m.ObserveShardOp(id)
			}
		}
		m.EvaluateLoad()
	}

	runWindow()
	lock.Lock()
	assert.Empty(t, hot)
	lock.Unlock()

	runWindow()
	lock.Lock()
	assert.Equal(t, []topology.ShardID{"shard-2"}, hot)
	lock.Unlock()

	assert.Equal(t, int64(100), m.ShardLoad()["shard-2"])
}
