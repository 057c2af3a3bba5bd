package rebalance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/router"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/couchbase/stellar-sharding/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, c *testutils.Cluster, opts *EngineOptions) *Engine {
	if opts == nil {
		opts = &EngineOptions{}
	}
	opts.Logger = zap.NewNop()
	opts.Topology = c.Topology
	opts.Nodes = c.Pool
	if opts.RetryInitial == 0 {
		opts.RetryInitial = time.Millisecond
	}

	e, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func newTestRouter(t *testing.T, c *testutils.Cluster, e *Engine) *router.Router {
	r, err := router.NewRouter(&router.Options{
		Logger:   zap.NewNop(),
		Topology: c.Topology,
		Nodes:    c.Pool,
		Gate:     e.Gate(),
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func waitTask(t *testing.T, e *Engine, id string) *Task {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return task
}

func assignKeyspace(t *testing.T, c *testutils.Cluster, keyspace string, start, end shardkey.Key, to topology.ShardID) {
	opts := c.Topology.Current().Options()
	require.NoError(t, opts.MoveRange(keyspace, start, end, to))
	snap, err := topology.NewSnapshot(opts)
	require.NoError(t, err)
	require.NoError(t, c.Topology.Install(snap))
}

func customer(i int) shardkey.Entity {
	return shardkey.Entity{Type: "customer", ID: fmt.Sprintf("c-%d", i), Category: "payments"}
}

func writeCustomers(t *testing.T, r *router.Router, n int) {
	for i := 0; i < n; i++ {
		_, err := r.Write(context.Background(), customer(i), []byte("v1"))
		require.NoError(t, err)
	}
}

func TestMigrationLosesNoWrites(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	source, dest := testutils.ShardName(0), testutils.ShardName(1)
	assignKeyspace(t, c, "customer", 50, 100, source)

	e := newTestEngine(t, c, &EngineOptions{BatchSize: 7})
	r := newTestRouter(t, c, e)
	writeCustomers(t, r, 50)

	// writes landing on the source after the copy has captured its records
	var once sync.Once
	var hookErrs []error
	c.Node(testutils.ReplicaName(source, 0)).OnScan(func(topology.ShardID) {
		once.Do(func() {
			late := shardkey.Entity{Type: "customer", ID: "c-late", Category: "payments"}
			if _, err := r.Write(context.Background(), late, []byte("late")); err != nil {
				hookErrs = append(hookErrs, err)
			}
			if _, err := r.Write(context.Background(), customer(1), []byte("v2")); err != nil {
				hookErrs = append(hookErrs, err)
			}
			if _, err := r.Delete(context.Background(), customer(2)); err != nil {
				hookErrs = append(hookErrs, err)
			}
		})
	})

	before := c.Topology.CurrentVersion()
	task, err := e.MoveRange("customer", 0, 100, dest)
	require.NoError(t, err)
	assert.Equal(t, source, task.Source)

	done := waitTask(t, e, task.ID)
	require.Equal(t, StateDone, done.State, done.Error)
	require.Empty(t, hookErrs)
	assert.Equal(t, before+1, done.Version)
	assert.Equal(t, 50, done.Copied)

	snap := c.Topology.Current()
	ranges := snap.Ranges("customer")
	require.Len(t, ranges, 1)
	assert.Equal(t, dest, ranges[0].Shard)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		res, err := r.Read(ctx, customer(i))
		if i == 2 {
			require.ErrorIs(t, err, router.ErrNotFound)
			continue
		}
		require.NoError(t, err, "customer %d", i)
		assert.Equal(t, dest, res.Shard)
		if i == 1 {
			assert.Equal(t, []byte("v2"), res.Record.Payload)
		} else {
			assert.Equal(t, []byte("v1"), res.Record.Payload)
		}
	}

	res, err := r.Read(ctx, shardkey.Entity{Type: "customer", ID: "c-late", Category: "payments"})
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), res.Record.Payload)
	assert.Equal(t, dest, res.Shard)
}

func TestMigrationFailureLeavesSourceAuthoritative(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	source, dest := testutils.ShardName(0), testutils.ShardName(1)

	e := newTestEngine(t, c, &EngineOptions{MaxAttempts: 2})
	r := newTestRouter(t, c, e)
	writeCustomers(t, r, 20)

	c.SetShardDown(dest, true)
	before := c.Topology.CurrentVersion()

	task, err := e.MoveRange("customer", 0, 50, dest)
	require.NoError(t, err)

	done := waitTask(t, e, task.ID)
	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, 2, done.Attempts)
	require.ErrorIs(t, done.Err, ErrMigrationFailed)
	assert.NotEmpty(t, done.Error)
	assert.Equal(t, before, c.Topology.CurrentVersion())

	kr, ok := c.Topology.Current().Lookup("customer", 0)
	require.True(t, ok)
	assert.Equal(t, source, kr.Shard)

	c.SetShardDown(dest, false)
	for i := 0; i < 20; i++ {
		_, err := r.Read(context.Background(), customer(i))
		require.NoError(t, err)
	}
}

func TestSubmitValidatesRange(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	e := newTestEngine(t, c, nil)

	// customer is split [0,50) shard-0, [50,100) shard-1
	_, err := e.MoveRange("customer", 40, 60, testutils.ShardName(1))
	require.ErrorIs(t, err, ErrInvalidMove)

	_, err = e.MoveRange("customer", 0, 10, testutils.ShardName(0))
	require.ErrorIs(t, err, ErrInvalidMove)

	_, err = e.MoveRange("customer", 0, 10, "shard-9")
	require.ErrorIs(t, err, topology.ErrUnknownShard)

	_, err = e.MoveRange("customer", 90, 200, testutils.ShardName(0))
	require.ErrorIs(t, err, ErrInvalidMove)

	_, err = e.MoveRange("customer", 10, 10, testutils.ShardName(1))
	require.ErrorIs(t, err, ErrInvalidMove)
}

func TestHotShardSplit(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	hot, cold := testutils.ShardName(0), testutils.ShardName(1)

	e := newTestEngine(t, c, nil)
	r := newTestRouter(t, c, e)
	writeCustomers(t, r, 40)

	e.HandleHotShard(hot, 1000, 300)

	tasks := e.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, ReasonHotShard, tasks[0].Reason)
	assert.Equal(t, "customer", tasks[0].Keyspace)
	assert.Equal(t, shardkey.Key(25), tasks[0].Start)
	assert.Equal(t, shardkey.Key(50), tasks[0].End)
	assert.Equal(t, cold, tasks[0].Destination)

	done := waitTask(t, e, tasks[0].ID)
	require.Equal(t, StateDone, done.State, done.Error)

	snap := c.Topology.Current()
	kr, _ := snap.Lookup("customer", 10)
	assert.Equal(t, hot, kr.Shard)
	kr, _ = snap.Lookup("customer", 30)
	assert.Equal(t, cold, kr.Shard)

	for i := 0; i < 40; i++ {
		_, err := r.Read(context.Background(), customer(i))
		require.NoError(t, err)
	}
}

type fakeLoad map[topology.ShardID]int64

func (l fakeLoad) ShardLoad() map[topology.ShardID]int64 {
	return l
}

func TestPlanSplitPrefersLeastLoadedShard(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{Shards: 3})
	e := newTestEngine(t, c, &EngineOptions{Load: fakeLoad{
		testutils.ShardName(0): 900,
		testutils.ShardName(1): 500,
		testutils.ShardName(2): 10,
	}})

	req, err := e.PlanSplit(testutils.ShardName(0))
	require.NoError(t, err)
	assert.Equal(t, testutils.ShardName(2), req.Destination)
	assert.Equal(t, ReasonHotShard, req.Reason)
}

func TestPlanSplitSkipsUnboundedKeyspaces(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{
		Partitioning: map[string]*shardkey.Strategy{
			"order": testutils.DefaultPartitioning()["order"],
		},
	})
	e := newTestEngine(t, c, nil)

	_, err := e.PlanSplit(testutils.ShardName(0))
	require.ErrorIs(t, err, ErrNothingToMove)
}

func TestAddShard(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	e := newTestEngine(t, c, nil)
	r := newTestRouter(t, c, e)
	writeCustomers(t, r, 60)

	added := testutils.ShardName(2)
	shard := &topology.Shard{ID: added}
	for i := 0; i < 3; i++ {
		shard.Replicas = append(shard.Replicas, testutils.ReplicaName(added, i))
	}
	c.AddNodes(shard.Replicas...)

	tasks, err := e.AddShard(shard)
	require.NoError(t, err)
	require.NotEmpty(t, tasks)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.WaitAll(ctx, tasks))

	snap := c.Topology.Current()
	widths := make(map[string]uint64)
	for _, kr := range snap.RangesOf(added) {
		widths[kr.Keyspace] += kr.Width()
	}
	assert.Equal(t, uint64(33), widths["customer"])
	assert.Equal(t, uint64(1), widths["product"])

	for i := 0; i < 60; i++ {
		_, err := r.Read(context.Background(), customer(i))
		require.NoError(t, err, "customer %d", i)
	}
}

func TestRemoveShard(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{Shards: 3})
	e := newTestEngine(t, c, nil)
	r := newTestRouter(t, c, e)
	writeCustomers(t, r, 60)

	removed := testutils.ShardName(1)
	tasks, err := e.RemoveShard(removed)
	require.NoError(t, err)
	require.NotEmpty(t, tasks)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.WaitAll(ctx, tasks))

	require.Eventually(t, func() bool {
		return c.Topology.Current().IsRetired(removed)
	}, 5*time.Second, 10*time.Millisecond)

	snap := c.Topology.Current()
	assert.NotContains(t, snap.ShardIDs(), removed)
	assert.Empty(t, snap.RangesOf(removed))

	for i := 0; i < 60; i++ {
		res, err := r.Read(context.Background(), customer(i))
		require.NoError(t, err, "customer %d", i)
		assert.NotEqual(t, removed, res.Shard)
	}

	_, err = e.RemoveShard(removed)
	require.ErrorIs(t, err, topology.ErrUnknownShard)
}

func TestArchiveIsBounded(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	e := newTestEngine(t, c, &EngineOptions{ArchiveSize: 1})

	first, err := e.MoveRange("customer", 0, 10, testutils.ShardName(1))
	require.NoError(t, err)
	require.Equal(t, StateDone, waitTask(t, e, first.ID).State)

	second, err := e.MoveRange("customer", 10, 20, testutils.ShardName(1))
	require.NoError(t, err)
	require.Equal(t, StateDone, waitTask(t, e, second.ID).State)

	tasks := e.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, second.ID, tasks[0].ID)

	_, err = e.Task(first.ID)
	require.ErrorIs(t, err, ErrUnknownTask)
}

type recordingPublisher struct {
	lock     sync.Mutex
	versions []topology.Version
}

func (p *recordingPublisher) Publish(ctx context.Context, snap *topology.Snapshot) error {
	p.lock.Lock()
	p.versions = append(p.versions, snap.Version())
	p.lock.Unlock()
	return nil
}

func TestCutoverIsPublished(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	publisher := &recordingPublisher{}
	e := newTestEngine(t, c, &EngineOptions{Publisher: publisher})

	task, err := e.MoveRange("product", 0, 1, testutils.ShardName(1))
	require.NoError(t, err)
	done := waitTask(t, e, task.ID)
	require.Equal(t, StateDone, done.State, done.Error)

	publisher.lock.Lock()
	defer publisher.lock.Unlock()
	assert.Equal(t, []topology.Version{done.Version}, publisher.versions)
}

func TestChecksumIgnoresOrder(t *testing.T) {
	a := []*storagenode.Record{
		{EntityID: "a", LogicalTS: 1},
		{EntityID: "b", LogicalTS: 2},
	}
	b := []*storagenode.Record{a[1], a[0]}

	countA, sumA := Checksum(a)
	countB, sumB := Checksum(b)
	assert.Equal(t, countA, countB)
	assert.Equal(t, sumA, sumB)

	_, sumC := Checksum([]*storagenode.Record{{EntityID: "a", LogicalTS: 1}, {EntityID: "b", LogicalTS: 3}})
	assert.NotEqual(t, sumA, sumC)
}

func TestHotSpotProneKeyspaces(t *testing.T) {
	c := testutils.NewCluster(t, nil)

	prone := hotSpotProneKeyspaces(c.Topology.Current(), testutils.ShardName(0))
	assert.Contains(t, prone, "product")
	assert.NotContains(t, prone, "customer")
	assert.NotContains(t, prone, "order")
}
