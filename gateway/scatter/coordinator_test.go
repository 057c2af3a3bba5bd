package scatter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/router"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/couchbase/stellar-sharding/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCoordinator(t *testing.T, c *testutils.Cluster, opts *CoordinatorOptions) *Coordinator {
	if opts == nil {
		opts = &CoordinatorOptions{}
	}
	opts.Logger = zap.NewNop()
	opts.Topology = c.Topology
	opts.Nodes = c.Pool

	coord, err := NewCoordinator(opts)
	require.NoError(t, err)
	return coord
}

// seed writes a record to every replica of the shard owning the entity.
func seed(t *testing.T, c *testutils.Cluster, e shardkey.Entity, ts uint64, payload string) topology.ShardID {
	key, shard, err := c.Topology.Current().Resolve(&e)
	require.NoError(t, err)

	rec := &storagenode.Record{
		EntityType: e.Type,
		EntityID:   e.ID,
		Category:   e.Category,
		Timestamp:  e.Timestamp,
		Key:        key,
		LogicalTS:  ts,
		Payload:    []byte(payload),
	}
	for _, node := range c.ReplicaNodes(shard) {
		require.NoError(t, node.Write(context.Background(), shard, rec))
	}
	return shard
}

func seedCustomers(t *testing.T, c *testutils.Cluster, n int) map[topology.ShardID]int {
	perShard := make(map[topology.ShardID]int)
	for i := 0; i < n; i++ {
		e := shardkey.Entity{
			Type:      "customer",
			ID:        fmt.Sprintf("c-%03d", i),
			Timestamp: testutils.TestEpoch.Add(time.Duration(i) * time.Minute),
		}
		perShard[seed(t, c, e, 1, "v1")]++
	}
	return perShard
}

func TestStrongQueryRequiresEveryShard(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{Shards: 5})
	coord := newTestCoordinator(t, c, nil)
	seedCustomers(t, c, 100)

	res, err := coord.ScatterGather(context.Background(), &Query{EntityType: "customer", Category: "payments"})
	require.NoError(t, err)
	assert.Len(t, res.Records, 100)
	assert.False(t, res.Partial)
	assert.Len(t, res.Shards, 5)
	assert.Equal(t, consistency.Strong, res.Level)

	c.SetShardDown(testutils.ShardName(3), true)

	_, err = coord.ScatterGather(context.Background(), &Query{EntityType: "customer", Category: "payments"})
	require.ErrorIs(t, err, ErrIncompleteScatter)

	var qErr *QueryError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, []topology.ShardID{testutils.ShardName(3)}, qErr.Missing)
	assert.Equal(t, consistency.Strong, qErr.Level)
	assert.InDelta(t, 0.8, qErr.Coverage, 1e-9)
	assert.Contains(t, err.Error(), "strong")
}

func TestEventualQueryReturnsPartialResult(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{Shards: 5})
	coord := newTestCoordinator(t, c, nil)
	perShard := seedCustomers(t, c, 100)

	down := testutils.ShardName(3)
	c.SetShardDown(down, true)

	res, err := coord.ScatterGather(context.Background(), &Query{EntityType: "customer", Category: "reviews"})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, []topology.ShardID{down}, res.Missing)
	assert.InDelta(t, 0.8, res.Coverage, 1e-9)
	assert.Len(t, res.Records, 100-perShard[down])

	// a second missing shard drops coverage below the minimum
	c.SetShardDown(testutils.ShardName(1), true)
	_, err = coord.ScatterGather(context.Background(), &Query{EntityType: "customer", Category: "reviews"})
	require.ErrorIs(t, err, ErrIncompleteScatter)

	// unless the query lowers it
	res, err = coord.ScatterGather(context.Background(), &Query{EntityType: "customer", Category: "reviews", MinCoverage: 0.5})
	require.NoError(t, err)
	assert.Len(t, res.Missing, 2)
}

func TestEventualQueryTreatsUnresponsiveShardAsMissing(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{Shards: 5})
	coord := newTestCoordinator(t, c, &CoordinatorOptions{ShardTimeout: 50 * time.Millisecond})
	seedCustomers(t, c, 50)

	hung := testutils.ShardName(2)
	c.SetShardHang(hung, true)

	res, err := coord.ScatterGather(context.Background(), &Query{EntityType: "customer", Category: "reviews"})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, []topology.ShardID{hung}, res.Missing)
}

func TestQueryDeadlineExceeded(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{Shards: 2})
	coord := newTestCoordinator(t, c, nil)
	c.SetShardHang(testutils.ShardName(0), true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := coord.ScatterGather(ctx, &Query{EntityType: "customer", Category: "reviews"})
	require.ErrorIs(t, err, router.ErrDeadlineExceeded)
}

func TestQueryPrunesShards(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{Shards: 5})
	coord := newTestCoordinator(t, c, nil)

	for i, category := range []string{"books", "electronics", "toys", "garden", "music"} {
		seed(t, c, shardkey.Entity{Type: "product", ID: fmt.Sprintf("p-%d", i), Category: category}, 1, category)
	}

	// shards which cannot hold matching records are not contacted, so
	// their failure does not affect the query
	c.SetShardDown(testutils.ShardName(4), true)

	res, err := coord.ScatterGather(context.Background(), &Query{
		EntityType: "product",
		Category:   "payments",
		Predicate:  shardkey.Predicate{Categories: []string{"books", "toys"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []topology.ShardID{testutils.ShardName(0), testutils.ShardName(2)}, res.Shards)
	require.Len(t, res.Records, 2)

	res, err = coord.ScatterGather(context.Background(), &Query{
		EntityType: "product",
		Category:   "payments",
		Predicate:  shardkey.Predicate{Categories: []string{"furniture"}},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Shards)
	assert.Empty(t, res.Records)
}

func TestQueryByIDs(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{Shards: 5})
	coord := newTestCoordinator(t, c, nil)
	seedCustomers(t, c, 100)

	res, err := coord.ScatterGather(context.Background(), &Query{
		EntityType: "customer",
		Category:   "payments",
		Predicate:  shardkey.Predicate{IDs: []string{"c-007", "c-042"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.LessOrEqual(t, len(res.Shards), 2)
	// newest first
	assert.Equal(t, "c-042", res.Records[0].EntityID)
	assert.Equal(t, "c-007", res.Records[1].EntityID)
}

func TestQueryIgnoresRangesNotOwned(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{Shards: 2})
	coord := newTestCoordinator(t, c, nil)

	e := shardkey.Entity{Type: "customer", ID: "c-1"}
	key, shard, err := c.Topology.Current().Resolve(&e)
	require.NoError(t, err)
	seed(t, c, e, 1, "v1")

	// a copy of the record left on the other shard, as after a migration
	other := testutils.ShardName(0)
	if shard == other {
		other = testutils.ShardName(1)
	}
	leftover := &storagenode.Record{EntityType: "customer", EntityID: "c-1", Key: key, LogicalTS: 5, Payload: []byte("stale")}
	for _, node := range c.ReplicaNodes(other) {
		require.NoError(t, node.Write(context.Background(), other, leftover))
	}

	res, err := coord.ScatterGather(context.Background(), &Query{EntityType: "customer", Category: "payments"})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, []byte("v1"), res.Records[0].Payload)
}

func TestMerge(t *testing.T) {
	at := func(minutes int) time.Time {
		return testutils.TestEpoch.Add(time.Duration(minutes) * time.Minute)
	}

	records := []*storagenode.Record{
		{EntityType: "customer", EntityID: "a", LogicalTS: 1, Timestamp: at(1), Payload: []byte("a1")},
		{EntityType: "customer", EntityID: "a", LogicalTS: 3, Timestamp: at(1), Payload: []byte("a3")},
		{EntityType: "customer", EntityID: "a", LogicalTS: 2, Timestamp: at(1), Payload: []byte("a2")},
		{EntityType: "customer", EntityID: "b", LogicalTS: 1, Timestamp: at(5)},
		{EntityType: "customer", EntityID: "b", LogicalTS: 2, Timestamp: at(5), Deleted: true},
		{EntityType: "customer", EntityID: "c", LogicalTS: 1, Timestamp: at(3)},
		{EntityType: "customer", EntityID: "d", LogicalTS: 1, Timestamp: at(3)},
	}

	merged := Merge(records, nil, 0)
	require.Len(t, merged, 3)
	assert.Equal(t, "c", merged[0].EntityID)
	assert.Equal(t, "d", merged[1].EntityID)
	assert.Equal(t, "a", merged[2].EntityID)
	assert.Equal(t, []byte("a3"), merged[2].Payload)

	assert.Len(t, Merge(records, nil, 2), 2)
	assert.Empty(t, Merge(nil, nil, 10))
}

func TestMergeFiltersNewestVersion(t *testing.T) {
	records := []*storagenode.Record{
		{EntityType: "customer", EntityID: "a", LogicalTS: 1, Category: "retail", Timestamp: testutils.TestEpoch},
		{EntityType: "customer", EntityID: "a", LogicalTS: 2, Category: "wholesale", Timestamp: testutils.TestEpoch},
		{EntityType: "customer", EntityID: "b", LogicalTS: 1, Category: "retail", Timestamp: testutils.TestEpoch},
		{EntityType: "customer", EntityID: "b", LogicalTS: 2, Deleted: true},
	}

	assert.Empty(t, Merge(records, &shardkey.Predicate{Categories: []string{"retail"}}, 0))

	merged := Merge(records, &shardkey.Predicate{Categories: []string{"wholesale"}}, 0)
	require.Len(t, merged, 1)
	assert.Equal(t, uint64(2), merged[0].LogicalTS)

	// the tombstone has no event time but still hides the older version
	merged = Merge(records, &shardkey.Predicate{TimeFrom: testutils.TestEpoch.Add(-time.Hour)}, 0)
	require.Len(t, merged, 1)
	assert.Equal(t, "a", merged[0].EntityID)
}

func TestFilteredQueryUsesNewestVersion(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{Shards: 2})
	coord := newTestCoordinator(t, c, nil)
	ctx := context.Background()

	deleted := shardkey.Entity{Type: "customer", ID: "c-1", Category: "retail", Timestamp: testutils.TestEpoch.Add(time.Minute)}
	deletedShard := seed(t, c, deleted, 1, "v1")
	recategorized := shardkey.Entity{Type: "customer", ID: "c-2", Category: "retail", Timestamp: testutils.TestEpoch.Add(time.Minute)}
	recategorizedShard := seed(t, c, recategorized, 1, "v1")

	// the delete carries no event time and reaches only the first two
	// replicas
	key, _, err := c.Topology.Current().Resolve(&deleted)
	require.NoError(t, err)
	tombstone := &storagenode.Record{EntityType: "customer", EntityID: "c-1", Key: key, LogicalTS: 2, Deleted: true}
	for _, node := range c.ReplicaNodes(deletedShard)[:2] {
		require.NoError(t, node.Write(ctx, deletedShard, tombstone))
	}

	key, _, err = c.Topology.Current().Resolve(&recategorized)
	require.NoError(t, err)
	update := &storagenode.Record{
		EntityType: "customer",
		EntityID:   "c-2",
		Category:   "wholesale",
		Timestamp:  testutils.TestEpoch.Add(time.Minute),
		Key:        key,
		LogicalTS:  2,
		Payload:    []byte("v2"),
	}
	for _, node := range c.ReplicaNodes(recategorizedShard)[:2] {
		require.NoError(t, node.Write(ctx, recategorizedShard, update))
	}

	// a quorum now always includes the lagging third replica
	for _, shard := range c.ShardIDs {
		c.ReplicaNodes(shard)[1].SetDown(true)
	}

	res, err := coord.ScatterGather(ctx, &Query{EntityType: "customer", Category: "payments"})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "c-2", res.Records[0].EntityID)

	res, err = coord.ScatterGather(ctx, &Query{
		EntityType: "customer",
		Category:   "payments",
		Predicate:  shardkey.Predicate{TimeFrom: testutils.TestEpoch},
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "c-2", res.Records[0].EntityID)

	res, err = coord.ScatterGather(ctx, &Query{
		EntityType: "customer",
		Category:   "payments",
		Predicate:  shardkey.Predicate{Categories: []string{"retail"}},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Records)

	res, err = coord.ScatterGather(ctx, &Query{
		EntityType: "customer",
		Category:   "payments",
		Predicate:  shardkey.Predicate{Categories: []string{"wholesale"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, []byte("v2"), res.Records[0].Payload)
}

func TestQueryUnresolvedKeyNamesGuarantee(t *testing.T) {
	c := testutils.NewCluster(t, nil)
	coord := newTestCoordinator(t, c, nil)

	_, err := coord.ScatterGather(context.Background(), &Query{EntityType: "invoice", Category: "payments"})
	require.ErrorIs(t, err, shardkey.ErrUnresolvedKey)

	var qErr *QueryError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, consistency.Strong, qErr.Level)
	assert.Contains(t, err.Error(), "strong")
}

func TestMoved(t *testing.T) {
	c := testutils.NewCluster(t, &testutils.ClusterOptions{Shards: 2})
	old := c.Topology.Current()
	assert.False(t, moved(old, old, "customer", nil))

	opts := old.Options()
	require.NoError(t, opts.MoveRange("customer", 0, 10, testutils.ShardName(1)))
	next, err := topology.NewSnapshot(opts)
	require.NoError(t, err)

	assert.True(t, moved(old, next, "customer", nil))
	assert.True(t, moved(old, next, "customer", []shardkey.Interval{{Start: 5, End: 6}}))
	assert.False(t, moved(old, next, "customer", []shardkey.Interval{{Start: 60, End: 70}}))
	assert.False(t, moved(old, next, "product", nil))
}
