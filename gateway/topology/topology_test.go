package topology

import (
	"context"
	"testing"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotLookup(t *testing.T) {
	snap := newTestSnapshot(t)

	r, ok := snap.Lookup("customer", 49)
	require.True(t, ok)
	assert.Equal(t, ShardID("a"), r.Shard)

	r, ok = snap.Lookup("customer", 50)
	require.True(t, ok)
	assert.Equal(t, ShardID("b"), r.Shard)

	_, ok = snap.Lookup("customer", 100)
	assert.False(t, ok)

	_, shardID, err := snap.Resolve(&shardkey.Entity{Type: "product", ID: "p", Category: "toys"})
	require.NoError(t, err)
	assert.Equal(t, ShardID("b"), shardID)
}

func TestSnapshotRejectsOverlap(t *testing.T) {
	_, err := NewSnapshot(&SnapshotOptions{
		Version:      1,
		Partitioning: newTestPartitioning(t),
		Shards:       []*Shard{{ID: "a", Replicas: []string{"mem://a1"}}},
		Ranges: []KeyRange{
			{Keyspace: "customer", Start: 0, End: 60, Shard: "a"},
			{Keyspace: "customer", Start: 50, End: 100, Shard: "a"},
		},
	})
	assert.Error(t, err)
}

func TestSnapshotRejectsEmptyReplicaSet(t *testing.T) {
	_, err := NewSnapshot(&SnapshotOptions{
		Version:      1,
		Partitioning: newTestPartitioning(t),
		Shards:       []*Shard{{ID: "a"}},
	})
	assert.ErrorContains(t, err, "replica set must not be empty")

	_, err = NewSnapshot(&SnapshotOptions{
		Version:      1,
		Partitioning: newTestPartitioning(t),
		Shards:       []*Shard{{ID: "a", Replicas: []string{"mem://a1", "mem://a2", "mem://a1"}}},
	})
	assert.ErrorContains(t, err, "more than once")
}

func TestShardsFor(t *testing.T) {
	snap := newTestSnapshot(t)

	assert.Equal(t, []ShardID{"a", "b"}, snap.ShardsFor("customer", nil))
	assert.Equal(t, []ShardID{"b"}, snap.ShardsFor("product", []shardkey.Interval{{Start: 2, End: 3}}))
	assert.Empty(t, snap.ShardsFor("product", []shardkey.Interval{}))
}

func TestMoveRange(t *testing.T) {
	snap := newTestSnapshot(t)

	opts := snap.Options()
	require.NoError(t, opts.MoveRange("customer", 10, 20, "b"))
	next, err := NewSnapshot(opts)
	require.NoError(t, err)

	assert.Equal(t, Version(2), next.Version())
	assert.Equal(t, []KeyRange{
		{Keyspace: "customer", Start: 0, End: 10, Shard: "a"},
		{Keyspace: "customer", Start: 10, End: 20, Shard: "b"},
		{Keyspace: "customer", Start: 20, End: 50, Shard: "a"},
		{Keyspace: "customer", Start: 50, End: 100, Shard: "b"},
	}, next.Ranges("customer"))

	opts = next.Options()
	require.NoError(t, opts.MoveRange("customer", 10, 20, "a"))
	back, err := NewSnapshot(opts)
	require.NoError(t, err)
	assert.Len(t, back.Ranges("customer"), 2)

	assert.Error(t, back.Options().MoveRange("customer", 90, 120, "a"))
}

func TestRetireShard(t *testing.T) {
	snap := newTestSnapshot(t)

	opts := snap.Options()
	assert.Error(t, opts.RetireShard("b"))

	require.NoError(t, opts.MoveRange("customer", 50, 100, "a"))
	require.NoError(t, opts.MoveRange("product", 2, 3, "a"))
	require.NoError(t, opts.RetireShard("b"))

	next, err := NewSnapshot(opts)
	require.NoError(t, err)
	assert.True(t, next.IsRetired("b"))
	assert.Equal(t, 1, next.ShardCount())

	opts = next.Options()
	assert.ErrorIs(t, opts.AddShard(&Shard{ID: "b", Replicas: []string{"mem://x"}}), ErrRetiredShard)
}

func TestTopologyInstall(t *testing.T) {
	snap := newTestSnapshot(t)
	topo, err := New(&Options{Initial: snap, HistorySize: 2})
	require.NoError(t, err)

	assert.Equal(t, Version(1), topo.CurrentVersion())

	// installing the same version again must fail
	assert.ErrorIs(t, topo.Install(snap), ErrVersionConflict)

	for i := 0; i < 3; i++ {
		opts := topo.Current().Options()
		next, err := NewSnapshot(opts)
		require.NoError(t, err)
		require.NoError(t, topo.Install(next))
	}

	assert.Equal(t, Version(4), topo.CurrentVersion())

	_, err = topo.At(3)
	assert.NoError(t, err)

	_, err = topo.At(1)
	assert.ErrorIs(t, err, ErrVersionUnavailable)

	count, err := topo.ShardCount(4)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTopologyExclusion(t *testing.T) {
	topo, err := New(&Options{Initial: newTestSnapshot(t)})
	require.NoError(t, err)

	assert.True(t, topo.Exclude("mem://a2"))
	assert.False(t, topo.Exclude("mem://a2"))
	assert.Equal(t, Version(1), topo.CurrentVersion())

	rs, err := topo.ReplicasFor("a", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, rs.Size())
	assert.Equal(t, []string{"mem://a1", "mem://a3"}, rs.Available())
	assert.Equal(t, 1, rs.Index("mem://a2"))

	assert.True(t, topo.Include("mem://a2"))
	rs, err = topo.ReplicasFor("a", 1)
	require.NoError(t, err)
	assert.Len(t, rs.Available(), 3)

	_, err = topo.ReplicasFor("zz", 1)
	assert.ErrorIs(t, err, ErrUnknownShard)
}

func TestTopologyInclusionHandlers(t *testing.T) {
	topo, err := New(&Options{Initial: newTestSnapshot(t)})
	require.NoError(t, err)

	var included []string
	topo.OnInclude(func(endpoint string) {
		included = append(included, endpoint)
	})

	assert.False(t, topo.Include("mem://a1"))
	assert.True(t, topo.Exclude("mem://a1"))
	assert.True(t, topo.Include("mem://a1"))
	assert.False(t, topo.Include("mem://a1"))

	assert.Equal(t, []string{"mem://a1"}, included)
}

func TestTopologyWatch(t *testing.T) {
	topo, err := New(&Options{Initial: newTestSnapshot(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchCh := topo.Watch(ctx)

	select {
	case snap := <-watchCh:
		assert.Equal(t, Version(1), snap.Version())
	case <-time.After(time.Second):
		t.Fatalf("did not receive the initial snapshot")
	}

	next, err := NewSnapshot(topo.Current().Options())
	require.NoError(t, err)
	require.NoError(t, topo.Install(next))

	select {
	case snap := <-watchCh:
		assert.Equal(t, Version(2), snap.Version())
	case <-time.After(time.Second):
		t.Fatalf("did not receive the updated snapshot")
	}

	cancel()
	for range watchCh {
	}
}
