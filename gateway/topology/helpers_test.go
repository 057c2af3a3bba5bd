package topology

import (
	"testing"

	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/stretchr/testify/require"
)

func newTestPartitioning(t *testing.T) *shardkey.Table {
	table, err := shardkey.NewTable(map[string]*shardkey.Strategy{
		"customer": {Kind: shardkey.KindHash, Slots: 100},
		"product": {Kind: shardkey.KindCategory, Categories: map[string]uint64{
			"books": 0, "electronics": 1, "toys": 2,
		}},
	})
	require.NoError(t, err)
	return table
}

func newTestSnapshot(t *testing.T) *Snapshot {
	snap, err := NewSnapshot(&SnapshotOptions{
		Version:      1,
		Partitioning: newTestPartitioning(t),
		Shards: []*Shard{
			{ID: "a", Replicas: []string{"mem://a1", "mem://a2", "mem://a3"}},
			{ID: "b", Replicas: []string{"mem://b1", "mem://b2", "mem://b3"}},
		},
		Ranges: []KeyRange{
			{Keyspace: "customer", Start: 0, End: 50, Shard: "a"},
			{Keyspace: "customer", Start: 50, End: 100, Shard: "b"},
			{Keyspace: "product", Start: 0, End: 2, Shard: "a"},
			{Keyspace: "product", Start: 2, End: 3, Shard: "b"},
		},
	})
	require.NoError(t, err)
	return snap
}
