/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"fmt"
	"testing"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/discovery"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/stretchr/testify/require"
)

var TestEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultPartitioning is the partitioning used by test clusters: customers by
// hash, products by category and orders by day then customer.
func DefaultPartitioning() map[string]*shardkey.Strategy {
	return map[string]*shardkey.Strategy{
		"customer": {Kind: shardkey.KindHash, Slots: 100},
		"product": {Kind: shardkey.KindCategory, Categories: map[string]uint64{
			"books":       0,
			"electronics": 1,
			"toys":        2,
			"garden":      3,
			"music":       4,
		}},
		"order": {
			Kind:      shardkey.KindHybrid,
			Primary:   &shardkey.Strategy{Kind: shardkey.KindTemporal, Epoch: TestEpoch, BucketWidth: 24 * time.Hour},
			Secondary: &shardkey.Strategy{Kind: shardkey.KindHash, Slots: 16},
		},
	}
}

type ClusterOptions struct {
	Shards       int
	Replicas     int
	Partitioning map[string]*shardkey.Strategy
}

// Cluster is a set of in-memory storage nodes together with a topology
// spreading every bounded keyspace evenly over its shards.
type Cluster struct {
	Topology *topology.Topology
	Pool     *storagenode.Pool
	Nodes    map[string]*storagenode.MemoryNode
	ShardIDs []topology.ShardID
}

func ShardName(i int) topology.ShardID {
	return topology.ShardID(fmt.Sprintf("shard-%d", i))
}

func ReplicaName(shard topology.ShardID, i int) string {
	return fmt.Sprintf("mem://%s/r%d", shard, i)
}

func NewCluster(t testing.TB, opts *ClusterOptions) *Cluster {
	if opts == nil {
		opts = &ClusterOptions{}
	}

	numShards := opts.Shards
	if numShards <= 0 {
		numShards = 2
	}
	numReplicas := opts.Replicas
	if numReplicas <= 0 {
		numReplicas = 3
	}
	strategies := opts.Partitioning
	if strategies == nil {
		strategies = DefaultPartitioning()
	}

	table, err := shardkey.NewTable(strategies)
	require.NoError(t, err)

	c := &Cluster{
		Pool:  storagenode.NewPool(nil),
		Nodes: make(map[string]*storagenode.MemoryNode),
	}

	snapOpts := &topology.SnapshotOptions{
		Version:      1,
		Partitioning: table,
	}

	for i := 0; i < numShards; i++ {
		id := ShardName(i)
		c.ShardIDs = append(c.ShardIDs, id)

		shard := &topology.Shard{ID: id}
		for r := 0; r < numReplicas; r++ {
			endpoint := ReplicaName(id, r)
			node := storagenode.NewMemoryNode()
			c.Nodes[endpoint] = node
			c.Pool.Register(endpoint, node)
			shard.Replicas = append(shard.Replicas, endpoint)
		}
		snapOpts.Shards = append(snapOpts.Shards, shard)
	}

	for _, keyspace := range table.EntityTypes() {
		strategy, _ := table.Strategy(keyspace)
		snapOpts.Ranges = append(snapOpts.Ranges, discovery.EvenRanges(keyspace, strategy.Span(), c.ShardIDs)...)
	}

	snap, err := topology.NewSnapshot(snapOpts)
	require.NoError(t, err)

	c.Topology, err = topology.New(&topology.Options{Initial: snap})
	require.NoError(t, err)

	return c
}

func (c *Cluster) Node(endpoint string) *storagenode.MemoryNode {
	return c.Nodes[endpoint]
}

// ReplicaNodes returns the memory nodes of a shard in replica order.
func (c *Cluster) ReplicaNodes(shard topology.ShardID) []*storagenode.MemoryNode {
	s, ok := c.Topology.Current().Shard(shard)
	if !ok {
		return nil
	}

	nodes := make([]*storagenode.MemoryNode, 0, len(s.Replicas))
	for _, endpoint := range s.Replicas {
		nodes = append(nodes, c.Nodes[endpoint])
	}
	return nodes
}

// SetShardDown marks every replica of a shard down or up.
func (c *Cluster) SetShardDown(shard topology.ShardID, down bool) {
	for _, node := range c.ReplicaNodes(shard) {
		node.SetDown(down)
	}
}

func (c *Cluster) SetShardHang(shard topology.ShardID, hang bool) {
	for _, node := range c.ReplicaNodes(shard) {
		node.SetHang(hang)
	}
}

// AddNodes registers memory nodes for additional endpoints.
func (c *Cluster) AddNodes(endpoints ...string) {
	for _, endpoint := range endpoints {
		node := storagenode.NewMemoryNode()
		c.Nodes[endpoint] = node
		c.Pool.Register(endpoint, node)
	}
}
