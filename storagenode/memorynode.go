/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package storagenode

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/topology"
)

type memoryKey struct {
	shard      topology.ShardID
	entityType string
	entityID   string
}

// MemoryNode is an in-process node.  It supports fault injection and is
// used by tests and by single-process deployments.
type MemoryNode struct {
	lock    sync.Mutex
	records map[memoryKey]*Record

	down    atomic.Bool
	hang    atomic.Bool
	latency atomic.Int64

	hooksLock sync.Mutex
	onScan    func(shard topology.ShardID)

	writes atomic.Int64
}

var _ Node = (*MemoryNode)(nil)

func NewMemoryNode() *MemoryNode {
	return &MemoryNode{
		records: make(map[memoryKey]*Record),
	}
}

// SetDown makes every request fail immediately with ErrUnavailable.
func (n *MemoryNode) SetDown(down bool) {
	n.down.Store(down)
}

// SetHang makes every request block until its context is done.
func (n *MemoryNode) SetHang(hang bool) {
	n.hang.Store(hang)
}

func (n *MemoryNode) SetLatency(d time.Duration) {
	n.latency.Store(int64(d))
}

// OnScan registers a hook invoked after a scan has captured its results.
func (n *MemoryNode) OnScan(fn func(shard topology.ShardID)) {
	n.hooksLock.Lock()
	n.onScan = fn
	n.hooksLock.Unlock()
}

func (n *MemoryNode) Writes() int64 {
	return n.writes.Load()
}

func (n *MemoryNode) enter(ctx context.Context) error {
	if n.down.Load() {
		return ErrUnavailable
	}

	if n.hang.Load() {
		<-ctx.Done()
		return ctx.Err()
	}

	if latency := time.Duration(n.latency.Load()); latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return ctx.Err()
}

func (n *MemoryNode) Write(ctx context.Context, shard topology.ShardID, rec *Record) error {
	err := n.enter(ctx)
	if err != nil {
		return err
	}

	key := memoryKey{shard: shard, entityType: rec.EntityType, entityID: rec.EntityID}

	n.lock.Lock()
	if ShouldApply(n.records[key], rec) {
		n.records[key] = rec.Clone()
		n.writes.Add(1)
	}
	n.lock.Unlock()

	return nil
}

func (n *MemoryNode) Read(ctx context.Context, shard topology.ShardID, entityType, entityID string) (*Record, error) {
	err := n.enter(ctx)
	if err != nil {
		return nil, err
	}

	n.lock.Lock()
	rec, ok := n.records[memoryKey{shard: shard, entityType: entityType, entityID: entityID}]
	n.lock.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (n *MemoryNode) Scan(ctx context.Context, shard topology.ShardID, filter *ScanFilter) ([]*Record, error) {
	err := n.enter(ctx)
	if err != nil {
		return nil, err
	}

	var out []*Record
	n.lock.Lock()
	for key, rec := range n.records {
		if key.shard == shard && filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	n.lock.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].EntityID < out[j].EntityID
	})

	n.hooksLock.Lock()
	onScan := n.onScan
	n.hooksLock.Unlock()
	if onScan != nil {
		onScan(shard)
	}

	return out, nil
}

func (n *MemoryNode) Ping(ctx context.Context) error {
	return n.enter(ctx)
}
