/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package rebalance

import (
	"context"
	"sync"

	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
	"golang.org/x/sync/semaphore"
)

// gateWeight is the weight held by a cutover.  Writers hold a weight of one
// so a cutover waits for in-flight writes and blocks new ones.
const gateWeight = 1 << 20

// Gate fences writes against range cutovers and captures writes made to a
// range while it is being migrated.
type Gate struct {
	lock   sync.Mutex
	shards map[topology.ShardID]*shardGate
}

type shardGate struct {
	sem *semaphore.Weighted

	logsLock sync.Mutex
	logs     map[*dualLog]struct{}
}

func NewGate() *Gate {
	return &Gate{
		shards: make(map[topology.ShardID]*shardGate),
	}
}

func (g *Gate) get(shard topology.ShardID) *shardGate {
	g.lock.Lock()
	defer g.lock.Unlock()

	sg, ok := g.shards[shard]
	if !ok {
		sg = &shardGate{
			sem:  semaphore.NewWeighted(gateWeight),
			logs: make(map[*dualLog]struct{}),
		}
		g.shards[shard] = sg
	}
	return sg
}

func (g *Gate) Enter(ctx context.Context, shard topology.ShardID) (func(), error) {
	sg := g.get(shard)
	if err := sg.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sg.sem.Release(1) }, nil
}

func (g *Gate) RecordWrite(shard topology.ShardID, rec *storagenode.Record) {
	sg := g.get(shard)

	sg.logsLock.Lock()
	defer sg.logsLock.Unlock()

	for log := range sg.logs {
		if log.matches(rec) {
			log.append(rec)
		}
	}
}

// exclusive blocks until every write holding the shard's gate has finished
// and keeps new writes out until released.
func (g *Gate) exclusive(ctx context.Context, shard topology.ShardID) (func(), error) {
	sg := g.get(shard)
	if err := sg.sem.Acquire(ctx, gateWeight); err != nil {
		return nil, err
	}
	return func() { sg.sem.Release(gateWeight) }, nil
}

func (g *Gate) openLog(shard topology.ShardID, keyspace string, start, end shardkey.Key) *dualLog {
	log := &dualLog{keyspace: keyspace, start: start, end: end}

	sg := g.get(shard)
	sg.logsLock.Lock()
	sg.logs[log] = struct{}{}
	sg.logsLock.Unlock()

	return log
}

func (g *Gate) closeLog(shard topology.ShardID, log *dualLog) {
	sg := g.get(shard)
	sg.logsLock.Lock()
	delete(sg.logs, log)
	sg.logsLock.Unlock()
}

// dualLog holds writes made to the source of a migration which the
// destination has not seen yet.
type dualLog struct {
	keyspace string
	start    shardkey.Key
	end      shardkey.Key

	lock    sync.Mutex
	records []*storagenode.Record
}

func (l *dualLog) matches(rec *storagenode.Record) bool {
	return rec.EntityType == l.keyspace && rec.Key >= l.start && rec.Key < l.end
}

func (l *dualLog) append(rec *storagenode.Record) {
	l.lock.Lock()
	l.records = append(l.records, rec)
	l.lock.Unlock()
}

func (l *dualLog) drain() []*storagenode.Record {
	l.lock.Lock()
	defer l.lock.Unlock()

	records := l.records
	l.records = nil
	return records
}

// requeue puts back records which could not be replayed.
func (l *dualLog) requeue(records []*storagenode.Record) {
	l.lock.Lock()
	l.records = append(records, l.records...)
	l.lock.Unlock()
}
