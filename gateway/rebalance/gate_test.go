package rebalance

import (
	"context"
	"testing"
	"time"

	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateCutoverWaitsForWriters(t *testing.T) {
	g := NewGate()
	ctx := context.Background()

	release, err := g.Enter(ctx, "shard-0")
	require.NoError(t, err)

	acquired := make(chan func())
	go func() {
		unlock, err := g.exclusive(ctx, "shard-0")
		if err == nil {
			acquired <- unlock
		}
	}()

	select {
	case <-acquired:
		t.Fatalf("cutover acquired the gate while a write was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	// other shards are unaffected
	otherRelease, err := g.Enter(ctx, "shard-1")
	require.NoError(t, err)
	otherRelease()

	release()

	var unlock func()
	select {
	case unlock = <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("cutover did not acquire the gate")
	}

	// writers are held back during the cutover
	blockedCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = g.Enter(blockedCtx, "shard-0")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	release, err = g.Enter(ctx, "shard-0")
	require.NoError(t, err)
	release()
}

func TestGateRecordsWritesInMigratingRange(t *testing.T) {
	g := NewGate()
	log := g.openLog("shard-0", "customer", 10, 20)

	g.RecordWrite("shard-0", &storagenode.Record{EntityType: "customer", EntityID: "a", Key: 15})
	g.RecordWrite("shard-0", &storagenode.Record{EntityType: "customer", EntityID: "b", Key: 20})
	g.RecordWrite("shard-0", &storagenode.Record{EntityType: "product", EntityID: "c", Key: 15})
	g.RecordWrite("shard-1", &storagenode.Record{EntityType: "customer", EntityID: "d", Key: 15})

	records := log.drain()
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].EntityID)
	assert.Empty(t, log.drain())

	log.requeue(records)
	assert.Len(t, log.drain(), 1)

	g.closeLog("shard-0", log)
	g.RecordWrite("shard-0", &storagenode.Record{EntityType: "customer", EntityID: "e", Key: 15})
	assert.Empty(t, log.drain())
}
