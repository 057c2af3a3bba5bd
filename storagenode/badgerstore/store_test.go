package badgerstore

import (
	"context"
	"testing"

	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	store, err := Open(&Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestStoreWriteRead(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec := &storagenode.Record{EntityType: "order", EntityID: "o1", Key: 3, LogicalTS: 5, Payload: []byte("a")}
	require.NoError(t, store.Write(ctx, "s1", rec))

	got, err := store.Read(ctx, "s1", "order", "o1")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got.Payload)

	_, err = store.Read(ctx, "s2", "order", "o1")
	assert.ErrorIs(t, err, storagenode.ErrNotFound)
}

func TestStoreIdempotentAndLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	newer := &storagenode.Record{EntityType: "order", EntityID: "o1", LogicalTS: 9, Payload: []byte("newer")}
	older := &storagenode.Record{EntityType: "order", EntityID: "o1", LogicalTS: 4, Payload: []byte("older")}

	require.NoError(t, store.Write(ctx, "s1", newer))
	require.NoError(t, store.Write(ctx, "s1", older))
	require.NoError(t, store.Write(ctx, "s1", newer))

	got, err := store.Read(ctx, "s1", "order", "o1")
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), got.Payload)
}

func TestStoreScan(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Write(ctx, "s1", &storagenode.Record{EntityType: "order", EntityID: "o1", Key: 1, LogicalTS: 1}))
	require.NoError(t, store.Write(ctx, "s1", &storagenode.Record{EntityType: "order", EntityID: "o2", Key: 50, LogicalTS: 1}))
	require.NoError(t, store.Write(ctx, "s1", &storagenode.Record{EntityType: "customer", EntityID: "c1", Key: 2, LogicalTS: 1}))
	require.NoError(t, store.Write(ctx, "s2", &storagenode.Record{EntityType: "order", EntityID: "o3", Key: 2, LogicalTS: 1}))

	recs, err := store.Scan(ctx, "s1", &storagenode.ScanFilter{EntityType: "order"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = store.Scan(ctx, "s1", &storagenode.ScanFilter{KeyStart: 0, KeyEnd: 10})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = store.Scan(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestStoreClosed(t *testing.T) {
	store, err := Open(&Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Ping(context.Background()), storagenode.ErrUnavailable)
	_, err = store.Read(context.Background(), "s1", "order", "o1")
	assert.ErrorIs(t, err, ErrStoreClosed)
}
