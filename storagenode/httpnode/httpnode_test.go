package httpnode

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, compress bool, username, password string) (*Client, *storagenode.MemoryNode) {
	backend := storagenode.NewMemoryNode()
	srv := NewServer(&ServerOptions{
		Logger:   zap.NewNop(),
		Backend:  backend,
		Username: "node",
		Password: "secret",
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := NewClient(&ClientOptions{
		BaseURL:  ts.URL,
		Username: username,
		Password: password,
		Compress: compress,
	})
	require.NoError(t, err)

	return client, backend
}

func TestClientRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		client, backend := newTestClient(t, compress, "node", "secret")
		ctx := context.Background()

		rec := &storagenode.Record{
			EntityType: "customer",
			EntityID:   "c/1",
			Key:        12,
			LogicalTS:  7,
			Payload:    []byte(`{"name":"alice"}`),
		}
		require.NoError(t, client.Write(ctx, "shard-a", rec))
		require.NoError(t, client.Write(ctx, "shard-a", rec))
		assert.Equal(t, int64(1), backend.Writes())

		got, err := client.Read(ctx, "shard-a", "customer", "c/1")
		require.NoError(t, err)
		assert.Equal(t, rec.Payload, got.Payload)
		assert.Equal(t, uint64(7), got.LogicalTS)

		_, err = client.Read(ctx, "shard-a", "customer", "missing")
		assert.ErrorIs(t, err, storagenode.ErrNotFound)

		recs, err := client.Scan(ctx, "shard-a", &storagenode.ScanFilter{EntityType: "customer"})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "c/1", recs[0].EntityID)

		require.NoError(t, client.Ping(ctx))
	}
}

func TestClientUnavailableBackend(t *testing.T) {
	client, backend := newTestClient(t, false, "node", "secret")
	backend.SetDown(true)

	err := client.Ping(context.Background())
	assert.ErrorIs(t, err, storagenode.ErrUnavailable)
}

func TestClientBadCredentials(t *testing.T) {
	client, _ := newTestClient(t, false, "node", "wrong")

	err := client.Ping(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, storagenode.ErrUnavailable)
}

func TestClientRejectsScheme(t *testing.T) {
	_, err := NewClient(&ClientOptions{BaseURL: "ftp://node"})
	assert.Error(t, err)
}
