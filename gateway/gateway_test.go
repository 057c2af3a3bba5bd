package gateway

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDiscovery = `
version: 1
consistency:
  default: eventual
  categories:
    payments: strong
partitioning:
  customer:
    kind: hash
    slots: 100
shards:
  - id: shard-0
    replicas: [mem://a, mem://b, mem://c]
  - id: shard-1
    replicas: [mem://d, mem://e, mem://f]
`

func newTestGateway(t *testing.T, startedCh chan *StartupInfo) *Gateway {
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDiscovery), 0o600))

	pool := storagenode.NewPool(nil)
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		pool.Register("mem://"+name, storagenode.NewMemoryNode())
	}

	gw, err := NewGateway(&Config{
		Logger:         zap.NewNop(),
		DiscoveryFile:  path,
		Nodes:          pool,
		BindAddress:    "127.0.0.1",
		BindDapiPort:   0,
		BindHealthPort: 0,
		StartupCallback: func(info *StartupInfo) {
			startedCh <- info
		},
	})
	require.NoError(t, err)
	return gw
}

func TestGatewayRequiresDiscovery(t *testing.T) {
	_, err := NewGateway(&Config{Logger: zap.NewNop()})
	assert.Error(t, err)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	startedCh := make(chan *StartupInfo, 1)
	gw := newTestGateway(t, startedCh)

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- gw.Run(t.Context())
	}()

	var info *StartupInfo
	select {
	case info = <-startedCh:
	case <-time.After(10 * time.Second):
		t.Fatalf("gateway did not start")
	}
	assert.EqualValues(t, 1, info.TopologyVersion)
	require.NotZero(t, info.DapiPort)

	base := fmt.Sprintf("http://127.0.0.1:%d", info.DapiPort)

	req, err := http.NewRequest(http.MethodPut,
		base+"/v1/entities/customer/c-1?category=payments",
		bytes.NewBufferString(`{"name":"Ada"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/v1/entities/customer/c-1?category=payments")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	gw.Shutdown()

	select {
	case err := <-runErrCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("gateway did not shut down")
	}
}

func TestGatewayReconfigure(t *testing.T) {
	gw := newTestGateway(t, make(chan *StartupInfo, 1))
	defer gw.router.Close()
	defer gw.engine.Close()

	assert.InDelta(t, 0.8, gw.router.Policy().MinCoverage(), 1e-9)

	require.NoError(t, gw.Reconfigure(&ReconfigureOptions{MinCoverage: 0.5}))
	assert.InDelta(t, 0.5, gw.router.Policy().MinCoverage(), 1e-9)

	// zero falls back to the discovery policy
	require.NoError(t, gw.Reconfigure(&ReconfigureOptions{}))
	assert.InDelta(t, 0.8, gw.router.Policy().MinCoverage(), 1e-9)

	assert.Error(t, gw.Reconfigure(&ReconfigureOptions{MinCoverage: 1.5}))
	assert.Error(t, gw.Reconfigure(&ReconfigureOptions{RateLimit: -1}))

	require.NoError(t, gw.Reconfigure(&ReconfigureOptions{RateLimit: 100}))
	assert.LessOrEqual(t, gw.rateLimiter.RetryAfter(), time.Second)
}
