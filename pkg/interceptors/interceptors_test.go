package interceptors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/couchbase/stellar-sharding/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRequestLoggingHttp(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	rli := NewRequestLoggingInterceptor(zap.New(core))

	h := rli.HttpMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/topology", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/v1/topology", entries[0].ContextMap()["path"])
	assert.EqualValues(t, http.StatusTeapot, entries[0].ContextMap()["status"])
}

func TestRequestLoggingGrpc(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	rli := NewRequestLoggingInterceptor(zap.New(core))

	_, err := rli.UnaryInterceptor()(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return nil, status.Error(codes.NotFound, "unknown service")
		})
	assert.Equal(t, codes.NotFound, status.Code(err))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/grpc.health.v1.Health/Check", entries[0].ContextMap()["method"])
}

func TestMetricsInterceptorPassesThrough(t *testing.T) {
	mi := NewMetricsInterceptor(metrics.GetShardingMetrics())

	called := false
	h := mi.HttpMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/entities/order/o-1", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	resp, err := mi.UnaryInterceptor()(context.Background(), "req",
		&grpc.UnaryServerInfo{FullMethod: "/x"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return req, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "req", resp)
}
