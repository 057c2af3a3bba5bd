package ratelimiting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestAlignedResetTime(t *testing.T) {
	now := time.Unix(1000, 500*int64(time.Millisecond))
	reset := calculateAlignedResetTime(now, time.Second)
	assert.Equal(t, time.Unix(1001, 0), reset)
}

func TestGlobalRateLimiterAllow(t *testing.T) {
	l := NewGlobalRateLimiter(3, time.Hour)

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	assert.Greater(t, l.RetryAfter(), time.Duration(0))
	assert.LessOrEqual(t, l.RetryAfter(), time.Hour)
}

func TestGlobalRateLimiterUnlimited(t *testing.T) {
	l := NewGlobalRateLimiter(0, time.Second)
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow())
	}
}

func TestGlobalRateLimiterUpdateResets(t *testing.T) {
	l := NewGlobalRateLimiter(1, time.Hour)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	l.ResetAndUpdateRateLimit(2, time.Hour)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestGlobalRateLimiterHttp(t *testing.T) {
	l := NewGlobalRateLimiter(1, time.Hour)
	handler := l.HttpMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/topology", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/topology", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)

	var body rateLimitedJson
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RateLimited", body.Code)
}

func TestGlobalRateLimiterGrpc(t *testing.T) {
	l := NewGlobalRateLimiter(1, time.Hour)
	interceptor := l.GrpcUnaryInterceptor()

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := interceptor(context.Background(), nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	_, err = interceptor(context.Background(), nil, info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}
