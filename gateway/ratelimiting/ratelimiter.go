package ratelimiting

import (
	"net/http"
	"time"

	"google.golang.org/grpc"
)

// RateLimiter admits or rejects requests on both the data api and the
// grpc health surface.
type RateLimiter interface {
	Allow() bool
	RetryAfter() time.Duration

	HttpMiddleware(next http.Handler) http.Handler
	GrpcUnaryInterceptor() grpc.UnaryServerInterceptor
	GrpcStreamInterceptor() grpc.StreamServerInterceptor
}

var _ RateLimiter = (*GlobalRateLimiter)(nil)
