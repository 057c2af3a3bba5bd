package interceptors

import (
	"context"
	"net/http"

	"github.com/couchbase/stellar-sharding/pkg/metrics"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
)

type MetricsInterceptor struct {
	metrics *metrics.ShardingMetrics
}

func NewMetricsInterceptor(metrics *metrics.ShardingMetrics) *MetricsInterceptor {
	return &MetricsInterceptor{
		metrics: metrics,
	}
}

func (mi *MetricsInterceptor) begin(ctx context.Context, surface string) func() {
	attrs := metric.WithAttributes(metrics.SurfaceAttr(surface))
	mi.metrics.Requests.Add(ctx, 1, attrs)
	mi.metrics.ActiveRequests.Add(ctx, 1, attrs)

	return func() {
		mi.metrics.ActiveRequests.Add(ctx, -1, attrs)
	}
}

func (mi *MetricsInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (response interface{}, err error) {
		done := mi.begin(ctx, "grpc")
		defer done()

		return handler(ctx, req)
	}
}

func (mi *MetricsInterceptor) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		done := mi.begin(ss.Context(), "grpc")
		defer done()

		return handler(srv, ss)
	}
}

func (mi *MetricsInterceptor) HttpMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := mi.begin(r.Context(), "http")
		defer done()

		next.ServeHTTP(w, r)
	})
}
