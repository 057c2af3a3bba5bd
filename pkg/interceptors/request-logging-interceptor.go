package interceptors

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// RequestLoggingInterceptor logs every request at debug level.
type RequestLoggingInterceptor struct {
	logger *zap.Logger
}

func NewRequestLoggingInterceptor(log *zap.Logger) *RequestLoggingInterceptor {
	return &RequestLoggingInterceptor{
		logger: log,
	}
}

func (rli *RequestLoggingInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (response interface{}, err error) {
		peerAddr := ""
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			peerAddr = p.Addr.String()
		}
		md, _ := metadata.FromIncomingContext(ctx)

		stime := time.Now()
		resp, err := handler(ctx, req)

		rli.logger.Debug("handled grpc request",
			zap.String("method", info.FullMethod),
			zap.String("ip", peerAddr),
			zap.Strings("user-agent", md.Get("user-agent")),
			zap.Stringer("code", status.Code(err)),
			zap.Duration("duration", time.Since(stime)))

		return resp, err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (rli *RequestLoggingInterceptor) HttpMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		stime := time.Now()
		next.ServeHTTP(rec, r)

		rli.logger.Debug("handled data api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("ip", r.RemoteAddr),
			zap.String("user-agent", r.UserAgent()),
			zap.Int("status", rec.statusCode),
			zap.Duration("duration", time.Since(stime)))
	})
}
