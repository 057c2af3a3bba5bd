package system

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/dapiimpl"
	"github.com/couchbase/stellar-sharding/gateway/ratelimiting"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/pkg/interceptors"
	"github.com/couchbase/stellar-sharding/pkg/metrics"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type SystemOptions struct {
	Logger *zap.Logger

	DapiImpl *dapiimpl.Servers
	Topology *topology.Topology

	RateLimiter     ratelimiting.RateLimiter
	DapiTlsConfig   *tls.Config
	HealthTlsConfig *tls.Config
	Debug           bool
}

type System struct {
	logger *zap.Logger

	healthServer   *grpc.Server
	healthStatus   *health.Server
	healthReporter *ShardHealthReporter
	dapiServer     *http.Server
	dapiTls        bool
}

func NewSystem(opts *SystemOptions) (*System, error) {
	recoveryHandler := func(p any) (err error) {
		opts.Logger.Error("a panic has been triggered", zap.Any("error: ", p))
		return status.Errorf(codes.Internal, "An internal error occurred.")
	}

	metricsInterceptor := interceptors.NewMetricsInterceptor(metrics.GetShardingMetrics())
	loggingInterceptor := interceptors.NewRequestLoggingInterceptor(opts.Logger.Named("requests"))

	unaryInterceptors := []grpc.UnaryServerInterceptor{
		metricsInterceptor.UnaryInterceptor(),
	}
	if opts.Debug {
		unaryInterceptors = append(unaryInterceptors, loggingInterceptor.UnaryInterceptor())
	}
	if opts.RateLimiter != nil {
		unaryInterceptors = append(unaryInterceptors, opts.RateLimiter.GrpcUnaryInterceptor())
	}
	unaryInterceptors = append(unaryInterceptors, recovery.UnaryServerInterceptor(
		recovery.WithRecoveryHandler(recoveryHandler),
	))

	streamInterceptors := []grpc.StreamServerInterceptor{
		metricsInterceptor.StreamInterceptor(),
	}
	if opts.RateLimiter != nil {
		streamInterceptors = append(streamInterceptors, opts.RateLimiter.GrpcStreamInterceptor())
	}
	streamInterceptors = append(streamInterceptors, recovery.StreamServerInterceptor(
		recovery.WithRecoveryHandler(recoveryHandler),
	))

	creds := insecure.NewCredentials()
	if opts.HealthTlsConfig != nil {
		creds = credentials.NewTLS(opts.HealthTlsConfig)
	}

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unaryInterceptors...),
		grpc.ChainStreamInterceptor(streamInterceptors...),
		grpc.Creds(creds),
	}

	switch otel.GetMeterProvider().(type) {
	case noop.MeterProvider:
	default:
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	healthSrv := grpc.NewServer(serverOpts...)

	// the empty service name reports the gateway itself, shards report
	// under their own service names.
	healthStatus := health.NewServer()
	healthStatus.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(healthSrv, healthStatus)

	var healthReporter *ShardHealthReporter
	if opts.Topology != nil {
		healthReporter = NewShardHealthReporter(opts.Logger.Named("shard-health"), opts.Topology, healthStatus)
		healthReporter.Sync()
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Shard", "X-Topology-Version", "X-Consistency", "X-Partial-Result", "ETag", "Retry-After"},
		AllowCredentials: true,
		Debug:            opts.Debug,
	})

	var httpHandler http.Handler = opts.DapiImpl.Handler()
	if opts.RateLimiter != nil {
		httpHandler = opts.RateLimiter.HttpMiddleware(httpHandler)
	}
	if opts.Debug {
		httpHandler = loggingInterceptor.HttpMiddleware(httpHandler)
	}
	httpHandler = metricsInterceptor.HttpMiddleware(httpHandler)
	httpHandler = c.Handler(httpHandler)
	httpHandler = otelhttp.NewHandler(httpHandler, "dataapi")

	dapiSrv := &http.Server{
		WriteTimeout: time.Second * 65,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      httpHandler,
		TLSConfig:    opts.DapiTlsConfig,
	}

	s := &System{
		logger:         opts.Logger,
		healthServer:   healthSrv,
		healthStatus:   healthStatus,
		healthReporter: healthReporter,
		dapiServer:     dapiSrv,
		dapiTls:        opts.DapiTlsConfig != nil,
	}

	return s, nil
}

// SetShuttingDown flips the gateway health to NOT_SERVING so load balancers
// drain before the listeners close.
func (s *System) SetShuttingDown() {
	s.healthStatus.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

func (s *System) Serve(ctx context.Context, l *Listeners) error {
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		s.healthServer.Stop()
		_ = s.dapiServer.Close()
	}()

	if s.healthReporter != nil {
		go s.healthReporter.Run(ctx)
	}

	if l.healthListener != nil {
		wg.Add(1)
		go func() {
			err := s.healthServer.Serve(l.healthListener)
			if err != nil {
				s.logger.Warn("health server serve failed", zap.Error(err))
			}
			wg.Done()
		}()
	}

	if l.dapiListener != nil {
		wg.Add(1)
		go func() {
			var err error
			if s.dapiTls {
				err = s.dapiServer.ServeTLS(l.dapiListener, "", "")
			} else {
				err = s.dapiServer.Serve(l.dapiListener)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Warn("data api server serve failed", zap.Error(err))
			}
			wg.Done()
		}()
	}

	wg.Wait()
	return nil
}

func (s *System) Shutdown() {
	var wg sync.WaitGroup

	s.SetShuttingDown()

	if s.healthServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.healthServer.GracefulStop()
		}()
	}

	if s.dapiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dapiServer.SetKeepAlivesEnabled(false)
			_ = s.dapiServer.Shutdown(context.Background())
		}()
	}

	wg.Wait()
}
