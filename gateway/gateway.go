/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package gateway

import (
	"context"
	"crypto/tls"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-sharding/contrib/etcdmemberlist"
	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/dapiimpl"
	"github.com/couchbase/stellar-sharding/gateway/discovery"
	"github.com/couchbase/stellar-sharding/gateway/health"
	"github.com/couchbase/stellar-sharding/gateway/ratelimiting"
	"github.com/couchbase/stellar-sharding/gateway/rebalance"
	"github.com/couchbase/stellar-sharding/gateway/router"
	"github.com/couchbase/stellar-sharding/gateway/scatter"
	"github.com/couchbase/stellar-sharding/gateway/system"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/couchbase/stellar-sharding/storagenode/httpnode"
	"github.com/couchbase/stellar-sharding/utils/netutils"
	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type StartupInfo struct {
	AdvertiseAddr   string
	DapiPort        int
	HealthPort      int
	TopologyVersion topology.Version
}

type Config struct {
	Logger *zap.Logger

	// DiscoveryFile is a yaml discovery document.  With etcd configured it
	// seeds the stored document when none exists yet.
	DiscoveryFile string
	EtcdEndpoints []string
	EtcdPrefix    string

	// Nodes overrides the storage node pool.  Endpoints it does not know
	// are dialed over http.
	Nodes        *storagenode.Pool
	NodeUsername string
	NodePassword string
	NodeCompress bool

	BindAddress    string
	BindDapiPort   int
	BindHealthPort int

	DapiCertificate   *tls.Certificate
	HealthCertificate *tls.Certificate

	RateLimit      int
	MinCoverage    float64
	RequestTimeout time.Duration
	AutoRebalance  bool
	ProbeInterval  time.Duration

	Daemon bool
	Debug  bool

	StartupCallback func(*StartupInfo)
}

type ReconfigureOptions struct {
	RateLimit   int
	MinCoverage float64
}

type Gateway struct {
	config Config
	logger *zap.Logger

	topology    *topology.Topology
	nodes       *storagenode.Pool
	monitor     *health.Monitor
	engine      *rebalance.Engine
	router      *router.Router
	coordinator *scatter.Coordinator
	rateLimiter *ratelimiting.GlobalRateLimiter

	etcdClient *etcd.Client
	provider   *discovery.EtcdProvider
	members    *etcdmemberlist.MemberList
	revision   int64

	basePolicy   atomic.Pointer[consistency.Policy]
	minCoverage  atomic.Uint64
	shuttingDown atomic.Bool

	lock     sync.Mutex
	cancelFn context.CancelFunc
	sys      *system.System
}

func NewGateway(config *Config) (*Gateway, error) {
	gw := &Gateway{
		config: *config,
		logger: config.Logger,
	}
	if gw.logger == nil {
		gw.logger = zap.NewNop()
	}

	if err := gw.init(); err != nil {
		gw.closeClients()
		return nil, err
	}

	return gw, nil
}

func (g *Gateway) topologyKey() string {
	return strings.TrimSuffix(g.config.EtcdPrefix, "/") + "/topology"
}

func (g *Gateway) nodesPrefix() string {
	return strings.TrimSuffix(g.config.EtcdPrefix, "/") + "/nodes"
}

func (g *Gateway) dialNode(endpoint string) (storagenode.Node, error) {
	return httpnode.NewClient(&httpnode.ClientOptions{
		BaseURL:  endpoint,
		Username: g.config.NodeUsername,
		Password: g.config.NodePassword,
		Compress: g.config.NodeCompress,
	})
}

// loadDocument reads the discovery document from etcd or the local file.
// In daemon mode an unreachable etcd is retried rather than failing startup.
func (g *Gateway) loadDocument() (*discovery.Document, error) {
	var seed *discovery.Document
	if g.config.DiscoveryFile != "" {
		doc, err := discovery.LoadFile(g.config.DiscoveryFile)
		if err != nil {
			return nil, err
		}
		seed = doc
	}

	if len(g.config.EtcdEndpoints) == 0 {
		if seed == nil {
			return nil, errors.New("a discovery file is required when etcd is not configured")
		}
		return seed, nil
	}

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   g.config.EtcdEndpoints,
		DialTimeout: 5 * time.Second,
		Logger:      g.logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create etcd client")
	}
	g.etcdClient = etcdClient

	g.provider, err = discovery.NewEtcdProvider(&discovery.EtcdProviderOptions{
		Logger: g.logger,
		Client: etcdClient,
		Key:    g.topologyKey(),
	})
	if err != nil {
		return nil, err
	}

	var doc *discovery.Document
	loadOnce := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var err error
		if seed != nil {
			doc, g.revision, err = g.provider.Bootstrap(ctx, seed)
		} else {
			doc, g.revision, err = g.provider.Load(ctx)
		}
		if errors.Is(err, discovery.ErrNoDocument) {
			return backoff.Permanent(err)
		}
		return err
	}

	if !g.config.Daemon {
		if err := loadOnce(); err != nil {
			return nil, errors.Wrap(err, "failed to load the discovery document")
		}
		return doc, nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err = backoff.RetryNotify(loadOnce, b, func(err error, d time.Duration) {
		g.logger.Warn("failed to load the discovery document, retrying",
			zap.Error(err),
			zap.Duration("delay", d))
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load the discovery document")
	}
	return doc, nil
}

// effectivePolicy applies the configured minimum coverage override to the
// policy from discovery.
func (g *Gateway) effectivePolicy() *consistency.Policy {
	policy := g.basePolicy.Load()
	minCoverage := math.Float64frombits(g.minCoverage.Load())
	if minCoverage <= 0 {
		return policy
	}

	withCoverage, err := policy.WithMinCoverage(minCoverage)
	if err != nil {
		g.logger.Warn("ignoring invalid minimum coverage", zap.Float64("minCoverage", minCoverage), zap.Error(err))
		return policy
	}
	return withCoverage
}

func (g *Gateway) init() error {
	g.minCoverage.Store(math.Float64bits(g.config.MinCoverage))

	doc, err := g.loadDocument()
	if err != nil {
		return err
	}

	snap, err := doc.Snapshot()
	if err != nil {
		return errors.Wrap(err, "invalid discovery document")
	}
	policy, err := doc.Policy()
	if err != nil {
		return errors.Wrap(err, "invalid consistency policy")
	}
	g.basePolicy.Store(policy)

	g.topology, err = topology.New(&topology.Options{
		Logger:  g.logger.Named("topology"),
		Initial: snap,
	})
	if err != nil {
		return err
	}

	g.nodes = g.config.Nodes
	if g.nodes == nil {
		g.nodes = storagenode.NewPool(&storagenode.PoolOptions{
			Dial: g.dialNode,
		})
	}

	g.monitor = health.NewMonitor(&health.MonitorOptions{
		Logger:        g.logger.Named("health"),
		Topology:      g.topology,
		Nodes:         g.nodes,
		ProbeInterval: g.config.ProbeInterval,
	})

	g.engine, err = rebalance.NewEngine(&rebalance.EngineOptions{
		Logger:   g.logger,
		Topology: g.topology,
		Nodes:    g.nodes,
		Load:     g.monitor,
	})
	if err != nil {
		return err
	}
	if g.provider != nil {
		g.provider.SetPolicy(policy)
		g.engine.SetPublisher(g.provider)
	}
	if g.config.AutoRebalance {
		g.monitor.SetHotShardHandler(g.engine.HandleHotShard)
	}

	g.router, err = router.NewRouter(&router.Options{
		Logger:   g.logger,
		Topology: g.topology,
		Nodes:    g.nodes,
		Policy:   g.effectivePolicy(),
		Health:   g.monitor,
		Gate:     g.engine.Gate(),
	})
	if err != nil {
		return err
	}

	g.coordinator, err = scatter.NewCoordinator(&scatter.CoordinatorOptions{
		Logger:   g.logger,
		Topology: g.topology,
		Nodes:    g.nodes,
		Policy:   g.router,
		Health:   g.monitor,
	})
	if err != nil {
		return err
	}

	if g.etcdClient != nil {
		g.members, err = etcdmemberlist.NewMemberList(etcdmemberlist.MemberListOptions{
			Logger:     g.logger.Named("members"),
			EtcdClient: g.etcdClient,
			KeyPrefix:  g.nodesPrefix(),
		})
		if err != nil {
			return err
		}
	}

	// a zero limit disables limiting but keeps it reconfigurable
	rateLimit := g.config.RateLimit
	if rateLimit < 0 {
		rateLimit = 0
	}
	g.rateLimiter = ratelimiting.NewGlobalRateLimiter(uint64(rateLimit), time.Second)

	g.logger.Info("gateway initialized",
		zap.Uint64("topologyVersion", uint64(snap.Version())),
		zap.Int("shards", snap.ShardCount()),
		zap.Bool("etcd", g.etcdClient != nil))

	return nil
}

// Topology exposes the live topology, mainly for embedding and tests.
func (g *Gateway) Topology() *topology.Topology {
	return g.topology
}

func (g *Gateway) onDocument(doc *discovery.Document) {
	installed, err := discovery.Apply(g.topology, doc)
	if err != nil {
		g.logger.Warn("failed to apply discovery document", zap.Error(err))
	} else if installed {
		g.logger.Info("installed topology from discovery",
			zap.Uint64("version", uint64(g.topology.CurrentVersion())))
	}

	policy, err := doc.Policy()
	if err != nil {
		g.logger.Warn("ignoring invalid consistency policy", zap.Error(err))
		return
	}
	g.basePolicy.Store(policy)
	g.provider.SetPolicy(policy)
	g.router.SetPolicy(g.effectivePolicy())
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listeners, err := system.NewListeners(&system.ListenersOptions{
		Address:    g.config.BindAddress,
		DapiPort:   g.config.BindDapiPort,
		HealthPort: g.config.BindHealthPort,
	})
	if err != nil {
		return errors.Wrap(err, "failed to bind listeners")
	}
	defer listeners.Close()

	servers := dapiimpl.New(&dapiimpl.NewOptions{
		Logger:         g.logger.Named("dapi"),
		Topology:       g.topology,
		Router:         g.router,
		Coordinator:    g.coordinator,
		Engine:         g.engine,
		Health:         g.monitor,
		RequestTimeout: g.config.RequestTimeout,
		IsShuttingDown: g.shuttingDown.Load,
		Debug:          g.config.Debug,
	})

	var dapiTlsConfig *tls.Config
	if g.config.DapiCertificate != nil {
		dapiTlsConfig = &tls.Config{
			Certificates: []tls.Certificate{*g.config.DapiCertificate},
			MinVersion:   tls.VersionTLS12,
		}
	}
	var healthTlsConfig *tls.Config
	if g.config.HealthCertificate != nil {
		healthTlsConfig = &tls.Config{
			Certificates: []tls.Certificate{*g.config.HealthCertificate},
			MinVersion:   tls.VersionTLS12,
		}
	}

	sys, err := system.NewSystem(&system.SystemOptions{
		Logger:          g.logger.Named("system"),
		DapiImpl:        servers,
		Topology:        g.topology,
		RateLimiter:     g.rateLimiter,
		DapiTlsConfig:   dapiTlsConfig,
		HealthTlsConfig: healthTlsConfig,
		Debug:           g.config.Debug,
	})
	if err != nil {
		return err
	}

	g.lock.Lock()
	if g.shuttingDown.Load() {
		g.lock.Unlock()
		return nil
	}
	g.cancelFn = cancel
	g.sys = sys
	g.lock.Unlock()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.monitor.Run(ctx)
	}()

	if g.provider != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.provider.Watch(ctx, g.revision, g.onDocument)
		}()
	}

	if g.members != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.members.TrackLosses(ctx, func(node etcdmemberlist.NodeInfo) {
				g.monitor.MarkDown(node.Endpoint, "storage node registration lost")
			})
			if err != nil && ctx.Err() == nil {
				g.logger.Warn("storage node membership tracking stopped", zap.Error(err))
			}
		}()
	}

	g.logger.Info("gateway listening",
		zap.Int("dapiPort", listeners.BoundDapiPort()),
		zap.Int("healthPort", listeners.BoundHealthPort()))

	advertiseAddr, err := netutils.GetAdvertiseAddress(g.config.BindAddress)
	if err != nil {
		g.logger.Warn("failed to determine the advertise address", zap.Error(err))
		advertiseAddr = g.config.BindAddress
	}

	if g.config.StartupCallback != nil {
		g.config.StartupCallback(&StartupInfo{
			AdvertiseAddr:   advertiseAddr,
			DapiPort:        listeners.BoundDapiPort(),
			HealthPort:      listeners.BoundHealthPort(),
			TopologyVersion: g.topology.CurrentVersion(),
		})
	}

	err = sys.Serve(ctx, listeners)

	cancel()
	wg.Wait()

	g.engine.Close()
	g.router.Close()
	g.closeClients()

	return err
}

func (g *Gateway) closeClients() {
	if g.etcdClient != nil {
		if err := g.etcdClient.Close(); err != nil {
			g.logger.Debug("failed to close etcd client", zap.Error(err))
		}
		g.etcdClient = nil
	}
}

// Shutdown drains the servers and stops background work.  In-flight
// requests are allowed to complete.
func (g *Gateway) Shutdown() {
	g.shuttingDown.Store(true)

	g.lock.Lock()
	sys := g.sys
	cancel := g.cancelFn
	g.lock.Unlock()

	if sys != nil {
		sys.Shutdown()
	}
	if cancel != nil {
		cancel()
	}
}

// Reconfigure applies the settings which can change without a restart.
func (g *Gateway) Reconfigure(opts *ReconfigureOptions) error {
	if opts.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	if opts.MinCoverage < 0 || opts.MinCoverage > 1 {
		return errors.New("minimum coverage must be within [0, 1]")
	}

	g.rateLimiter.ResetAndUpdateRateLimit(uint64(opts.RateLimit), time.Second)

	g.minCoverage.Store(math.Float64bits(opts.MinCoverage))
	g.router.SetPolicy(g.effectivePolicy())

	g.logger.Info("gateway reconfigured",
		zap.Int("rateLimit", opts.RateLimit),
		zap.Float64("minCoverage", opts.MinCoverage))

	return nil
}
