package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/couchbase/stellar-sharding/gateway"
	"github.com/couchbase/stellar-sharding/gateway/discovery"
	"github.com/couchbase/stellar-sharding/storagenode/badgerstore"
	"github.com/couchbase/stellar-sharding/storagenode/httpnode"
	"github.com/couchbase/stellar-sharding/utils/buildversion"
	"go.uber.org/zap"
)

var numShards = flag.Uint("num-shards", 3, "how many shards to run")
var numReplicas = flag.Uint("num-replicas", 3, "how many replicas each shard has")
var noDefaultPorts = flag.Bool("no-default-ports", false, "whether to avoid using default ports")
var autoRebalance = flag.Bool("auto-rebalance", false, "whether to split hot shards automatically")
var nodeUser = flag.String("node-user", "dev", "the storage node username")
var nodePass = flag.String("node-pass", "password", "the storage node password")

// startNode runs an in-memory storage node on an ephemeral port and returns
// its endpoint.
func startNode(logger *zap.Logger) (string, error) {
	store, err := badgerstore.Open(&badgerstore.Options{
		Logger:   logger,
		InMemory: true,
	})
	if err != nil {
		return "", err
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = store.Close()
		return "", err
	}

	server := httpnode.NewServer(&httpnode.ServerOptions{
		Logger:   logger,
		Backend:  store,
		Username: *nodeUser,
		Password: *nodePass,
	})

	go func() {
		err := http.Serve(lis, server.Handler())
		if err != nil {
			logger.Error("storage node stopped", zap.Error(err))
		}
	}()

	return fmt.Sprintf("http://%s", lis.Addr().String()), nil
}

func devDocument(shards []discovery.ShardDoc) *discovery.Document {
	return &discovery.Document{
		Version: 1,
		Consistency: discovery.ConsistencyDoc{
			Default: "eventual",
			Categories: map[string]string{
				"payments":  "strong",
				"inventory": "strong",
				"analytics": "weak",
			},
		},
		Partitioning: map[string]*discovery.StrategyDoc{
			"customer": {Kind: "hash", Slots: 1024},
			"order":    {Kind: "hash", Slots: 1024},
			"product": {
				Kind: "category",
				Categories: map[string]uint64{
					"electronics": 0,
					"books":       1,
					"clothing":    2,
				},
			},
		},
		Shards: shards,
	}
}

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Printf("failed to initialize logging: %s", err)
		os.Exit(1)
	}

	buildVersion := buildversion.GetVersion("github.com/couchbase/stellar-sharding")
	logger.Info("starting stellar-sharding dev setup", zap.String("version", buildVersion))

	var shards []discovery.ShardDoc
	for shardIdx := uint(0); shardIdx < *numShards; shardIdx++ {
		shard := discovery.ShardDoc{ID: fmt.Sprintf("shard-%d", shardIdx)}
		for replicaIdx := uint(0); replicaIdx < *numReplicas; replicaIdx++ {
			endpoint, err := startNode(logger.Named(fmt.Sprintf("node-%d-%d", shardIdx, replicaIdx)))
			if err != nil {
				logger.Error("failed to start storage node", zap.Error(err))
				os.Exit(1)
			}
			shard.Replicas = append(shard.Replicas, endpoint)
		}
		shards = append(shards, shard)
	}

	docBytes, err := devDocument(shards).YAML()
	if err != nil {
		logger.Error("failed to encode discovery document", zap.Error(err))
		os.Exit(1)
	}

	tmpDir, err := os.MkdirTemp("", "stellar-sharding-dev")
	if err != nil {
		logger.Error("failed to create temp dir", zap.Error(err))
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	discoveryPath := filepath.Join(tmpDir, "discovery.yaml")
	err = os.WriteFile(discoveryPath, docBytes, 0o600)
	if err != nil {
		logger.Error("failed to write discovery document", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("wrote dev discovery document", zap.String("path", discoveryPath))

	dapiPort := 0
	healthPort := 0
	if !*noDefaultPorts {
		dapiPort = 18100
		healthPort = 18101
	}

	gw, err := gateway.NewGateway(&gateway.Config{
		Logger:         logger.Named("gateway"),
		DiscoveryFile:  discoveryPath,
		NodeUsername:   *nodeUser,
		NodePassword:   *nodePass,
		NodeCompress:   true,
		BindAddress:    "127.0.0.1",
		BindDapiPort:   dapiPort,
		BindHealthPort: healthPort,
		AutoRebalance:  *autoRebalance,
		Debug:          true,

		StartupCallback: func(m *gateway.StartupInfo) {
			logger.Info("dev gateway ready",
				zap.String("dataApi", fmt.Sprintf("http://%s:%d", m.AdvertiseAddr, m.DapiPort)),
				zap.Int("healthPort", m.HealthPort))
		},
	})
	if err != nil {
		logger.Error("failed to initialize the gateway", zap.Error(err))
		os.Exit(1)
	}

	err = gw.Run(context.Background())
	if err != nil {
		logger.Error("failed to run the gateway", zap.Error(err))
		os.Exit(1)
	}
}
