package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/couchbase/stellar-sharding/contrib/etcdmemberlist"
	"github.com/couchbase/stellar-sharding/pkg/telemetry"
	"github.com/couchbase/stellar-sharding/storagenode/badgerstore"
	"github.com/couchbase/stellar-sharding/storagenode/httpnode"
	"github.com/couchbase/stellar-sharding/utils/buildversion"
	"github.com/couchbase/stellar-sharding/utils/netutils"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var buildVersion string = buildversion.GetVersion("github.com/couchbase/stellar-sharding")

var cfgFile string

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "storagenode",
	Short: "A badger backed storage node for stellar-sharding",

	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runNode())
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("port", 18200, "the storage node port")
	configFlags.String("advertise-address", "", "the address the gateway reaches this node at")
	configFlags.String("data-dir", "./data", "the badger data directory")
	configFlags.Bool("in-memory", false, "keep all data in memory")
	configFlags.Bool("sync-writes", false, "fsync every write before acknowledging it")
	configFlags.String("user", "", "the username gateways must present")
	configFlags.String("pass", "", "the password gateways must present")
	configFlags.String("etcd-endpoints", "", "comma separated etcd endpoints to register with")
	configFlags.String("etcd-prefix", "/stellar-sharding", "the etcd key prefix")
	configFlags.String("shard", "", "the shard this node serves, informational only")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("trace-everything", false, "enables tracing of all requests")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("sts_node")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func getLogger(levelStr string) *zap.Logger {
	level, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		level = zapcore.InfoLevel
	}

	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(logConfig), zapcore.AddSync(os.Stdout), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

func splitEndpoints(endpoints string) []string {
	var out []string
	for _, endpoint := range strings.Split(endpoints, ",") {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint != "" {
			out = append(out, endpoint)
		}
	}
	return out
}

func runNode() int {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load specified config file: %s\n", err)
			return 1
		}
	}

	logger := getLogger(viper.GetString("log-level"))
	logger.Info("starting storage node", zap.String("version", buildVersion))

	providers, err := telemetry.Init(context.Background(), logger, &telemetry.Options{
		ServiceName:     "stellar-sharding-storagenode",
		OtlpEndpoint:    viper.GetString("otlp-endpoint"),
		EnableTraces:    true,
		EnableMetrics:   true,
		TraceEverything: viper.GetBool("trace-everything"),
	})
	if err != nil {
		logger.Error("failed to initialize opentelemetry", zap.Error(err))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush telemetry", zap.Error(err))
		}
	}()

	store, err := badgerstore.Open(&badgerstore.Options{
		Logger:     logger.Named("store"),
		DataDir:    viper.GetString("data-dir"),
		InMemory:   viper.GetBool("in-memory"),
		SyncWrites: viper.GetBool("sync-writes"),
	})
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	bindAddress := viper.GetString("bind-address")
	lis, err := net.Listen("tcp", net.JoinHostPort(bindAddress, fmt.Sprintf("%d", viper.GetInt("port"))))
	if err != nil {
		logger.Error("failed to listen", zap.Error(err))
		return 1
	}
	boundPort := lis.Addr().(*net.TCPAddr).Port

	advertiseAddr := viper.GetString("advertise-address")
	if advertiseAddr == "" {
		advertiseAddr, err = netutils.GetAdvertiseAddress(bindAddress)
		if err != nil {
			logger.Error("failed to identify advertise address", zap.Error(err))
			return 1
		}
	}
	endpoint := netutils.AdvertiseURL("http", advertiseAddr, boundPort)

	server := httpnode.NewServer(&httpnode.ServerOptions{
		Logger:   logger.Named("server"),
		Backend:  store,
		Username: viper.GetString("user"),
		Password: viper.GetString("pass"),
	})
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.PathPrefix("/").Handler(server.Handler())

	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var membership *etcdmemberlist.Membership
	if etcdEndpoints := splitEndpoints(viper.GetString("etcd-endpoints")); len(etcdEndpoints) > 0 {
		etcdClient, err := etcd.New(etcd.Config{
			Endpoints:   etcdEndpoints,
			DialTimeout: 5 * time.Second,
			Logger:      logger.Named("etcd"),
		})
		if err != nil {
			logger.Error("failed to connect to etcd", zap.Error(err))
			return 1
		}
		defer etcdClient.Close()

		members, err := etcdmemberlist.NewMemberList(etcdmemberlist.MemberListOptions{
			Logger:     logger,
			EtcdClient: etcdClient,
			KeyPrefix:  strings.TrimSuffix(viper.GetString("etcd-prefix"), "/") + "/nodes",
		})
		if err != nil {
			logger.Error("failed to create member list", zap.Error(err))
			return 1
		}

		joinCtx, joinCancel := context.WithTimeout(ctx, 30*time.Second)
		membership, err = members.Join(joinCtx, &etcdmemberlist.JoinOptions{
			Node: etcdmemberlist.NodeInfo{
				Endpoint: endpoint,
				Shard:    viper.GetString("shard"),
				Version:  buildVersion,
			},
		})
		joinCancel()
		if err != nil {
			logger.Error("failed to register storage node", zap.Error(err))
			return 1
		}

		logger.Info("registered storage node", zap.String("member", membership.ID()))
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down storage node")

		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer leaveCancel()

		// leave before the listener closes
		if membership != nil {
			if err := membership.Leave(leaveCtx); err != nil {
				logger.Warn("failed to leave member list", zap.Error(err))
			}
		}

		if err := httpServer.Shutdown(leaveCtx); err != nil {
			logger.Warn("failed to shut down http server", zap.Error(err))
		}
	}()

	logger.Info("storage node listening",
		zap.String("endpoint", endpoint),
		zap.Int("port", boundPort))

	err = httpServer.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("storage node server failed", zap.Error(err))
		return 1
	}

	logger.Info("storage node shutdown gracefully")
	return 0
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
