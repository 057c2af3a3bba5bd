package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/couchbase/stellar-sharding/gateway"
	"github.com/couchbase/stellar-sharding/pkg/telemetry"
	"github.com/couchbase/stellar-sharding/pkg/webapi"
	"github.com/couchbase/stellar-sharding/utils/buildversion"
	"github.com/couchbase/stellar-sharding/utils/secretsmanager"
	"github.com/couchbase/stellar-sharding/utils/selfsignedcert"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var buildVersion string = buildversion.GetVersion("github.com/couchbase/stellar-sharding")

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "stellar-sharding",
	Short: "A shard routing and consistency gateway for e-commerce data",

	Run: func(cmd *cobra.Command, args []string) {
		if autoRestart && !autoRestartProc {
			startGatewayWatchdog()
			return
		}

		startGateway()
	},
}

var cfgFile string
var watchCfgFile bool
var daemon bool
var autoRestart bool
var autoRestartProc bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")
	rootCmd.Flags().BoolVar(&daemon, "daemon", false, "in daemon mode, stellar-sharding will not exit on initial failure")
	rootCmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "in auto-restart mode, we run in a child process to auto-restart on failure")
	rootCmd.Flags().BoolVar(&autoRestartProc, "auto-restart-proc", false, "in auto-restart mode, indicates we are the child process")
	_ = rootCmd.Flags().MarkHidden("auto-restart-proc")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("dapi-port", 18100, "the data api port")
	configFlags.Int("health-port", 18101, "the grpc health port")
	configFlags.Int("web-port", 9091, "the web metrics/health port")
	configFlags.String("discovery-file", "", "path to a yaml discovery document")
	configFlags.String("etcd-endpoints", "", "comma separated etcd endpoints for topology and membership")
	configFlags.String("etcd-prefix", "/stellar-sharding", "the etcd key prefix")
	configFlags.String("node-user", "", "the storage node username")
	configFlags.String("node-pass", "", "the storage node password")
	configFlags.Bool("node-compress", true, "compress storage node request bodies with snappy")
	configFlags.Bool("self-sign", false, "specifies to allow a self-signed certificate")
	configFlags.String("cert", "", "path to default tls cert")
	configFlags.String("key", "", "path to default private tls key")
	configFlags.String("dapi-cert", "", "path to data api tls cert for Data API")
	configFlags.String("dapi-key", "", "path to data api private tls key for Data API")
	configFlags.Int("rate-limit", 0, "specifies the maximum requests per second to allow")
	configFlags.Float64("min-coverage", 0, "overrides the scatter coverage threshold for eventual queries")
	configFlags.Duration("request-timeout", 10*time.Second, "the deadline for requests which do not specify one")
	configFlags.Bool("auto-rebalance", false, "split and move ranges of hot shards automatically")
	configFlags.Duration("probe-interval", 5*time.Second, "how often excluded replicas are probed")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all components")
	configFlags.Bool("debug", false, "enable debug mode")
	configFlags.String("cpuprofile", "", "write cpu profile to a file")
	configFlags.String("node-creds-aws-id", "", "id of secret in aws sm storing storage node credentials")
	configFlags.String("node-creds-aws-region", "", "region of node-creds-aws-id secret")
	configFlags.String("node-creds-azure-id", "", "id of secret in azure kv storing storage node credentials")
	configFlags.String("node-creds-azure-vault-name", "", "name of key vault storing node-creds-azure-id")
	configFlags.String("node-creds-gcp-id", "", "id of secret in gcp sm storing storage node credentials")
	configFlags.String("node-creds-gcp-project-id", "", "id of project containing node-creds-gcp-id")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("sts")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr             string
	bindAddress             string
	dapiPort                int
	healthPort              int
	webPort                 int
	discoveryFile           string
	etcdEndpoints           string
	etcdPrefix              string
	nodeUser                string
	nodePass                string
	nodeCompress            bool
	selfSign                bool
	certPath                string
	keyPath                 string
	dapiCertPath            string
	dapiKeyPath             string
	rateLimit               int
	minCoverage             float64
	requestTimeout          time.Duration
	autoRebalance           bool
	probeInterval           time.Duration
	otlpEndpoint            string
	disableOtlpTraces       bool
	disableOtlpMetrics      bool
	traceEverything         bool
	debug                   bool
	cpuprofile              string
	nodeCredsAwsId          string
	nodeCredsAwsRegion      string
	nodeCredsAzureId        string
	nodeCredsAzureVaultName string
	nodeCredsGcpId          string
	nodeCredsGcpProjectId   string
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:             viper.GetString("log-level"),
		bindAddress:             viper.GetString("bind-address"),
		dapiPort:                viper.GetInt("dapi-port"),
		healthPort:              viper.GetInt("health-port"),
		webPort:                 viper.GetInt("web-port"),
		discoveryFile:           viper.GetString("discovery-file"),
		etcdEndpoints:           viper.GetString("etcd-endpoints"),
		etcdPrefix:              viper.GetString("etcd-prefix"),
		nodeUser:                viper.GetString("node-user"),
		nodePass:                viper.GetString("node-pass"),
		nodeCompress:            viper.GetBool("node-compress"),
		selfSign:                viper.GetBool("self-sign"),
		certPath:                viper.GetString("cert"),
		keyPath:                 viper.GetString("key"),
		dapiCertPath:            viper.GetString("dapi-cert"),
		dapiKeyPath:             viper.GetString("dapi-key"),
		rateLimit:               viper.GetInt("rate-limit"),
		minCoverage:             viper.GetFloat64("min-coverage"),
		requestTimeout:          viper.GetDuration("request-timeout"),
		autoRebalance:           viper.GetBool("auto-rebalance"),
		probeInterval:           viper.GetDuration("probe-interval"),
		otlpEndpoint:            viper.GetString("otlp-endpoint"),
		disableOtlpTraces:       viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics:      viper.GetBool("disable-otlp-metrics"),
		traceEverything:         viper.GetBool("trace-everything"),
		debug:                   viper.GetBool("debug"),
		cpuprofile:              viper.GetString("cpuprofile"),
		nodeCredsAwsId:          viper.GetString("node-creds-aws-id"),
		nodeCredsAwsRegion:      viper.GetString("node-creds-aws-region"),
		nodeCredsAzureId:        viper.GetString("node-creds-azure-id"),
		nodeCredsAzureVaultName: viper.GetString("node-creds-azure-vault-name"),
		nodeCredsGcpId:          viper.GetString("node-creds-gcp-id"),
		nodeCredsGcpProjectId:   viper.GetString("node-creds-gcp-project-id"),
	}

	logger.Info("parsed gateway configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("dapiPort", config.dapiPort),
		zap.Int("healthPort", config.healthPort),
		zap.Int("webPort", config.webPort),
		zap.String("discoveryFile", config.discoveryFile),
		zap.String("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.String("nodeUser", config.nodeUser),
		// zap.String("nodePass", config.nodePass),
		zap.Bool("nodeCompress", config.nodeCompress),
		zap.Bool("selfSign", config.selfSign),
		zap.String("certPath", config.certPath),
		zap.String("keyPath", config.keyPath),
		zap.String("dapiCertPath", config.dapiCertPath),
		zap.String("dapiKeyPath", config.dapiKeyPath),
		zap.Int("rateLimit", config.rateLimit),
		zap.Float64("minCoverage", config.minCoverage),
		zap.Duration("requestTimeout", config.requestTimeout),
		zap.Bool("autoRebalance", config.autoRebalance),
		zap.Duration("probeInterval", config.probeInterval),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything),
		zap.Bool("debug", config.debug),
		zap.String("cpuprofile", config.cpuprofile),
		zap.String("nodeCredsAwsId", config.nodeCredsAwsId),
		zap.String("nodeCredsAwsRegion", config.nodeCredsAwsRegion),
		zap.String("nodeCredsAzureId", config.nodeCredsAzureId),
		zap.String("nodeCredsAzureVaultName", config.nodeCredsAzureVaultName),
		zap.String("nodeCredsGcpId", config.nodeCredsGcpId),
		zap.String("nodeCredsGcpProjectId", config.nodeCredsGcpProjectId))

	return config
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

// loadCertificate resolves a listener certificate from its dedicated paths,
// the default paths or the self-signed certificate, in that order.  A nil
// certificate means the listener runs without TLS.
func loadCertificate(certPath, keyPath string, config *config, selfSignedCert *tls.Certificate) (*tls.Certificate, error) {
	if certPath == "" {
		certPath = config.certPath
	}
	if keyPath == "" {
		keyPath = config.keyPath
	}

	if certPath == "" || keyPath == "" {
		return selfSignedCert, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func fetchNodeCredentials(logger *zap.Logger, config *config) error {
	var creds *secretsmanager.Credentials
	var err error

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case config.nodeCredsAwsId != "":
		if config.nodeCredsAwsRegion == "" {
			return fmt.Errorf("must specify region and id when fetching secrets from aws")
		}
		logger.Info("fetching storage node credentials from aws secrets manager")
		creds, err = secretsmanager.FetchAWSSecret(ctx, config.nodeCredsAwsId, config.nodeCredsAwsRegion)
	case config.nodeCredsAzureId != "":
		if config.nodeCredsAzureVaultName == "" {
			return fmt.Errorf("must specify key vault name and id when fetching secrets from azure")
		}
		logger.Info("fetching storage node credentials from azure key vault")
		creds, err = secretsmanager.FetchAzureSecret(ctx, config.nodeCredsAzureId, config.nodeCredsAzureVaultName)
	case config.nodeCredsGcpId != "":
		if config.nodeCredsGcpProjectId == "" {
			return fmt.Errorf("must specify project and secret ids when fetching secrets from gcp")
		}
		logger.Info("fetching storage node credentials from gcp secrets manager")
		creds, err = secretsmanager.FetchGcpSecret(ctx, config.nodeCredsGcpId, config.nodeCredsGcpProjectId)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	if config.nodeUser != "" || config.nodePass != "" {
		return fmt.Errorf("cannot use node-user or node-pass when fetching creds from cloud provider")
	}

	config.nodeUser = creds.Username
	config.nodePass = creds.Password
	return nil
}

func startGateway() {
	// initialize the logger
	logLevel, logger := getLogger()

	// signal that we are starting
	logger.Info("starting stellar-sharding", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile),
		zap.Bool("daemon", daemon))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	// setup profiling
	if config.cpuprofile != "" {
		f, err := os.Create(config.cpuprofile)
		if err != nil {
			logger.Error("failed to create cpu profile file", zap.Error(err))
			os.Exit(1)
		}

		err = pprof.StartCPUProfile(f)
		if err != nil {
			logger.Error("failed to start cpu profiling", zap.Error(err))
			os.Exit(1)
		}

		defer pprof.StopCPUProfile()
	}

	// setup tracing and metrics
	providers, err := telemetry.Init(context.Background(), logger, &telemetry.Options{
		ServiceName:     "stellar-sharding",
		OtlpEndpoint:    config.otlpEndpoint,
		EnableTraces:    !config.disableOtlpTraces,
		EnableMetrics:   !config.disableOtlpMetrics,
		TraceEverything: config.traceEverything,
	})
	if err != nil {
		logger.Error("failed to initialize opentelemetry", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush telemetry", zap.Error(err))
		}
	}()

	// setup the web service
	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger,
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
	})

	var selfSignedCert *tls.Certificate
	if config.selfSign {
		generatedCert, err := selfsignedcert.GenerateCertificate()
		if err != nil {
			logger.Error("failed to generate a self-signed certificate", zap.Error(err))
			os.Exit(1)
		}

		selfSignedCert = generatedCert
	}

	dapiCertificate, err := loadCertificate(config.dapiCertPath, config.dapiKeyPath, config, selfSignedCert)
	if err != nil {
		logger.Error("failed to load data api tls certificate", zap.Error(err))
		os.Exit(1)
	}
	if dapiCertificate == nil && config.dapiPort != -1 {
		logger.Warn("data api is running without tls, specify dapi-cert/dapi-key, cert/key or self-sign to enable it")
	}

	healthCertificate, err := loadCertificate("", "", config, selfSignedCert)
	if err != nil {
		logger.Error("failed to load tls certificate", zap.Error(err))
		os.Exit(1)
	}

	err = fetchNodeCredentials(logger, config)
	if err != nil {
		logger.Error("failed to fetch storage node credentials", zap.Error(err))
		os.Exit(1)
	}

	gatewayConfig := &gateway.Config{
		Logger:            logger.Named("gateway"),
		DiscoveryFile:     config.discoveryFile,
		EtcdEndpoints:     splitEndpoints(config.etcdEndpoints),
		EtcdPrefix:        config.etcdPrefix,
		NodeUsername:      config.nodeUser,
		NodePassword:      config.nodePass,
		NodeCompress:      config.nodeCompress,
		BindAddress:       config.bindAddress,
		BindDapiPort:      config.dapiPort,
		BindHealthPort:    config.healthPort,
		DapiCertificate:   dapiCertificate,
		HealthCertificate: healthCertificate,
		RateLimit:         config.rateLimit,
		MinCoverage:       config.minCoverage,
		RequestTimeout:    config.requestTimeout,
		AutoRebalance:     config.autoRebalance,
		ProbeInterval:     config.probeInterval,
		Daemon:            daemon,
		Debug:             config.debug,
		StartupCallback: func(m *gateway.StartupInfo) {
			logger.Info("gateway started",
				zap.String("advertiseAddr", m.AdvertiseAddr),
				zap.Int("dapiPort", m.DapiPort),
				zap.Int("healthPort", m.HealthPort),
				zap.Uint64("topologyVersion", uint64(m.TopologyVersion)))
			webapi.MarkSystemHealthy()
		},
	}

	gw, err := gateway.NewGateway(gatewayConfig)
	if err != nil {
		logger.Error("failed to initialize the gateway", zap.Error(err))
		os.Exit(1)
	}

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		if cfgFile != "" {
			err := viper.ReadInConfig()
			if err != nil {
				logger.Warn("failed to parse configuration file",
					zap.Error(err))
			}
		}

		newConfig := readConfig(logger)

		if newConfig.discoveryFile != config.discoveryFile ||
			newConfig.etcdEndpoints != config.etcdEndpoints ||
			newConfig.etcdPrefix != config.etcdPrefix {
			logger.Warn("config changes for discoveryFile, etcdEndpoints or etcdPrefix require a restart")
		}

		if newConfig.nodeUser != config.nodeUser ||
			newConfig.nodePass != config.nodePass ||
			newConfig.nodeCompress != config.nodeCompress {
			logger.Warn("config changes for nodeUser, nodePass or nodeCompress require a restart")
		}

		if newConfig.bindAddress != config.bindAddress ||
			newConfig.dapiPort != config.dapiPort ||
			newConfig.healthPort != config.healthPort ||
			newConfig.webPort != config.webPort {
			logger.Warn("config changes for bindAddress, dapiPort, healthPort or webPort require a restart")
		}

		if newConfig.selfSign != config.selfSign ||
			newConfig.certPath != config.certPath ||
			newConfig.keyPath != config.keyPath ||
			newConfig.dapiCertPath != config.dapiCertPath ||
			newConfig.dapiKeyPath != config.dapiKeyPath {
			logger.Warn("config changes for selfSign, certPath, keyPath, dapiCertPath or dapiKeyPath require a restart")
		}

		if newConfig.otlpEndpoint != config.otlpEndpoint ||
			newConfig.disableOtlpTraces != config.disableOtlpTraces ||
			newConfig.disableOtlpMetrics != config.disableOtlpMetrics ||
			newConfig.traceEverything != config.traceEverything {
			logger.Warn("config changes for otlpEndpoint, disableOtlpTraces, disableOtlpMetrics or traceEverything require a restart")
		}

		if newConfig.requestTimeout != config.requestTimeout ||
			newConfig.autoRebalance != config.autoRebalance ||
			newConfig.probeInterval != config.probeInterval {
			logger.Warn("config changes for requestTimeout, autoRebalance or probeInterval require a restart")
		}

		if newConfig.debug != config.debug {
			logger.Warn("config changes for debug require a restart")
		}

		if newConfig.cpuprofile != config.cpuprofile {
			logger.Warn("config changes for cpuprofile require a restart")
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel, err := zapcore.ParseLevel(newConfig.logLevelStr)
			if err != nil {
				logger.Warn("invalid log level specified, using INFO instead")
				newParsedLogLevel = zapcore.InfoLevel
			}

			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		if newConfig.rateLimit != config.rateLimit ||
			newConfig.minCoverage != config.minCoverage {
			err := gw.Reconfigure(&gateway.ReconfigureOptions{
				RateLimit:   newConfig.rateLimit,
				MinCoverage: newConfig.minCoverage,
			})
			if err != nil {
				logger.Warn("failed to reconfigure system", zap.Error(err))
			}
		}

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected",
				zap.String("op", in.Op.String()))
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		beginGracefulShutdown := func() {
			webapi.MarkSystemShuttingDown()
			gw.Shutdown()
		}

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					beginGracefulShutdown()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				beginGracefulShutdown()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	err = gw.Run(context.Background())
	if err != nil {
		logger.Error("failed to run the gateway", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("gateway shutdown gracefully")
}

func startGatewayWatchdog() {
	_, logger := getLogger()
	logger = logger.Named("watchdog")

	execProc := os.Args[0]
	execArgs := append([]string{"--auto-restart-proc"}, os.Args[1:]...)

	hasReceivedSigInt := false
	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("received sigint a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("received sigint, waiting for graceful shutdown...")
					hasReceivedSigInt = true
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("received sigterm, waiting for graceful shutdown...")
			}
		}
	}()

	for {
		logger.Info("starting sub-process")

		cmd := exec.Command(execProc, execArgs...)
		cmd.Stderr = os.Stderr
		cmd.Stdout = os.Stdout

		err := cmd.Start()
		if err != nil {
			logger.Info("failed to start sub-process", zap.Error(err))
		}

		err = cmd.Wait()
		if err != nil {
			logger.Info("sub-process exited with error", zap.Error(err))
		}

		if hasReceivedSigInt {
			break
		}

		delayTime := 1 * time.Second
		logger.Info("crash detected, restarting", zap.Duration("delay", delayTime))
		time.Sleep(delayTime)
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
