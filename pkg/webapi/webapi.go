// This file is to handle things such as metrics/health/log level, etc

package webapi

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	httpServer    *http.Server

	healthy      atomic.Bool
	shuttingDown atomic.Bool
}

func newWebServer(opts WebServerOptions) *WebServer {
	return &WebServer{
		logger:        opts.Logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the stellar sharding internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) writeText(rw http.ResponseWriter, statusCode int, text string) {
	rw.WriteHeader(statusCode)
	_, err := rw.Write([]byte(text))
	if err != nil {
		w.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (w *WebServer) handleLiveness(rw http.ResponseWriter, r *http.Request) {
	w.writeText(rw, http.StatusOK, "ok")
}

func (w *WebServer) handleReadiness(rw http.ResponseWriter, r *http.Request) {
	if w.shuttingDown.Load() {
		w.writeText(rw, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if !w.healthy.Load() {
		w.writeText(rw, http.StatusServiceUnavailable, "starting")
		return
	}

	w.writeText(rw, http.StatusOK, "ok")
}

func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/ready", w.handleReadiness).Methods(http.MethodGet)
	if w.logLevel != nil {
		// zap.AtomicLevel serves GET and PUT of {"level": "..."}
		r.Handle("/loglevel", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	r.HandleFunc("/", w.handleRoot)

	return r
}

func (w *WebServer) ListenAndServe() error {
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	globalWebServer = newWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil {
			opts.Logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}

// MarkSystemHealthy flips readiness once the gateway is serving.
func MarkSystemHealthy() {
	globalWebLock.Lock()
	defer globalWebLock.Unlock()

	if globalWebServer != nil {
		globalWebServer.healthy.Store(true)
	}
}

// MarkSystemShuttingDown fails readiness so load balancers drain the
// gateway.
func MarkSystemShuttingDown() {
	globalWebLock.Lock()
	defer globalWebLock.Unlock()

	if globalWebServer != nil {
		globalWebServer.shuttingDown.Store(true)
	}
}
