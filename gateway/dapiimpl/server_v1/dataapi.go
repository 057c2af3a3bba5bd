package server_v1

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/health"
	"github.com/couchbase/stellar-sharding/gateway/rebalance"
	"github.com/couchbase/stellar-sharding/gateway/router"
	"github.com/couchbase/stellar-sharding/gateway/scatter"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type DataApiServerOptions struct {
	Logger       *zap.Logger
	ErrorHandler *ErrorHandler

	Topology    *topology.Topology
	Router      *router.Router
	Coordinator *scatter.Coordinator
	Engine      *rebalance.Engine
	Health      *health.Monitor

	// RequestTimeout bounds requests which do not pass a timeout.
	RequestTimeout time.Duration
	MaxBodySize    int64
}

type DataApiServer struct {
	logger          *zap.Logger
	errorHandler    *ErrorHandler
	compressHandler CompressHandler

	topology    *topology.Topology
	router      *router.Router
	coordinator *scatter.Coordinator
	engine      *rebalance.Engine
	health      *health.Monitor

	requestTimeout time.Duration
	maxBodySize    int64
}

func NewDataApiServer(opts *DataApiServerOptions) *DataApiServer {
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}

	maxBodySize := opts.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 20 * 1024 * 1024
	}

	return &DataApiServer{
		logger:         opts.Logger,
		errorHandler:   opts.ErrorHandler,
		topology:       opts.Topology,
		router:         opts.Router,
		coordinator:    opts.Coordinator,
		engine:         opts.Engine,
		health:         opts.Health,
		requestTimeout: requestTimeout,
		maxBodySize:    maxBodySize,
	}
}

// Register adds the data api routes to a router.
func (s *DataApiServer) Register(r *mux.Router) {
	r.HandleFunc("/v1/entities/{type}/{id}", s.GetEntity).Methods(http.MethodGet).Name("GetEntity")
	r.HandleFunc("/v1/entities/{type}/{id}", s.PutEntity).Methods(http.MethodPut).Name("PutEntity")
	r.HandleFunc("/v1/entities/{type}/{id}", s.DeleteEntity).Methods(http.MethodDelete).Name("DeleteEntity")

	r.HandleFunc("/v1/query", s.Query).Methods(http.MethodPost).Name("Query")

	r.HandleFunc("/v1/topology", s.GetTopology).Methods(http.MethodGet).Name("GetTopology")
	r.HandleFunc("/v1/rebalance/tasks", s.ListTasks).Methods(http.MethodGet).Name("ListTasks")
	r.HandleFunc("/v1/rebalance/tasks", s.CreateTask).Methods(http.MethodPost).Name("CreateTask")
	r.HandleFunc("/v1/rebalance/tasks/{id}", s.GetTask).Methods(http.MethodGet).Name("GetTask")
	r.HandleFunc("/v1/shards", s.AddShard).Methods(http.MethodPost).Name("AddShard")
	r.HandleFunc("/v1/shards/{id}", s.RemoveShard).Methods(http.MethodDelete).Name("RemoveShard")
	r.HandleFunc("/v1/health/replicas", s.GetReplicaHealth).Methods(http.MethodGet).Name("GetReplicaHealth")
}

// Handler returns a standalone handler serving the data api.
func (s *DataApiServer) Handler() http.Handler {
	r := mux.NewRouter().UseEncodedPath()
	s.Register(r)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeStatus(w, &Status{
			StatusCode: http.StatusNotFound,
			Code:       ErrorCodeNotFound,
			Message:    "Unknown endpoint.",
		})
	})
	return r
}

func (s *DataApiServer) writeStatus(w http.ResponseWriter, st *Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(st.StatusCode)

	err := json.NewEncoder(w).Encode(st)
	if err != nil {
		s.logger.Debug("failed to write error response", zap.Error(err))
	}
}

func (s *DataApiServer) writeError(w http.ResponseWriter, err error) {
	s.writeStatus(w, s.errorHandler.NewGenericStatus(err))
}

func (s *DataApiServer) writeJson(w http.ResponseWriter, r *http.Request, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
		s.writeStatus(w, s.errorHandler.NewInternalStatus())
		return
	}

	encoding, data, errSt := s.compressHandler.MaybeCompressContent(data, r.Header.Get("Accept-Encoding"))
	if errSt != nil {
		s.writeStatus(w, errSt)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if encoding != "" {
		w.Header().Set("Content-Encoding", encoding)
	}
	w.WriteHeader(statusCode)

	_, err = w.Write(data)
	if err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// readJson decodes a possibly compressed JSON request body.
func (s *DataApiServer) readJson(r *http.Request, v any) *Status {
	body, errSt := s.readBody(r)
	if errSt != nil {
		return errSt
	}

	if err := json.Unmarshal(body, v); err != nil {
		return s.errorHandler.NewInvalidArgumentStatus("Invalid request body: " + err.Error())
	}
	return nil
}
