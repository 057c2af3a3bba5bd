/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package httpnode

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/couchbase/stellar-sharding/utils/authhdr"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type ServerOptions struct {
	Logger   *zap.Logger
	Backend  storagenode.Node
	Username string
	Password string
}

// Server exposes a storagenode.Node over http.
type Server struct {
	logger   *zap.Logger
	backend  storagenode.Node
	username string
	password string
}

func NewServer(opts *ServerOptions) *Server {
	return &Server{
		logger:   opts.Logger,
		backend:  opts.Backend,
		username: opts.Username,
		password: opts.Password,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter().UseEncodedPath()

	r.HandleFunc("/v1/ping", s.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/v1/shards/{shard}/records/{type}/{id}", s.handleWrite).Methods(http.MethodPut)
	r.HandleFunc("/v1/shards/{shard}/records/{type}/{id}", s.handleRead).Methods(http.MethodGet)
	r.HandleFunc("/v1/shards/{shard}/scan", s.handleScan).Methods(http.MethodPost)

	var h http.Handler = r
	if s.username != "" {
		h = s.authMiddleware(h)
	}

	return otelhttp.NewHandler(h, "storagenode")
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := authhdr.DecodeBasicAuth(r.Header.Get("Authorization"))
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="storagenode"`)
			s.writeStatus(w, &Status{
				StatusCode: http.StatusUnauthorized,
				Code:       "unauthenticated",
				Message:    "invalid credentials",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeStatus(w http.ResponseWriter, st *Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(st.StatusCode)

	err := json.NewEncoder(w).Encode(st)
	if err != nil {
		s.logger.Debug("failed to write error response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storagenode.ErrNotFound):
		s.writeStatus(w, &Status{StatusCode: http.StatusNotFound, Code: codeNotFound, Message: "record not found"})
	case errors.Is(err, storagenode.ErrUnavailable):
		s.writeStatus(w, &Status{StatusCode: http.StatusServiceUnavailable, Code: codeUnavailable, Message: err.Error()})
	default:
		s.logger.Warn("storage backend request failed", zap.Error(err))
		s.writeStatus(w, &Status{StatusCode: http.StatusInternalServerError, Code: codeInternal, Message: "an internal error occurred"})
	}
}

func (s *Server) writeBody(w http.ResponseWriter, r *http.Request, v any) {
	compress := acceptsSnappy(r)

	data, err := encodeBody(v, compress)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if compress {
		w.Header().Set("Content-Encoding", encodingSnappy)
	}
	w.WriteHeader(http.StatusOK)

	_, err = w.Write(data)
	if err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// pathVars unescapes the route variables, the router matches on the encoded
// path so that ids may contain slashes.
func pathVars(r *http.Request) map[string]string {
	vars := mux.Vars(r)
	for k, v := range vars {
		unescaped, err := url.PathUnescape(v)
		if err == nil {
			vars[k] = unescaped
		}
	}
	return vars
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	err := s.backend.Ping(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	vars := pathVars(r)

	var rec storagenode.Record
	err := decodeBody(r.Body, r.Header.Get("Content-Encoding"), &rec)
	if err != nil {
		s.writeStatus(w, &Status{StatusCode: http.StatusBadRequest, Code: codeInvalidArgument, Message: err.Error()})
		return
	}

	if rec.EntityType != vars["type"] || rec.EntityID != vars["id"] {
		s.writeStatus(w, &Status{
			StatusCode: http.StatusBadRequest,
			Code:       codeInvalidArgument,
			Message:    "record identity does not match the request path",
		})
		return
	}

	err = s.backend.Write(r.Context(), topology.ShardID(vars["shard"]), &rec)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	vars := pathVars(r)

	rec, err := s.backend.Read(r.Context(), topology.ShardID(vars["shard"]), vars["type"], vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeBody(w, r, rec)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	vars := pathVars(r)

	var filter storagenode.ScanFilter
	err := decodeBody(r.Body, r.Header.Get("Content-Encoding"), &filter)
	if err != nil {
		s.writeStatus(w, &Status{StatusCode: http.StatusBadRequest, Code: codeInvalidArgument, Message: err.Error()})
		return
	}

	recs, err := s.backend.Scan(r.Context(), topology.ShardID(vars["shard"]), &filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if recs == nil {
		recs = []*storagenode.Record{}
	}
	s.writeBody(w, r, recs)
}
