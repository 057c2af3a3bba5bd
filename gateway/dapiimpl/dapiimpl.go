/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package dapiimpl

import (
	"net/http"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/dapiimpl/server_v1"
	"github.com/couchbase/stellar-sharding/gateway/health"
	"github.com/couchbase/stellar-sharding/gateway/rebalance"
	"github.com/couchbase/stellar-sharding/gateway/router"
	"github.com/couchbase/stellar-sharding/gateway/scatter"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type NewOptions struct {
	Logger *zap.Logger

	Topology    *topology.Topology
	Router      *router.Router
	Coordinator *scatter.Coordinator
	Engine      *rebalance.Engine
	Health      *health.Monitor

	RequestTimeout time.Duration
	IsShuttingDown func() bool
	Debug          bool
}

type Servers struct {
	DataApiV1Server *server_v1.DataApiServer

	handler http.Handler
}

func New(opts *NewOptions) *Servers {
	v1ErrHandler := &server_v1.ErrorHandler{
		Logger: opts.Logger.Named("errors"),
		Debug:  opts.Debug,
	}

	v1Server := server_v1.NewDataApiServer(&server_v1.DataApiServerOptions{
		Logger:         opts.Logger.Named("dapi-serverv1"),
		ErrorHandler:   v1ErrHandler,
		Topology:       opts.Topology,
		Router:         opts.Router,
		Coordinator:    opts.Coordinator,
		Engine:         opts.Engine,
		Health:         opts.Health,
		RequestTimeout: opts.RequestTimeout,
	})

	r := mux.NewRouter().UseEncodedPath()
	v1Server.Register(r)

	r.Use(NewRecoveryHandler(opts.Logger.Named("recovery")))
	if opts.IsShuttingDown != nil {
		r.Use(NewShutdownHandler(opts.IsShuttingDown))
	}
	r.Use(NewRouteTracingHandler())
	r.Use(NewUserAgentMetricsHandler())

	return &Servers{
		DataApiV1Server: v1Server,
		handler:         r,
	}
}

// Handler serves every data api version.
func (s *Servers) Handler() http.Handler {
	return s.handler
}
