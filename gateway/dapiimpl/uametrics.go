/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package dapiimpl

import (
	"net/http"

	"github.com/couchbase/stellar-sharding/utils/clientnames"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("github.com/couchbase/stellar-sharding/gateway/dapiimpl")
)

func NewUserAgentMetricsHandler() mux.MiddlewareFunc {
	clientNames, _ := meter.Int64Counter("dataapi_client_request_count")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userAgent := r.Header.Get("user-agent")
			clientName := clientnames.FromUserAgent(userAgent)

			if clientName != "" {
				clientNames.Add(r.Context(), 1,
					metric.WithAttributes(attribute.String("client_name", clientName)))
			}

			next.ServeHTTP(w, r)
		})
	}
}
