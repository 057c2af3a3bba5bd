package dapiimpl

import (
	"net/http"

	"github.com/couchbase/stellar-sharding/gateway/dapiimpl/server_v1"
	"github.com/gorilla/mux"
)

func NewShutdownHandler(isShuttingDown func() bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isShuttingDown() {
				w.Header().Set("Connection", "close")
				writeStatus(w, server_v1.ErrorHandler{}.NewShuttingDownStatus())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
