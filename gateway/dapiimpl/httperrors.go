package dapiimpl

import (
	"encoding/json"
	"net/http"

	"github.com/couchbase/stellar-sharding/gateway/dapiimpl/server_v1"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func writeStatus(w http.ResponseWriter, st *server_v1.Status) {
	errBytes, _ := json.Marshal(st)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(st.StatusCode)
	_, _ = w.Write(errBytes)
}

// NewRecoveryHandler turns a panicking handler into an internal error
// response.
func NewRecoveryHandler(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}

					logger.Error("a panic has been triggered",
						zap.Any("error", p),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"))
					writeStatus(w, server_v1.ErrorHandler{Logger: logger}.NewInternalStatus())
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
