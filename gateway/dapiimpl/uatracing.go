package dapiimpl

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewRouteTracingHandler names the request span, started by the otelhttp
// handler wrapping the server, after the matched route.
func NewRouteTracingHandler() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := mux.CurrentRoute(r)
			if route != nil {
				span := trace.SpanFromContext(r.Context())
				if name := route.GetName(); name != "" {
					span.SetName(name)
				}
				if tmpl, err := route.GetPathTemplate(); err == nil {
					span.SetAttributes(attribute.String("http.route", tmpl))
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
