package rpc

import (
	"net/http"

	"github.com/gorilla/mux"
)

// MetricsEndpoints serves the metrics scrape handler. A nil handler means
// metrics collection is disabled and nothing is registered.
func MetricsEndpoints(handler http.Handler) RegistrarFunc {
	return func(r *mux.Router) {
		if handler == nil {
			return
		}
		r.Handle("/metrics", handler).Methods(http.MethodGet, http.MethodOptions)
	}
}
