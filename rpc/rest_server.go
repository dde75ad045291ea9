package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/metric"

	"github.com/veriseal-org/veriseal/logger"
)

const (
	headerContentType = "Content-Type"
	applicationJson   = "application/json"

	metricsScopeRESTAPI = "rest_api"

	// DefaultMaxBodyBytes caps the accepted request body size.
	DefaultMaxBodyBytes int64 = 4194304 // 4MB
)

var allowedCORSHeaders = []string{"Accept", "Accept-Language", "Content-Language", "Origin", headerContentType}

type (
	// Registrar registers new HTTP handlers for given router.
	Registrar interface {
		Register(r *mux.Router)
	}

	// RegistrarFunc type is an adapter to allow the use of ordinary function as Registrar.
	RegistrarFunc func(r *mux.Router)

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	errorResponse struct {
		Err string `json:"error"`
	}
)

func NewRESTServer(addr string, maxBodySize int64, obs Observability, registrars ...Registrar) *http.Server {
	mtr := obs.Meter(metricsScopeRESTAPI)

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(http.NotFound)
	apiV1Router := r.PathPrefix("/api/v1").Subrouter()
	apiV1Router.Use(handlers.CORS(handlers.AllowedHeaders(allowedCORSHeaders)), instrumentHTTP(mtr, obs.Logger()))

	for _, registrar := range registrars {
		registrar.Register(apiV1Router)
	}

	return &http.Server{
		Addr:              addr,
		ReadTimeout:       3 * time.Second,
		ReadHeaderTimeout: time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       30 * time.Second,
		Handler:           http.MaxBytesHandler(r, maxBodySize),
	}
}

func (f RegistrarFunc) Register(r *mux.Router) {
	f(r)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any, log *slog.Logger) {
	w.Header().Set(headerContentType, applicationJson)
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		log.WarnContext(r.Context(), "failed to write response", logger.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error, log *slog.Logger) {
	writeJSON(w, r, status, errorResponse{Err: err.Error()}, log)
}
