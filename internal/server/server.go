package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggoodman/mcp-gateway-go/sse"
)

// Options selects what the router exposes besides the SSE transport.
type Options struct {
	// AllowedOrigins enables CORS for the listed origins when non-empty.
	AllowedOrigins []string

	// HealthPath serves a liveness check when non-empty.
	HealthPath string

	// Healthy reports whether the gateway can serve traffic. Nil means always.
	Healthy func() bool

	// MetricsPath serves Gatherer in the Prometheus text format when both are set.
	MetricsPath string
	Gatherer    prometheus.Gatherer
}

// New constructs the HTTP handler for the gateway.
func New(transport *sse.Handler, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get(transport.SSEPath(), transport.HandleStream)
	r.Post(transport.MessagePath(), transport.HandleMessage)

	if opts.HealthPath != "" {
		r.Get(opts.HealthPath, HealthHandler(opts.Healthy))
	}
	if opts.MetricsPath != "" && opts.Gatherer != nil {
		r.Handle(opts.MetricsPath, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// HealthHandler answers 200 "ok" while healthy reports true and 503
// otherwise.
func HealthHandler(healthy func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "unavailable")
			return
		}
		_, _ = io.WriteString(w, "ok")
	}
}
