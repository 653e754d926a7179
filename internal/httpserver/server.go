// Package httpserver is the HTTP surface of the API: agent webhooks, the
// tenant panel, admin sync endpoints and provider callbacks.
package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voicebridge/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with request ids, access logs and request metrics.
func New(logger *slog.Logger) *Server {
	r := mux.NewRouter()
	r.Use(RequestID, Logging(logger), Metrics(observability.APIRequests))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, ErrNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed)
	})
	return &Server{Mux: r}
}

// MetricsMux serves /metrics for the given gatherer on its own port.
func MetricsMux(g prometheus.Gatherer) *http.ServeMux {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return m
}
