// Package server wires HTTP handlers into a chi router.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRoutes builds the router for the hub, relay, health and, when
// metricsHandler is non-nil, metrics endpoints.
func SetupRoutes(s *Server, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.WebSocketHandler)
	r.Get("/signal/{callID}", s.SignalingHandler)
	r.Get("/healthz", s.HealthHandler)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	return r
}
