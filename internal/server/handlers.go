// Package server exposes HTTP handlers, including the hub and signaling
// WebSocket upgrades and the health check.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Server binds the hub to its HTTP surface.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer returns a Server whose upgrader only admits the hub's
// configured origins.
func NewServer(hub *Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	policy := newOriginPolicy(hub.Config().AllowedOrigins, logger)
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		logger: logger,
	}
}

// WebSocketHandler upgrades the request and runs the hub connection
// lifecycle until the connection closes.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("remoteAddr", r.RemoteAddr), slog.Any("error", err))
		return
	}
	s.hub.ServeConn(conn, r.RemoteAddr)
}

// SignalingHandler upgrades the request and joins the relay room named by
// the callID path parameter.
func (s *Server) SignalingHandler(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if callID == "" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("signaling upgrade failed", slog.String("remoteAddr", r.RemoteAddr), slog.Any("error", err))
		return
	}
	s.hub.ServeSignaling(conn, r.RemoteAddr, callID)
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
	Idle        int    `json:"idle"`
}

// HealthHandler reports liveness with the current connection, presence and
// idle subscriber counts.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := healthResponse{
		Status:      "ok",
		Connections: s.hub.ConnectionCount(),
		Online:      s.hub.OnlineCount(),
		Idle:        s.hub.IdleCount(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("write health response", slog.Any("error", err))
	}
}
