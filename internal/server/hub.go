// Package server coordinates the hub state: connection registry, chat
// subscriptions, presence, calls and signaling rooms, all owned by one Hub
// value injected into the HTTP layer.
package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chathub/internal/metrics"
)

// Hub owns every piece of in-memory real-time state. Nothing survives a
// restart; reconnecting clients re-handshake and re-join.
type Hub struct {
	cfg     Config
	auth    Authenticator
	dir     Directory
	logger  *slog.Logger
	metrics *metrics.Metrics

	registry *Registry
	chats    *ChatTable
	idle     *IdleSet
	presence *Presence
	calls    *Calls
	rooms    *SignalingRooms

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	live     map[*Client]struct{}
	stopping bool
	wg       sync.WaitGroup
}

// NewHub wires the hub components together. m may be nil.
func NewHub(cfg Config, authn Authenticator, dir Directory, logger *slog.Logger, m *metrics.Metrics) *Hub {
	cfg = cfg.Sanitize()
	logger = logger.With(slog.String("component", "hub"))
	ctx, cancel := context.WithCancel(context.Background())

	registry := NewRegistry(logger)
	chats := NewChatTable(logger, m)
	rooms := NewSignalingRooms(cfg.Signaling.MaxPeers, logger, m)

	return &Hub{
		cfg:      cfg,
		auth:     authn,
		dir:      dir,
		logger:   logger,
		metrics:  m,
		registry: registry,
		chats:    chats,
		idle:     NewIdleSet(),
		presence: NewPresence(dir, registry, logger, m),
		calls:    NewCalls(dir, chats, rooms, cfg.Hub.RingTimeout, logger, m),
		rooms:    rooms,
		ctx:      ctx,
		cancel:   cancel,
		live:     make(map[*Client]struct{}),
	}
}

// Config returns the sanitized configuration the hub runs with.
func (h *Hub) Config() Config {
	return h.cfg
}

// ConnectionCount returns the number of identities with a registered connection.
func (h *Hub) ConnectionCount() int {
	return h.registry.Len()
}

// OnlineCount returns the number of identities marked online.
func (h *Hub) OnlineCount() int {
	return h.presence.Len()
}

// IdleCount returns the number of connections that asked for contact-list
// updates with join_idle.
func (h *Hub) IdleCount() int {
	return h.idle.Len()
}

// track records c as live so Shutdown can reach it. It returns false once
// shutdown has begun.
func (h *Hub) track(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping {
		return false
	}
	h.live[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(c *Client) {
	h.mu.Lock()
	if _, ok := h.live[c]; ok {
		delete(h.live, c)
		h.wg.Done()
	}
	h.mu.Unlock()
}

// Shutdown closes every live hub and relay connection with a going-away
// status and waits for their goroutines to finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("initiating hub shutdown")

	h.mu.Lock()
	h.stopping = true
	clients := make([]*Client, 0, len(h.live))
	for c := range h.live {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.calls.Stop()
	for _, c := range clients {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed", slog.Int("closed", len(clients)))
		return nil
	case <-ctx.Done():
		h.logger.Warn("hub shutdown timed out; some connections may still be closing")
		return ctx.Err()
	}
}
