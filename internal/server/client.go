// Package server manages individual WebSocket clients, handling the write
// pump, read deadlines, rate limiting, and close semantics for each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// closeReplaced is sent to a connection evicted by a newer session for the same identity.
	closeReplaced = 4001
)

// connState is the lifecycle position of a connection.
type connState int

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateActive
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client represents one live WebSocket connection, either to the hub or to a
// signaling relay room. It owns the outbound queue drained by writePump.
type Client struct {
	id             uuid.UUID
	conn           *websocket.Conn
	send           chan []byte
	addr           string
	maxMessageSize int64
	limiter        *rate.Limiter
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	identity  string
	state     connState
	closed    bool
	closeCode int
	closeText string
}

// NewClient creates a Client for conn. conn may be nil for a connection that
// is only ever read through its send queue.
func NewClient(parent context.Context, conn *websocket.Conn, addr string, cfg Config, logger *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.New()
	ctx, cancel := context.WithCancel(parent)

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, cfg.Hub.SendBufferSize),
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		logger:         logger.With(slog.String("connID", id.String()), slog.String("remoteAddr", addr)),
		ctx:            ctx,
		cancel:         cancel,
		state:          stateConnecting,
	}
}

// ID returns the connection's unique identifier.
func (c *Client) ID() uuid.UUID {
	return c.id
}

// Identity returns the authenticated identity, or "" before handshake.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) setIdentity(identity string) {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
}

func (c *Client) connState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Send marshals event and queues it for delivery.
func (c *Client) Send(event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.sendRaw(payload)
}

// sendRaw queues an already-encoded frame. A full queue means the peer is not
// keeping up; the connection is closed and ErrSendBufferFull returned.
func (c *Client) sendRaw(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.closeLocked(websocket.CloseTryAgainLater, "send buffer full")
		return ErrSendBufferFull
	}
}

// Close stops the connection. The write pump sends a close frame carrying
// code and reason, then closes the socket. Close is idempotent.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *Client) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = reason
	close(c.send)
	c.cancel()
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closeStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeText
}

// allow reports whether the rate limiter admits one more inbound event.
func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("set read deadline", slog.Any("error", err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the read failure at a level matching its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", slog.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", slog.Any("reason", err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("connection closed", slog.Any("reason", err))
	default:
		c.logger.Warn("websocket read error", slog.Any("error", err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		if !ok {
			return c.writeCloseMessage()
		}
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the socket, logging only unexpected failures.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("close connection", slog.Any("error", err))
	}
}

// writeCloseMessage sends the recorded close code and reason.
func (c *Client) writeCloseMessage() bool {
	code, reason := c.closeStatus()
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	deadline := time.Now().Add(writeWait)
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err != nil && !isExpectedCloseError(err) && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("write close message", slog.Any("error", err))
	}
	return false
}

// writeTextMessage writes one event per frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set write deadline", slog.Any("error", err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("write message", slog.Any("error", err))
		}
		c.Close(websocket.CloseAbnormalClosure, "write failed")
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set write deadline for ping", slog.Any("error", err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("write ping", slog.Any("error", err))
		c.Close(websocket.CloseAbnormalClosure, "ping failed")
		return false
	}
	return true
}
