// Package server drives each connection through handshake, registration,
// the serial dispatch loop, and teardown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chathub/internal/auth"
	"github.com/Tyrowin/chathub/internal/store"
)

const teardownTimeout = 5 * time.Second

// ServeConn runs an upgraded hub connection through its whole lifecycle:
// connecting, authenticating, active, closing, closed. It returns once the
// connection and its writer have stopped.
func (h *Hub) ServeConn(conn *websocket.Conn, addr string) {
	c := NewClient(h.ctx, conn, addr, h.cfg, h.logger)
	if !h.track(c) {
		rejectDuringShutdown(conn)
		return
	}
	defer h.untrack(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()
	defer func() { <-writerDone }()

	c.setState(stateAuthenticating)
	identity, err := h.handshake(c)
	if err != nil {
		reason := "read"
		if !errors.Is(err, errHandshakeRead) {
			reason = auth.FailureReason(err)
		}
		h.metrics.AuthFailed(reason)
		c.logger.Warn("handshake rejected", slog.String("reason", reason), slog.Any("error", err))
		c.setState(stateClosing)
		c.Close(websocket.ClosePolicyViolation, "authentication failed")
		c.setState(stateClosed)
		return
	}

	h.activate(c, identity)
	c.logger.Info("client authenticated", slog.String("identity", identity))

	h.receiveLoop(c)
	h.teardown(c)
}

var errHandshakeRead = errors.New("handshake read failed")

func (h *Hub) handshake(c *Client) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(h.cfg.Auth.HandshakeTimeout)); err != nil {
		return "", fmt.Errorf("%w: %v", errHandshakeRead, err)
	}
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errHandshakeRead, err)
	}
	return h.auth.Authenticate(c.ctx, raw)
}

// activate evicts any previous connection for identity, registers c, sends
// the ack and initial presence view, and announces identity online. The
// per-identity lock is held throughout so two reconnects cannot interleave.
func (h *Hub) activate(c *Client, identity string) {
	c.setIdentity(identity)

	unlock := h.registry.Lock(identity)
	defer unlock()

	if _, evicted := h.registry.Evict(identity); evicted {
		h.metrics.Evicted()
	}
	h.registry.Register(identity, c)
	c.setState(stateActive)
	h.metrics.ConnectionOpened()

	_ = c.Send(authAck{Type: TypeAuthAck, Status: "ok"})
	h.sendOnlineUsers(c.ctx, c)
	h.presence.SetOnline(c.ctx, identity, true)
}

// teardown removes c from every subscription and, if c is still the
// registered connection for its identity, unregisters it and announces the
// identity offline.
func (h *Hub) teardown(c *Client) {
	c.setState(stateClosing)
	c.Close(websocket.CloseNormalClosure, "")

	h.chats.LeaveAll(c)
	h.idle.Remove(c)

	identity := c.Identity()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), teardownTimeout)
	defer cancel()

	unlock := h.registry.Lock(identity)
	if h.registry.Unregister(identity, c) {
		h.presence.SetOnline(ctx, identity, false)
	}
	unlock()

	h.metrics.ConnectionClosed()
	c.setState(stateClosed)
	c.logger.Info("client disconnected", slog.String("identity", identity))
}

// receiveLoop processes one inbound frame to completion before reading the
// next, which keeps each connection's events in FIFO order.
func (h *Hub) receiveLoop(c *Client) {
	c.setupReadConnection()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if !c.allow() {
			c.logger.Warn("rate limit exceeded; discarding message")
			_ = c.Send(newError(CodeRateLimited, "rate limit exceeded; message discarded"))
			continue
		}
		h.dispatch(c.ctx, c, raw)
	}
}

// dispatch decodes one frame and routes it to the owning component.
// Protocol errors are reported to c only and never close the connection.
func (h *Hub) dispatch(ctx context.Context, c *Client, raw []byte) {
	event, err := decodeInbound(raw)
	if err != nil {
		c.logger.Debug("malformed frame", slog.Any("error", err))
		_ = c.Send(newError(CodeMalformed, err.Error()))
		return
	}

	identity := c.Identity()
	switch e := event.(type) {
	case authEvent:
		_ = c.Send(newError(CodeAlreadyAuthenticated, "connection is already authenticated"))
	case joinChatEvent:
		h.handleJoinChat(ctx, c, e.ChatID)
	case leaveChatEvent:
		h.chats.Leave(e.ChatID, c)
	case postMsgEvent:
		h.handlePostMsg(ctx, c, e)
	case typingEvent:
		if !h.chats.Subscribed(e.ChatID, c) {
			_ = c.Send(newError(CodeNotInChat, "join the chat before sending typing events"))
			return
		}
		h.BroadcastTyping(identity, e.ChatID, c)
	case chatCreatedEvent:
		h.handleChatCreated(ctx, c, e)
	case joinIdleEvent:
		h.idle.Add(c)
		h.sendOnlineUsers(ctx, c)
	case callInviteEvent:
		_, err := h.calls.Invite(ctx, identity, e.ChatID)
		h.replyCallError(c, err)
	case callAcceptEvent:
		_, err := h.calls.Accept(ctx, identity, e.ChatID, e.CallID)
		h.replyCallError(c, err)
	case callDeclineEvent:
		_, err := h.calls.Decline(ctx, identity, e.ChatID)
		h.replyCallError(c, err)
	case callEndEvent:
		_, err := h.calls.End(ctx, identity, e.ChatID)
		h.replyCallError(c, err)
	case unknownEvent:
		_ = c.Send(newError(CodeUnknownType, "unknown event type: "+e.Type))
	default:
		_ = c.Send(newError(CodeUnknownType, "unhandled event type: "+event.inboundType()))
	}
}

func (h *Hub) handleJoinChat(ctx context.Context, c *Client, chatID int64) {
	if code, ok := h.membershipCode(ctx, chatID, c.Identity()); !ok {
		_ = c.Send(newError(code, fmt.Sprintf("cannot join chat %d", chatID)))
		return
	}
	h.chats.Join(chatID, c)

	if s, ok := h.calls.Current(chatID); ok {
		_ = c.Send(s.stateEvent())
	}
}

func (h *Hub) handlePostMsg(ctx context.Context, c *Client, e postMsgEvent) {
	posted, err := h.PostMessage(ctx, c.Identity(), e.ChatID, e.Text)
	if err != nil {
		ack := postMsgAck{Type: TypePostMsgAck, Status: "error", ChatID: e.ChatID, Code: CodeDBError, Message: err.Error()}
		var perr *PostError
		if errors.As(err, &perr) {
			ack.Code, ack.Limit, ack.Length = perr.Code, perr.Limit, perr.Length
		}
		c.logger.Warn("post_msg rejected", slog.Int64("chatID", e.ChatID), slog.String("code", ack.Code))
		_ = c.Send(ack)
		return
	}
	id := posted.MessageID
	_ = c.Send(postMsgAck{Type: TypePostMsgAck, Status: "ok", MessageID: &id, ChatID: e.ChatID})
}

// handleChatCreated announces a chat on behalf of the authenticated
// identity; the creator field in the payload is not trusted.
func (h *Hub) handleChatCreated(ctx context.Context, c *Client, e chatCreatedEvent) {
	creator := c.Identity()
	if e.Creator != "" && e.Creator != creator {
		c.logger.Debug("ignoring creator field that differs from the connection identity", slog.String("claimed", e.Creator))
	}
	if code, ok := h.membershipCode(ctx, e.ChatID, creator); !ok {
		_ = c.Send(newError(code, fmt.Sprintf("cannot announce chat %d", e.ChatID)))
		return
	}
	if err := h.BroadcastChatCreated(ctx, e.ChatID, creator); err != nil {
		h.logger.Error("broadcast chat_created", slog.Int64("chatID", e.ChatID), slog.Any("error", err))
		_ = c.Send(newError(CodeInternal, "could not announce chat"))
	}
}

// membershipCode checks identity's membership in chatID and returns the
// error code to report when the check fails.
func (h *Hub) membershipCode(ctx context.Context, chatID int64, identity string) (string, bool) {
	member, err := h.dir.IsMember(ctx, chatID, identity)
	switch {
	case errors.Is(err, store.ErrChatNotFound):
		return CodeChatNotFound, false
	case err != nil:
		h.logger.Error("membership lookup", slog.Int64("chatID", chatID), slog.Any("error", err))
		return CodeInternal, false
	case !member:
		return CodeNotInChat, false
	}
	return "", true
}

func (h *Hub) replyCallError(c *Client, err error) {
	if err == nil {
		return
	}
	var cerr *CallError
	if errors.As(err, &cerr) {
		c.logger.Debug("call operation rejected", slog.String("code", cerr.Code))
		_ = c.Send(cerr.event())
		return
	}
	_ = c.Send(newError(CodeInternal, err.Error()))
}

func (h *Hub) sendOnlineUsers(ctx context.Context, c *Client) {
	users, err := h.presence.OnlineUsersFor(ctx, c.Identity())
	if err != nil {
		h.logger.Error("compute online users", slog.String("identity", c.Identity()), slog.Any("error", err))
		users = []string{}
	}
	_ = c.Send(onlineUsers{Type: TypeOnlineUsers, Users: users})
}

// ServeSignaling attaches an upgraded connection to callID's relay room and
// forwards every JSON payload it sends, unmodified, to the other members.
func (h *Hub) ServeSignaling(conn *websocket.Conn, addr, callID string) {
	c := NewClient(h.ctx, conn, addr, h.cfg, h.logger)
	if !h.track(c) {
		rejectDuringShutdown(conn)
		return
	}
	defer h.untrack(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()
	defer func() { <-writerDone }()

	if err := h.calls.AttachSignaling(callID, c); err != nil {
		var cerr *CallError
		code := CodeInternal
		if errors.As(err, &cerr) {
			code = cerr.Code
			_ = c.Send(cerr.event())
		}
		c.logger.Warn("signaling attach rejected", slog.String("callID", callID), slog.String("code", code))
		c.Close(websocket.ClosePolicyViolation, code)
		return
	}
	c.setState(stateActive)
	c.logger.Info("signaling peer attached", slog.String("callID", callID))

	c.setupReadConnection()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			break
		}
		if !json.Valid(raw) {
			_ = c.Send(newError(CodeMalformed, "signaling payload must be JSON"))
			continue
		}
		h.rooms.Relay(callID, c, raw)
	}

	h.rooms.Detach(callID, c)
	c.Close(websocket.CloseNormalClosure, "")
	c.setState(stateClosed)
}

func rejectDuringShutdown(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
