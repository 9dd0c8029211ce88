// Package server runs the per-chat call signaling state machine:
// ringing, then active, then ended.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/chathub/internal/metrics"
	"github.com/Tyrowin/chathub/internal/store"
)

// CallState is the lifecycle position of a call session.
type CallState string

const (
	CallRinging CallState = "ringing"
	CallActive  CallState = "active"
	CallEnded   CallState = "ended"
)

// Call error codes reported in call_error events.
const (
	CodeChatBusy         = "CHAT_BUSY"
	CodeCallNotFound     = "CALL_NOT_FOUND"
	CodeCallChatMismatch = "CALL_CHAT_MISMATCH"
	CodeCallNotRinging   = "CALL_NOT_RINGING"
	CodeCallNotActive    = "CALL_NOT_ACTIVE"
	CodeRoomFull         = "ROOM_FULL"
)

// CallError is a rejected call operation. It is reported to the initiating
// connection only.
type CallError struct {
	ChatID int64
	CallID string
	Code   string
	State  CallState
	Err    error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("%s (chat %d", e.Code, e.ChatID)
	if e.CallID != "" {
		msg += ", call " + e.CallID
	}
	if e.State != "" {
		msg += ", state " + string(e.State)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func (e *CallError) event() callErrorEvent {
	return callErrorEvent{Type: TypeCallError, ChatID: e.ChatID, CallID: e.CallID, Code: e.Code, State: e.State}
}

// CallSession is one call attempt scoped to a chat.
type CallSession struct {
	ID        string
	ChatID    int64
	Initiator string
	State     CallState
}

func (s CallSession) stateEvent() callStateEvent {
	return callStateEvent{Type: TypeCallState, ChatID: s.ChatID, CallID: s.ID, Initiator: s.Initiator, State: s.State}
}

// Calls owns every in-flight call session and the chat to pending-call index.
type Calls struct {
	mu       sync.Mutex
	sessions map[string]*CallSession
	pending  map[int64]string
	timers   map[string]*time.Timer

	dir         Directory
	chats       *ChatTable
	rooms       *SignalingRooms
	ringTimeout time.Duration
	newID       func() string

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCalls returns an empty call table. A ringing call that nobody accepts
// within ringTimeout is ended; zero disables the timeout.
func NewCalls(dir Directory, chats *ChatTable, rooms *SignalingRooms, ringTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Calls {
	return &Calls{
		sessions:    make(map[string]*CallSession),
		pending:     make(map[int64]string),
		timers:      make(map[string]*time.Timer),
		dir:         dir,
		chats:       chats,
		rooms:       rooms,
		ringTimeout: ringTimeout,
		newID:       func() string { return uuid.NewString() },
		logger:      logger.With(slog.String("component", "calls")),
		metrics:     m,
	}
}

func (m *Calls) checkMember(ctx context.Context, chatID int64, user string) *CallError {
	member, err := m.dir.IsMember(ctx, chatID, user)
	switch {
	case errors.Is(err, store.ErrChatNotFound):
		return &CallError{ChatID: chatID, Code: CodeChatNotFound}
	case err != nil:
		m.logger.Error("membership lookup", slog.Int64("chatID", chatID), slog.Any("error", err))
		return &CallError{ChatID: chatID, Code: CodeInternal, Err: err}
	case !member:
		return &CallError{ChatID: chatID, Code: CodeNotInChat}
	}
	return nil
}

// Invite starts a ringing call in chatID on behalf of caller and broadcasts
// its call_state to the chat.
func (m *Calls) Invite(ctx context.Context, caller string, chatID int64) (CallSession, error) {
	if cerr := m.checkMember(ctx, chatID, caller); cerr != nil {
		return CallSession{}, cerr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, busy := m.pending[chatID]; busy {
		m.metrics.Call("busy")
		return CallSession{}, &CallError{ChatID: chatID, CallID: existing, Code: CodeChatBusy}
	}

	s := &CallSession{ID: m.newID(), ChatID: chatID, Initiator: caller, State: CallRinging}
	m.sessions[s.ID] = s
	m.pending[chatID] = s.ID
	if m.ringTimeout > 0 {
		callID := s.ID
		m.timers[callID] = time.AfterFunc(m.ringTimeout, func() { m.expire(callID) })
	}

	m.chats.Broadcast(chatID, s.stateEvent(), nil)
	m.metrics.Call("invited")
	m.logger.Info("call ringing", slog.Int64("chatID", chatID), slog.String("callID", s.ID), slog.String("initiator", caller))
	return *s, nil
}

// Accept moves the chat's ringing call callID to active and broadcasts both
// call_state and call_accepted.
func (m *Calls) Accept(ctx context.Context, user string, chatID int64, callID string) (CallSession, error) {
	if cerr := m.checkMember(ctx, chatID, user); cerr != nil {
		cerr.CallID = callID
		return CallSession{}, cerr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[callID]
	if !ok {
		return CallSession{}, &CallError{ChatID: chatID, CallID: callID, Code: CodeCallNotFound}
	}
	if s.ChatID != chatID || m.pending[chatID] != callID {
		return CallSession{}, &CallError{ChatID: chatID, CallID: callID, Code: CodeCallChatMismatch}
	}
	if s.State != CallRinging {
		return CallSession{}, &CallError{ChatID: chatID, CallID: callID, Code: CodeCallNotRinging, State: s.State}
	}

	s.State = CallActive
	m.stopTimerLocked(callID)

	m.chats.Broadcast(chatID, s.stateEvent(), nil)
	m.chats.Broadcast(chatID, callAccepted{
		Type: TypeCallAccepted, ChatID: chatID, CallID: callID, AcceptedBy: user, Initiator: s.Initiator,
	}, nil)
	m.metrics.Call("accepted")
	m.logger.Info("call active", slog.Int64("chatID", chatID), slog.String("callID", callID), slog.String("acceptedBy", user))
	return *s, nil
}

// Decline rejects the chat's pending call and removes it entirely, freeing
// the chat for a new invite.
func (m *Calls) Decline(ctx context.Context, user string, chatID int64) (CallSession, error) {
	if cerr := m.checkMember(ctx, chatID, user); cerr != nil {
		return CallSession{}, cerr
	}

	m.mu.Lock()
	s, ok := m.pendingLocked(chatID)
	if !ok {
		m.mu.Unlock()
		return CallSession{}, &CallError{ChatID: chatID, Code: CodeCallNotFound}
	}
	m.chats.Broadcast(chatID, callDeclined{
		Type: TypeCallDeclined, ChatID: chatID, CallID: s.ID, By: user, Initiator: s.Initiator,
	}, nil)
	m.removeLocked(s)
	m.mu.Unlock()

	m.rooms.CloseRoom(s.ID)
	m.metrics.Call("declined")
	m.logger.Info("call declined", slog.Int64("chatID", chatID), slog.String("callID", s.ID), slog.String("by", user))
	return *s, nil
}

// End terminates the chat's pending call, broadcasts call_ended and removes it.
func (m *Calls) End(ctx context.Context, user string, chatID int64) (CallSession, error) {
	if cerr := m.checkMember(ctx, chatID, user); cerr != nil {
		return CallSession{}, cerr
	}

	m.mu.Lock()
	s, ok := m.pendingLocked(chatID)
	if !ok {
		m.mu.Unlock()
		return CallSession{}, &CallError{ChatID: chatID, Code: CodeCallNotFound}
	}
	m.finishLocked(s, user, "")
	m.mu.Unlock()

	m.rooms.CloseRoom(s.ID)
	m.metrics.Call("ended")
	m.logger.Info("call ended", slog.Int64("chatID", chatID), slog.String("callID", s.ID), slog.String("endedBy", user))
	return *s, nil
}

// expire ends callID if it is still ringing.
func (m *Calls) expire(callID string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.State != CallRinging {
		m.mu.Unlock()
		return
	}
	m.finishLocked(s, "", "timeout")
	m.mu.Unlock()

	m.rooms.CloseRoom(callID)
	m.metrics.Call("timeout")
	m.logger.Info("call timed out", slog.Int64("chatID", s.ChatID), slog.String("callID", callID))
}

func (m *Calls) finishLocked(s *CallSession, endedBy, reason string) {
	s.State = CallEnded
	m.chats.Broadcast(s.ChatID, callEnded{
		Type: TypeCallEnded, ChatID: s.ChatID, CallID: s.ID, EndedBy: endedBy, Initiator: s.Initiator, Reason: reason,
	}, nil)
	m.removeLocked(s)
}

func (m *Calls) pendingLocked(chatID int64) (*CallSession, bool) {
	callID, ok := m.pending[chatID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[callID]
	return s, ok
}

func (m *Calls) removeLocked(s *CallSession) {
	delete(m.sessions, s.ID)
	if m.pending[s.ChatID] == s.ID {
		delete(m.pending, s.ChatID)
	}
	m.stopTimerLocked(s.ID)
}

func (m *Calls) stopTimerLocked(callID string) {
	if t, ok := m.timers[callID]; ok {
		t.Stop()
		delete(m.timers, callID)
	}
}

// Current returns the chat's ringing or active call, if any.
func (m *Calls) Current(chatID int64) (CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.pendingLocked(chatID)
	if !ok || s.State == CallEnded {
		return CallSession{}, false
	}
	return *s, true
}

// AttachSignaling adds c to callID's relay room if the call is ringing or
// active. Validation and attachment happen atomically with respect to
// Decline and End.
func (m *Calls) AttachSignaling(callID string, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[callID]
	if !ok {
		return &CallError{CallID: callID, Code: CodeCallNotFound}
	}
	if s.State != CallRinging && s.State != CallActive {
		return &CallError{ChatID: s.ChatID, CallID: callID, Code: CodeCallNotActive, State: s.State}
	}
	if err := m.rooms.Attach(callID, c); err != nil {
		return &CallError{ChatID: s.ChatID, CallID: callID, Code: CodeRoomFull, Err: err}
	}
	return nil
}

// Stop cancels every pending ring timeout.
func (m *Calls) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
