// Package server defines the hub's wire protocol: the inbound event kinds a
// client may send, decoded once at the boundary, and the outbound events the
// hub emits.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound event type tags.
const (
	TypeAuth        = "auth"
	TypeJoinChat    = "join_chat"
	TypeLeaveChat   = "leave_chat"
	TypePostMsg     = "post_msg"
	TypeTyping      = "typing"
	TypeChatCreated = "chat_created"
	TypeJoinIdle    = "join_idle"
	TypeCallInvite  = "call_invite"
	TypeCallAccept  = "call_accept"
	TypeCallDecline = "call_decline"
	TypeCallEnd     = "call_end"
)

// Outbound event type tags that are not shared with inbound ones.
const (
	TypeAuthAck      = "auth_ack"
	TypeOnlineUsers  = "online_users"
	TypeUserStatus   = "user_status"
	TypeNewMessage   = "new_message"
	TypePostMsgAck   = "post_msg_ack"
	TypeUserTyping   = "user_typing"
	TypeCallState    = "call_state"
	TypeCallAccepted = "call_accepted"
	TypeCallDeclined = "call_declined"
	TypeCallEnded    = "call_ended"
	TypeCallError    = "call_error"
	TypeError        = "error"
	TypePeerJoin     = "join"
	TypePeerLeave    = "leave"
)

// Protocol error codes reported in error events.
const (
	CodeMalformed            = "MALFORMED"
	CodeUnknownType          = "UNKNOWN_TYPE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	CodeNotInChat            = "NOT_IN_CHAT"
	CodeChatNotFound         = "CHAT_NOT_FOUND"
	CodeInternal             = "INTERNAL_ERROR"
)

var errMissingChatID = errors.New("chatID is required")

// inbound is the closed set of events a client may send once authenticated.
// Every concrete type is listed in decodeInbound and in Hub.dispatch.
type inbound interface {
	inboundType() string
}

type authEvent struct {
	Token string `json:"token"`
}

type joinChatEvent struct {
	ChatID int64 `json:"chatID"`
}

type leaveChatEvent struct {
	ChatID int64 `json:"chatID"`
}

type postMsgEvent struct {
	ChatID int64  `json:"chatID"`
	Text   string `json:"text"`
}

type typingEvent struct {
	ChatID int64 `json:"chatID"`
}

type chatCreatedEvent struct {
	ChatID  int64  `json:"chatID"`
	Creator string `json:"creator"`
}

type joinIdleEvent struct{}

type callInviteEvent struct {
	ChatID int64 `json:"chatID"`
}

type callAcceptEvent struct {
	ChatID int64  `json:"chatID"`
	CallID string `json:"callID"`
}

type callDeclineEvent struct {
	ChatID int64 `json:"chatID"`
}

type callEndEvent struct {
	ChatID int64 `json:"chatID"`
}

// unknownEvent is a well-formed frame whose type tag is not recognized.
type unknownEvent struct {
	Type string
}

func (authEvent) inboundType() string        { return TypeAuth }
func (joinChatEvent) inboundType() string    { return TypeJoinChat }
func (leaveChatEvent) inboundType() string   { return TypeLeaveChat }
func (postMsgEvent) inboundType() string     { return TypePostMsg }
func (typingEvent) inboundType() string      { return TypeTyping }
func (chatCreatedEvent) inboundType() string { return TypeChatCreated }
func (joinIdleEvent) inboundType() string    { return TypeJoinIdle }
func (callInviteEvent) inboundType() string  { return TypeCallInvite }
func (callAcceptEvent) inboundType() string  { return TypeCallAccept }
func (callDeclineEvent) inboundType() string { return TypeCallDecline }
func (callEndEvent) inboundType() string     { return TypeCallEnd }
func (e unknownEvent) inboundType() string   { return e.Type }

// decodeInbound parses one frame. A frame that is not a JSON object with a
// string type, or that lacks a required field, is an error; a recognized
// shape with an unrecognized tag decodes to unknownEvent.
func decodeInbound(raw []byte) (inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if envelope.Type == "" {
		return nil, errors.New("missing type")
	}

	switch envelope.Type {
	case TypeAuth:
		return decodeInto[authEvent](raw, nil)
	case TypeJoinChat:
		return decodeInto(raw, func(e joinChatEvent) error { return requireChat(e.ChatID) })
	case TypeLeaveChat:
		return decodeInto(raw, func(e leaveChatEvent) error { return requireChat(e.ChatID) })
	case TypePostMsg:
		return decodeInto(raw, func(e postMsgEvent) error { return requireChat(e.ChatID) })
	case TypeTyping:
		return decodeInto(raw, func(e typingEvent) error { return requireChat(e.ChatID) })
	case TypeChatCreated:
		return decodeInto(raw, func(e chatCreatedEvent) error { return requireChat(e.ChatID) })
	case TypeJoinIdle:
		return joinIdleEvent{}, nil
	case TypeCallInvite:
		return decodeInto(raw, func(e callInviteEvent) error { return requireChat(e.ChatID) })
	case TypeCallAccept:
		return decodeInto(raw, func(e callAcceptEvent) error {
			if e.CallID == "" {
				return errors.New("callID is required")
			}
			return requireChat(e.ChatID)
		})
	case TypeCallDecline:
		return decodeInto(raw, func(e callDeclineEvent) error { return requireChat(e.ChatID) })
	case TypeCallEnd:
		return decodeInto(raw, func(e callEndEvent) error { return requireChat(e.ChatID) })
	default:
		return unknownEvent{Type: envelope.Type}, nil
	}
}

func decodeInto[T inbound](raw []byte, validate func(T) error) (inbound, error) {
	var event T
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", event.inboundType(), err)
	}
	if validate != nil {
		if err := validate(event); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", event.inboundType(), err)
		}
	}
	return event, nil
}

func requireChat(id int64) error {
	if id <= 0 {
		return errMissingChatID
	}
	return nil
}

type authAck struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type onlineUsers struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type userStatus struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

type newMessage struct {
	Type      string    `json:"type"`
	MessageID int64     `json:"messageID"`
	ChatID    int64     `json:"chatID"`
	UserID    int64     `json:"userID"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type postMsgAck struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	MessageID *int64 `json:"messageID"`
	ChatID    int64  `json:"chatID"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Length    int    `json:"length,omitempty"`
}

type userTyping struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	ChatID   int64  `json:"chatID"`
}

type chatCreated struct {
	Type    string `json:"type"`
	ChatID  int64  `json:"chatID"`
	Creator string `json:"creator"`
}

type callStateEvent struct {
	Type      string    `json:"type"`
	ChatID    int64     `json:"chatID"`
	CallID    string    `json:"callID"`
	Initiator string    `json:"initiator"`
	State     CallState `json:"state"`
}

type callAccepted struct {
	Type       string `json:"type"`
	ChatID     int64  `json:"chatID"`
	CallID     string `json:"callID"`
	AcceptedBy string `json:"accepted_by"`
	Initiator  string `json:"initiator"`
}

type callDeclined struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chatID"`
	CallID    string `json:"callID"`
	By        string `json:"by"`
	Initiator string `json:"initiator"`
}

type callEnded struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chatID"`
	CallID    string `json:"callID"`
	EndedBy   string `json:"ended_by"`
	Initiator string `json:"initiator"`
	Reason    string `json:"reason,omitempty"`
}

type callErrorEvent struct {
	Type   string    `json:"type"`
	ChatID int64     `json:"chatID"`
	CallID string    `json:"callID,omitempty"`
	Code   string    `json:"code"`
	State  CallState `json:"state,omitempty"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type peerNotice struct {
	Type string `json:"type"`
	Peer string `json:"peer"`
}

func newError(code, message string) errorEvent {
	return errorEvent{Type: TypeError, Code: code, Message: message}
}
