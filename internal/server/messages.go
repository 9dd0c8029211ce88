// Package server implements the message pipeline: validation, persistence,
// and fan-out of chat messages, typing events and chat-created notices.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Tyrowin/chathub/internal/store"
)

// Message posting error codes.
const (
	CodeEmptyMessage = "EMPTY_MESSAGE"
	CodeTooLong      = "TOO_LONG"
	CodeUserNotFound = "USER_NOT_FOUND"
	CodeDBError      = "DB_ERROR"
)

// PostError is a rejected post_msg. Limit and Length are set for TOO_LONG.
type PostError struct {
	Code   string
	Limit  int
	Length int
	Err    error
}

func (e *PostError) Error() string {
	switch {
	case e.Code == CodeTooLong:
		return fmt.Sprintf("%s: %d characters exceeds limit of %d", e.Code, e.Length, e.Limit)
	case e.Err != nil:
		return e.Code + ": " + e.Err.Error()
	default:
		return e.Code
	}
}

func (e *PostError) Unwrap() error {
	return e.Err
}

// PostedMessage identifies a persisted message.
type PostedMessage struct {
	MessageID int64
	Timestamp time.Time
}

// PostMessage validates text, persists it as identity's message in chatID,
// and broadcasts new_message to the chat's subscribers, the author's own
// connection included. Nothing is broadcast unless persistence succeeded.
func (h *Hub) PostMessage(ctx context.Context, identity string, chatID int64, text string) (PostedMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return PostedMessage{}, &PostError{Code: CodeEmptyMessage}
	}
	limit := h.cfg.Hub.MaxMessageLength
	if n := utf8.RuneCountInString(text); n > limit {
		return PostedMessage{}, &PostError{Code: CodeTooLong, Limit: limit, Length: n}
	}

	user, err := h.dir.LookupUser(ctx, identity)
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		return PostedMessage{}, &PostError{Code: CodeUserNotFound, Err: err}
	case err != nil:
		h.logger.Error("lookup author", slog.String("identity", identity), slog.Any("error", err))
		return PostedMessage{}, &PostError{Code: CodeDBError, Err: err}
	}

	member, err := h.dir.IsMember(ctx, chatID, identity)
	switch {
	case errors.Is(err, store.ErrChatNotFound):
		return PostedMessage{}, &PostError{Code: CodeChatNotFound, Err: err}
	case err != nil:
		h.logger.Error("membership lookup", slog.Int64("chatID", chatID), slog.Any("error", err))
		return PostedMessage{}, &PostError{Code: CodeDBError, Err: err}
	case !member:
		return PostedMessage{}, &PostError{Code: CodeNotInChat}
	}

	stored, err := h.dir.PersistMessage(ctx, chatID, identity, text)
	if err != nil {
		h.logger.Error("persist message", slog.Int64("chatID", chatID), slog.String("identity", identity), slog.Any("error", err))
		return PostedMessage{}, &PostError{Code: CodeDBError, Err: err}
	}
	h.metrics.MessagePosted()

	h.chats.Broadcast(chatID, newMessage{
		Type:      TypeNewMessage,
		MessageID: stored.ID,
		ChatID:    chatID,
		UserID:    user.ID,
		Username:  user.Name(),
		Message:   stored.Text,
		Timestamp: stored.CreatedAt,
	}, nil)

	return PostedMessage{MessageID: stored.ID, Timestamp: stored.CreatedAt}, nil
}

// BroadcastTyping tells chatID's subscribers that identity is typing. The
// typing connection itself is skipped. Nothing is persisted.
func (h *Hub) BroadcastTyping(identity string, chatID int64, from *Client) {
	h.chats.Broadcast(chatID, userTyping{Type: TypeUserTyping, Username: identity, ChatID: chatID}, from)
}

// BroadcastChatCreated pushes chat_created to the live connection of every
// member of chatID other than creator.
func (h *Hub) BroadcastChatCreated(ctx context.Context, chatID int64, creator string) error {
	members, err := h.dir.ChatMembers(ctx, chatID)
	if err != nil {
		return fmt.Errorf("members of chat %d: %w", chatID, err)
	}

	event := chatCreated{Type: TypeChatCreated, ChatID: chatID, Creator: creator}
	for _, member := range members {
		if member == creator {
			continue
		}
		c, ok := h.registry.Lookup(member)
		if !ok {
			continue
		}
		if err := c.Send(event); err != nil {
			h.logger.Debug("chat_created delivery failed", slog.String("peer", member), slog.Any("error", err))
		}
	}
	return nil
}
