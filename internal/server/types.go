// Package server defines the collaborator contracts the hub consumes and small
// helpers shared across client and hub logic.
package server

import (
	"context"
	"errors"
	"strings"

	"github.com/Tyrowin/chathub/internal/store"
)

var (
	// ErrConnectionClosed is returned when sending to a connection that has closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when a connection's outbound queue overflowed.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Authenticator turns a handshake payload into an identity without side effects.
type Authenticator interface {
	Authenticate(ctx context.Context, payload []byte) (string, error)
}

// Directory is the account, membership and persistence collaborator.
type Directory interface {
	LookupUser(ctx context.Context, username string) (store.User, error)
	IsMember(ctx context.Context, chatID int64, username string) (bool, error)
	ChatMembers(ctx context.Context, chatID int64) ([]string, error)
	ChatsFor(ctx context.Context, username string) ([]int64, error)
	PersistMessage(ctx context.Context, chatID int64, username, text string) (store.StoredMessage, error)
}

// relatedUsersLister is implemented by directories that can compute the set of
// users sharing a chat with someone in one round trip.
type relatedUsersLister interface {
	RelatedUsers(ctx context.Context, username string) ([]string, error)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
