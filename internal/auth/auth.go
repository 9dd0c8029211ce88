// Package auth turns the first frame of a hub connection into a verified
// identity. It has no side effects beyond the lookups it performs.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/chathub/internal/store"
)

var (
	// ErrMalformedHandshake means the first frame was not an auth event with a token.
	ErrMalformedHandshake = errors.New("malformed handshake")
	// ErrInvalidToken means the bearer token did not verify.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnknownAccount means the token named an account that does not exist.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrAccountDisabled means the account is disabled or deleted.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrLookupFailed means the account directory could not be reached.
	ErrLookupFailed = errors.New("account lookup failed")
)

// TokenVerifier maps an opaque bearer token to a stable identity.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// AccountLookup resolves an identity to its account record.
type AccountLookup interface {
	LookupUser(ctx context.Context, username string) (store.User, error)
}

// Authenticator validates handshake payloads.
type Authenticator struct {
	verifier TokenVerifier
	accounts AccountLookup
}

// NewAuthenticator returns an Authenticator that verifies tokens with v and
// checks account status with accounts.
func NewAuthenticator(v TokenVerifier, accounts AccountLookup) *Authenticator {
	return &Authenticator{verifier: v, accounts: accounts}
}

type handshake struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Authenticate extracts the bearer token from payload and returns the
// identity it resolves to.
func (a *Authenticator) Authenticate(ctx context.Context, payload []byte) (string, error) {
	var hs handshake
	if err := json.Unmarshal(payload, &hs); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	if hs.Type != "auth" {
		return "", fmt.Errorf("%w: expected auth, got %q", ErrMalformedHandshake, hs.Type)
	}
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(hs.Token), "Bearer "))
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrMalformedHandshake)
	}

	identity, err := a.verifier.VerifyToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if identity == "" {
		return "", fmt.Errorf("%w: empty identity", ErrInvalidToken)
	}

	user, err := a.accounts.LookupUser(ctx, identity)
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, identity)
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if user.Disabled || user.Deleted {
		return "", fmt.Errorf("%w: %s", ErrAccountDisabled, identity)
	}
	return identity, nil
}

// FailureReason returns a short label for an Authenticate error, suitable
// as a metric label or log attribute.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedHandshake):
		return "malformed"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, ErrAccountDisabled):
		return "disabled"
	case errors.Is(err, ErrLookupFailed):
		return "lookup_failed"
	default:
		return "other"
	}
}
