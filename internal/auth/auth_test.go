package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chathub/internal/store"
)

const testSecret = "test-secret"

type fakeAccounts struct {
	users map[string]store.User
	err   error
}

func (f fakeAccounts) LookupUser(_ context.Context, username string) (store.User, error) {
	if f.err != nil {
		return store.User{}, f.err
	}
	u, ok := f.users[username]
	if !ok {
		return store.User{}, store.ErrUserNotFound
	}
	return u, nil
}

func newTestAuthenticator(accounts AccountLookup) *Authenticator {
	return NewAuthenticator(NewJWTVerifier(testSecret), accounts)
}

func handshakeFor(t *testing.T, username string) []byte {
	t.Helper()
	token, err := IssueToken(testSecret, username, time.Hour)
	require.NoError(t, err)
	return []byte(`{"type":"auth","token":"` + token + `"}`)
}

func TestAuthenticateSuccess(t *testing.T) {
	a := newTestAuthenticator(fakeAccounts{users: map[string]store.User{
		"alice": {ID: 1, Username: "alice"},
	}})

	identity, err := a.Authenticate(context.Background(), handshakeFor(t, "alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)
}

func TestAuthenticateAcceptsBearerPrefix(t *testing.T) {
	a := newTestAuthenticator(fakeAccounts{users: map[string]store.User{"alice": {Username: "alice"}}})
	token, err := IssueToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)

	identity, err := a.Authenticate(context.Background(), []byte(`{"type":"auth","token":"Bearer `+token+`"}`))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)
}

func TestAuthenticateFailures(t *testing.T) {
	accounts := fakeAccounts{users: map[string]store.User{
		"alice":  {Username: "alice"},
		"frozen": {Username: "frozen", Disabled: true},
		"gone":   {Username: "gone", Deleted: true},
	}}
	expired, err := IssueToken(testSecret, "alice", -time.Hour)
	require.NoError(t, err)
	foreign, err := IssueToken("other-secret", "alice", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
		want    error
		reason  string
	}{
		{"not json", []byte("hello"), ErrMalformedHandshake, "malformed"},
		{"wrong type", []byte(`{"type":"join_chat","chatID":1}`), ErrMalformedHandshake, "malformed"},
		{"missing token", []byte(`{"type":"auth"}`), ErrMalformedHandshake, "malformed"},
		{"garbage token", []byte(`{"type":"auth","token":"abc.def.ghi"}`), ErrInvalidToken, "invalid_token"},
		{"expired token", []byte(`{"type":"auth","token":"` + expired + `"}`), ErrInvalidToken, "invalid_token"},
		{"wrong secret", []byte(`{"type":"auth","token":"` + foreign + `"}`), ErrInvalidToken, "invalid_token"},
		{"unknown account", handshakeFor(t, "nobody"), ErrUnknownAccount, "unknown_account"},
		{"disabled account", handshakeFor(t, "frozen"), ErrAccountDisabled, "disabled"},
		{"deleted account", handshakeFor(t, "gone"), ErrAccountDisabled, "disabled"},
	}

	a := newTestAuthenticator(accounts)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity, err := a.Authenticate(context.Background(), tt.payload)
			assert.Empty(t, identity)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.reason, FailureReason(err))
		})
	}
}

func TestAuthenticateLookupFailureIsAuthFailure(t *testing.T) {
	a := newTestAuthenticator(fakeAccounts{err: errors.New("database is locked")})

	_, err := a.Authenticate(context.Background(), handshakeFor(t, "alice"))
	assert.ErrorIs(t, err, ErrLookupFailed)
	assert.Equal(t, "lookup_failed", FailureReason(err))
}

func TestVerifyTokenFallsBackToSubject(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token, err := IssueToken(testSecret, "bob", time.Minute)
	require.NoError(t, err)

	identity, err := v.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "bob", identity)
}
