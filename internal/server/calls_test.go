package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallInviteAcceptEnd(t *testing.T) {
	h, _, alice, bob := joinedPair(t)
	ctx := context.Background()

	h.dispatch(ctx, alice, []byte(`{"type":"call_invite","chatID":7}`))
	ringing := readEvent(t, bob)
	require.Equal(t, TypeCallState, ringing.Type)
	assert.Equal(t, CallRinging, ringing.State)
	assert.Equal(t, "alice", ringing.Initiator)
	require.NotEmpty(t, ringing.CallID)
	assert.Equal(t, ringing, readEvent(t, alice))

	h.dispatch(ctx, bob, []byte(`{"type":"call_accept","chatID":7,"callID":"`+ringing.CallID+`"}`))
	for _, c := range []*Client{alice, bob} {
		state := readEvent(t, c)
		assert.Equal(t, TypeCallState, state.Type)
		assert.Equal(t, CallActive, state.State)
		accepted := readEvent(t, c)
		assert.Equal(t, TypeCallAccepted, accepted.Type)
		assert.Equal(t, "bob", accepted.AcceptedBy)
		assert.Equal(t, ringing.CallID, accepted.CallID)
	}

	h.dispatch(ctx, alice, []byte(`{"type":"call_end","chatID":7}`))
	for _, c := range []*Client{alice, bob} {
		ended := readEvent(t, c)
		assert.Equal(t, TypeCallEnded, ended.Type)
		assert.Equal(t, "alice", ended.EndedBy)
		assert.Equal(t, ringing.CallID, ended.CallID)
	}
	_, ok := h.calls.Current(7)
	assert.False(t, ok)

	// The chat is free again.
	s, err := h.calls.Invite(ctx, "bob", 7)
	require.NoError(t, err)
	assert.NotEqual(t, ringing.CallID, s.ID)
}

func TestCallInviteWhileBusy(t *testing.T) {
	h, _, alice, bob := joinedPair(t)
	ctx := context.Background()

	first, err := h.calls.Invite(ctx, "alice", 7)
	require.NoError(t, err)
	readEvent(t, alice)
	readEvent(t, bob)

	h.dispatch(ctx, bob, []byte(`{"type":"call_invite","chatID":7}`))
	ev := readEvent(t, bob)
	assert.Equal(t, TypeCallError, ev.Type)
	assert.Equal(t, CodeChatBusy, ev.Code)
	assert.Equal(t, first.ID, ev.CallID)
	expectNoEvent(t, alice)

	current, ok := h.calls.Current(7)
	require.True(t, ok)
	assert.Equal(t, first.ID, current.ID)
	assert.Equal(t, CallRinging, current.State)
}

func TestCallAcceptRejections(t *testing.T) {
	h, dir, alice, bob := joinedPair(t)
	dir.addChat(8, "alice", "bob")
	ctx := context.Background()

	h.dispatch(ctx, alice, []byte(`{"type":"call_invite","chatID":7}`))
	ringing := readEvent(t, alice)
	require.Equal(t, CallRinging, ringing.State)
	readEvent(t, bob)

	tests := []struct {
		name  string
		frame string
		code  string
	}{
		{"unknown call", `{"type":"call_accept","chatID":7,"callID":"nope"}`, CodeCallNotFound},
		{"wrong chat", `{"type":"call_accept","chatID":8,"callID":"` + ringing.CallID + `"}`, CodeCallChatMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.dispatch(ctx, bob, []byte(tt.frame))
			ev := readEvent(t, bob)
			assert.Equal(t, TypeCallError, ev.Type)
			assert.Equal(t, tt.code, ev.Code)
			expectNoEvent(t, alice)
			expectNoEvent(t, bob)

			current, ok := h.calls.Current(7)
			require.True(t, ok)
			assert.Equal(t, ringing.CallID, current.ID)
			assert.Equal(t, CallRinging, current.State)
		})
	}

	accept := []byte(`{"type":"call_accept","chatID":7,"callID":"` + ringing.CallID + `"}`)
	h.dispatch(ctx, bob, accept)
	for _, c := range []*Client{alice, bob} {
		assert.Equal(t, TypeCallState, readEvent(t, c).Type)
		assert.Equal(t, TypeCallAccepted, readEvent(t, c).Type)
	}

	h.dispatch(ctx, bob, accept)
	ev := readEvent(t, bob)
	assert.Equal(t, CodeCallNotRinging, ev.Code)
	assert.Equal(t, CallActive, ev.State)
	expectNoEvent(t, alice)
	expectNoEvent(t, bob)

	current, ok := h.calls.Current(7)
	require.True(t, ok)
	assert.Equal(t, CallActive, current.State)

	_, err := h.calls.Accept(ctx, "bob", 7, ringing.CallID)
	cerr := assertCallCode(t, err, CodeCallNotRinging)
	assert.Equal(t, CallActive, cerr.State)
}

func TestCallRequiresMembership(t *testing.T) {
	h, dir, _, _ := joinedPair(t)
	dir.addUser("carol")
	ctx := context.Background()

	_, err := h.calls.Invite(ctx, "carol", 7)
	assertCallCode(t, err, CodeNotInChat)

	_, err = h.calls.Invite(ctx, "alice", 404)
	assertCallCode(t, err, CodeChatNotFound)
}

func TestCallDeclineFreesChat(t *testing.T) {
	h, _, alice, bob := joinedPair(t)
	ctx := context.Background()

	s, err := h.calls.Invite(ctx, "alice", 7)
	require.NoError(t, err)
	readEvent(t, alice)
	readEvent(t, bob)

	h.dispatch(ctx, bob, []byte(`{"type":"call_decline","chatID":7}`))
	for _, c := range []*Client{alice, bob} {
		ev := readEvent(t, c)
		assert.Equal(t, TypeCallDeclined, ev.Type)
		assert.Equal(t, "bob", ev.By)
		assert.Equal(t, s.ID, ev.CallID)
	}
	_, ok := h.calls.Current(7)
	assert.False(t, ok)

	_, err = h.calls.Decline(ctx, "bob", 7)
	assertCallCode(t, err, CodeCallNotFound)

	_, err = h.calls.Invite(ctx, "bob", 7)
	assert.NoError(t, err)
}

func TestCallEndWithoutCall(t *testing.T) {
	h, _, alice, _ := joinedPair(t)

	h.dispatch(context.Background(), alice, []byte(`{"type":"call_end","chatID":7}`))
	ev := readEvent(t, alice)
	assert.Equal(t, TypeCallError, ev.Type)
	assert.Equal(t, CodeCallNotFound, ev.Code)
	assert.Equal(t, int64(7), ev.ChatID)
}

func TestCallRingTimeout(t *testing.T) {
	dir := newFakeDirectory()
	dir.addChat(7, "alice", "bob")
	h := newTestHub(t, dir, func(c *Config) { c.Hub.RingTimeout = 20 * time.Millisecond })
	bob := connect(t, h, "bob")
	h.chats.Join(7, bob)

	s, err := h.calls.Invite(context.Background(), "alice", 7)
	require.NoError(t, err)
	require.Equal(t, CallRinging, readEvent(t, bob).State)

	ev := readEvent(t, bob)
	assert.Equal(t, TypeCallEnded, ev.Type)
	assert.Equal(t, "timeout", ev.Reason)
	assert.Equal(t, s.ID, ev.CallID)
	assert.Empty(t, ev.EndedBy)

	_, ok := h.calls.Current(7)
	assert.False(t, ok)
}

func TestJoinChatReplaysCurrentCall(t *testing.T) {
	dir := newFakeDirectory()
	dir.addChat(7, "alice", "bob")
	h := newTestHub(t, dir)

	s, err := h.calls.Invite(context.Background(), "alice", 7)
	require.NoError(t, err)

	bob := connect(t, h, "bob")
	h.dispatch(context.Background(), bob, []byte(`{"type":"join_chat","chatID":7}`))

	ev := readEvent(t, bob)
	assert.Equal(t, TypeCallState, ev.Type)
	assert.Equal(t, s.ID, ev.CallID)
	assert.Equal(t, CallRinging, ev.State)
}

func assertCallCode(t *testing.T, err error, code string) *CallError {
	t.Helper()
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, code, cerr.Code)
	return cerr
}
