package server

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatTableJoinLeaveIdempotent(t *testing.T) {
	h := newTestHub(t, newFakeDirectory())
	table := h.chats
	c := newTestClient(h)

	assert.True(t, table.Join(7, c))
	assert.False(t, table.Join(7, c))
	assert.Len(t, table.Subscribers(7), 1)
	assert.True(t, table.Subscribed(7, c))

	table.Leave(7, c)
	table.Leave(7, c)
	table.Leave(99, c)
	assert.Empty(t, table.Subscribers(7))
	assert.False(t, table.Subscribed(7, c))
}

func TestChatTableLeaveAll(t *testing.T) {
	h := newTestHub(t, newFakeDirectory())
	table := h.chats
	c := newTestClient(h)
	other := newTestClient(h)

	table.Join(1, c)
	table.Join(2, c)
	table.Join(2, other)

	table.LeaveAll(c)
	assert.Empty(t, table.Subscribers(1))
	assert.Equal(t, []*Client{other}, table.Subscribers(2))
}

func TestChatTableBroadcastSkipsSender(t *testing.T) {
	h := newTestHub(t, newFakeDirectory())
	sender := newTestClient(h)
	peer := newTestClient(h)
	h.chats.Join(3, sender)
	h.chats.Join(3, peer)

	n := h.chats.Broadcast(3, userTyping{Type: TypeUserTyping, Username: "alice", ChatID: 3}, sender)
	assert.Equal(t, 1, n)

	ev := readEvent(t, peer)
	assert.Equal(t, TypeUserTyping, ev.Type)
	assert.Equal(t, "alice", ev.Username)
	expectNoEvent(t, sender)
}

func TestChatTableBroadcastPrunesFailedSubscribers(t *testing.T) {
	h := newTestHub(t, newFakeDirectory())
	alive := newTestClient(h)
	dead := newTestClient(h)
	h.chats.Join(5, alive)
	h.chats.Join(5, dead)
	dead.Close(websocket.CloseNormalClosure, "")

	n := h.chats.Broadcast(5, newError(CodeInternal, "ping"), nil)
	assert.Equal(t, 1, n)
	assert.Equal(t, []*Client{alive}, h.chats.Subscribers(5))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Pruned))
	require.Equal(t, TypeError, readEvent(t, alive).Type)
}

func TestChatTableFullBufferClosesSubscriber(t *testing.T) {
	h := newTestHub(t, newFakeDirectory(), func(c *Config) { c.Hub.SendBufferSize = 1 })
	slow := newTestClient(h)
	h.chats.Join(5, slow)

	assert.Equal(t, 1, h.chats.Broadcast(5, newError(CodeInternal, "one"), nil))
	assert.Equal(t, 0, h.chats.Broadcast(5, newError(CodeInternal, "two"), nil))

	assert.True(t, slow.Closed())
	code, _ := slow.closeStatus()
	assert.Equal(t, websocket.CloseTryAgainLater, code)
	assert.Empty(t, h.chats.Subscribers(5))
}

func TestIdleSet(t *testing.T) {
	h := newTestHub(t, newFakeDirectory())
	set := NewIdleSet()
	c := newTestClient(h)

	set.Add(c)
	set.Add(c)
	assert.True(t, set.Contains(c))
	assert.Equal(t, 1, set.Len())

	set.Remove(c)
	set.Remove(c)
	assert.False(t, set.Contains(c))
	assert.Equal(t, 0, set.Len())
}
