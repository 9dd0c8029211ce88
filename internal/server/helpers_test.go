package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chathub/internal/metrics"
	"github.com/Tyrowin/chathub/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDirectory is an in-memory Directory. Chats are keyed by ID and hold
// their member usernames.
type fakeDirectory struct {
	mu         sync.Mutex
	users      map[string]store.User
	chats      map[int64][]string
	nextMsgID  int64
	persisted  []store.StoredMessage
	persistErr error
	lookupErr  error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users: make(map[string]store.User),
		chats: make(map[int64][]string),
	}
}

func (d *fakeDirectory) addUser(username string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[username] = store.User{ID: int64(len(d.users) + 1), Username: username}
}

func (d *fakeDirectory) addChat(chatID int64, members ...string) {
	for _, m := range members {
		d.mu.Lock()
		_, ok := d.users[m]
		d.mu.Unlock()
		if !ok {
			d.addUser(m)
		}
	}
	d.mu.Lock()
	d.chats[chatID] = append([]string(nil), members...)
	d.mu.Unlock()
}

func (d *fakeDirectory) persistCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.persisted)
}

func (d *fakeDirectory) LookupUser(_ context.Context, username string) (store.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lookupErr != nil {
		return store.User{}, d.lookupErr
	}
	u, ok := d.users[username]
	if !ok {
		return store.User{}, store.ErrUserNotFound
	}
	return u, nil
}

func (d *fakeDirectory) IsMember(_ context.Context, chatID int64, username string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.chats[chatID]
	if !ok {
		return false, store.ErrChatNotFound
	}
	for _, m := range members {
		if m == username {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDirectory) ChatMembers(_ context.Context, chatID int64) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.chats[chatID]
	if !ok {
		return nil, store.ErrChatNotFound
	}
	out := append([]string(nil), members...)
	sort.Strings(out)
	return out, nil
}

func (d *fakeDirectory) ChatsFor(_ context.Context, username string) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int64
	for id, members := range d.chats {
		for _, m := range members {
			if m == username {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

func (d *fakeDirectory) PersistMessage(_ context.Context, chatID int64, username, text string) (store.StoredMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.persistErr != nil {
		return store.StoredMessage{}, d.persistErr
	}
	d.nextMsgID++
	msg := store.StoredMessage{
		ID:        d.nextMsgID,
		ChatID:    chatID,
		UserID:    d.users[username].ID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	d.persisted = append(d.persisted, msg)
	return msg, nil
}

// fakeAuth accepts {"type":"auth","token":"<identity>"} for any token in
// valid.
type fakeAuth struct {
	valid map[string]bool
}

func (a fakeAuth) Authenticate(_ context.Context, payload []byte) (string, error) {
	var msg struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type != TypeAuth {
		return "", errors.New("malformed handshake")
	}
	if !a.valid[msg.Token] {
		return "", errors.New("invalid token")
	}
	return msg.Token, nil
}

func newTestHub(t *testing.T, dir Directory, mutate ...func(*Config)) *Hub {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Hub.RingTimeout = 0
	for _, fn := range mutate {
		fn(&cfg)
	}
	h := NewHub(cfg, fakeAuth{}, dir, discardLogger(), metrics.New())
	t.Cleanup(func() { h.calls.Stop() })
	return h
}

// newTestClient returns a client without a socket; its output is read from
// the send queue.
func newTestClient(h *Hub) *Client {
	return NewClient(h.ctx, nil, "test", h.cfg, h.logger)
}

// connect activates a socketless client as identity and consumes the
// auth_ack and online_users events.
func connect(t *testing.T, h *Hub, identity string) *Client {
	t.Helper()
	c := newTestClient(h)
	h.activate(c, identity)
	require.Equal(t, TypeAuthAck, readEvent(t, c).Type)
	require.Equal(t, TypeOnlineUsers, readEvent(t, c).Type)
	return c
}

// wireEvent is a superset of every outbound event shape.
type wireEvent struct {
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Users      []string  `json:"users"`
	Identity   string    `json:"identity"`
	Online     bool      `json:"online"`
	ChatID     int64     `json:"chatID"`
	CallID     string    `json:"callID"`
	State      CallState `json:"state"`
	Initiator  string    `json:"initiator"`
	AcceptedBy string    `json:"accepted_by"`
	By         string    `json:"by"`
	EndedBy    string    `json:"ended_by"`
	Reason     string    `json:"reason"`
	MessageID  *int64    `json:"messageID"`
	UserID     int64     `json:"userID"`
	Username   string    `json:"username"`
	Creator    string    `json:"creator"`
	Limit      int       `json:"limit"`
	Length     int       `json:"length"`
	Peer       string    `json:"peer"`
}

func decodeWire(t *testing.T, raw []byte) wireEvent {
	t.Helper()
	var ev wireEvent
	require.NoError(t, json.Unmarshal(raw, &ev), "frame: %s", raw)
	return ev
}

func readEvent(t *testing.T, c *Client) wireEvent {
	t.Helper()
	select {
	case raw, ok := <-c.GetSendChan():
		require.True(t, ok, "send queue closed")
		return decodeWire(t, raw)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return wireEvent{}
	}
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw, ok := <-c.GetSendChan():
		if ok {
			t.Fatalf("unexpected event: %s", raw)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
