// Package server implements the per-chat subscription table and the idle
// subscription set.
package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/Tyrowin/chathub/internal/metrics"
)

// ChatTable is the multicast group of connections viewing each chat.
type ChatTable struct {
	mu       sync.RWMutex
	chats    map[int64]map[*Client]struct{}
	byClient map[*Client]map[int64]struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewChatTable returns an empty ChatTable.
func NewChatTable(logger *slog.Logger, m *metrics.Metrics) *ChatTable {
	return &ChatTable{
		chats:    make(map[int64]map[*Client]struct{}),
		byClient: make(map[*Client]map[int64]struct{}),
		logger:   logger.With(slog.String("component", "chat_table")),
		metrics:  m,
	}
}

// Join subscribes c to chatID. It reports whether c was newly added;
// joining twice has no further effect.
func (t *ChatTable) Join(chatID int64, c *Client) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.chats[chatID]
	if !ok {
		members = make(map[*Client]struct{})
		t.chats[chatID] = members
	}
	if _, exists := members[c]; exists {
		return false
	}
	members[c] = struct{}{}

	joined, ok := t.byClient[c]
	if !ok {
		joined = make(map[int64]struct{})
		t.byClient[c] = joined
	}
	joined[chatID] = struct{}{}
	return true
}

// Leave unsubscribes c from chatID. Leaving a chat never joined is a no-op.
func (t *ChatTable) Leave(chatID int64, c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(chatID, c)
}

// LeaveAll removes c from every chat it joined.
func (t *ChatTable) LeaveAll(c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for chatID := range t.byClient[c] {
		t.removeLocked(chatID, c)
	}
}

func (t *ChatTable) removeLocked(chatID int64, c *Client) {
	if members, ok := t.chats[chatID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(t.chats, chatID)
		}
	}
	if joined, ok := t.byClient[c]; ok {
		delete(joined, chatID)
		if len(joined) == 0 {
			delete(t.byClient, c)
		}
	}
}

// Subscribed reports whether c currently receives chatID's broadcasts.
func (t *ChatTable) Subscribed(chatID int64, c *Client) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.chats[chatID][c]
	return ok
}

// Subscribers returns a snapshot of chatID's subscriber set.
func (t *ChatTable) Subscribers(chatID int64) []*Client {
	t.mu.RLock()
	defer t.mu.RUnlock()

	members := t.chats[chatID]
	snapshot := make([]*Client, 0, len(members))
	for c := range members {
		snapshot = append(snapshot, c)
	}
	return snapshot
}

// Broadcast sends event to every subscriber of chatID except skip, which may
// be nil. Subscribers whose send fails are pruned; the failure is not
// returned. It reports the number of successful deliveries.
func (t *ChatTable) Broadcast(chatID int64, event any, skip *Client) int {
	payload, err := json.Marshal(event)
	if err != nil {
		t.logger.Error("encode broadcast", slog.Int64("chatID", chatID), slog.Any("error", err))
		return 0
	}

	var failed []*Client
	delivered := 0
	for _, c := range t.Subscribers(chatID) {
		if c == skip {
			continue
		}
		if err := c.sendRaw(payload); err != nil {
			failed = append(failed, c)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		t.mu.Lock()
		for _, c := range failed {
			t.removeLocked(chatID, c)
		}
		t.mu.Unlock()
		for range failed {
			t.metrics.SubscriberPruned()
		}
		t.logger.Debug("pruned dead subscribers", slog.Int64("chatID", chatID), slog.Int("count", len(failed)))
	}
	return delivered
}

// IdleSet holds connections that want presence and metadata updates without
// viewing any particular chat.
type IdleSet struct {
	mu      sync.RWMutex
	members map[*Client]struct{}
}

// NewIdleSet returns an empty IdleSet.
func NewIdleSet() *IdleSet {
	return &IdleSet{members: make(map[*Client]struct{})}
}

// Add puts c in the set. Adding twice is harmless.
func (s *IdleSet) Add(c *Client) {
	s.mu.Lock()
	s.members[c] = struct{}{}
	s.mu.Unlock()
}

// Remove takes c out of the set if present.
func (s *IdleSet) Remove(c *Client) {
	s.mu.Lock()
	delete(s.members, c)
	s.mu.Unlock()
}

// Contains reports whether c is in the set.
func (s *IdleSet) Contains(c *Client) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[c]
	return ok
}

// Len returns the number of idle subscribers.
func (s *IdleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}
