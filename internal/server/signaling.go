// Package server keeps the signaling relay rooms that carry opaque call
// negotiation payloads between the parties of one call.
package server

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chathub/internal/metrics"
)

var errRoomFull = errors.New("signaling room is full")

// SignalingRooms maps call identifiers to their relay members.
type SignalingRooms struct {
	mu       sync.Mutex
	rooms    map[string]map[*Client]struct{}
	maxPeers int

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSignalingRooms returns an empty room table admitting at most maxPeers
// connections per room.
func NewSignalingRooms(maxPeers int, logger *slog.Logger, m *metrics.Metrics) *SignalingRooms {
	return &SignalingRooms{
		rooms:    make(map[string]map[*Client]struct{}),
		maxPeers: maxPeers,
		logger:   logger.With(slog.String("component", "signaling")),
		metrics:  m,
	}
}

// Attach adds c to callID's room, creating it on first use, and tells the
// members already present.
func (r *SignalingRooms) Attach(callID string, c *Client) error {
	r.mu.Lock()
	room, ok := r.rooms[callID]
	if !ok {
		room = make(map[*Client]struct{})
		r.rooms[callID] = room
	}
	if _, present := room[c]; !present && r.maxPeers > 0 && len(room) >= r.maxPeers {
		r.mu.Unlock()
		return errRoomFull
	}
	room[c] = struct{}{}
	peers := othersLocked(room, c)
	n := len(r.rooms)
	r.mu.Unlock()
	r.metrics.SetSignalingRooms(n)

	notice := peerNotice{Type: TypePeerJoin, Peer: c.ID().String()}
	for _, p := range peers {
		_ = p.Send(notice)
	}
	return nil
}

// Detach removes c from callID's room, sends a leave notice to the
// remaining members, and deletes the room once empty.
func (r *SignalingRooms) Detach(callID string, c *Client) {
	r.mu.Lock()
	room, ok := r.rooms[callID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, present := room[c]; !present {
		r.mu.Unlock()
		return
	}
	delete(room, c)
	peers := othersLocked(room, c)
	if len(room) == 0 {
		delete(r.rooms, callID)
	}
	n := len(r.rooms)
	r.mu.Unlock()
	r.metrics.SetSignalingRooms(n)

	notice := peerNotice{Type: TypePeerLeave, Peer: c.ID().String()}
	for _, p := range peers {
		_ = p.Send(notice)
	}
}

// Relay forwards payload unmodified to every member of callID's room except
// from. It reports how many peers accepted it.
func (r *SignalingRooms) Relay(callID string, from *Client, payload []byte) int {
	r.mu.Lock()
	peers := othersLocked(r.rooms[callID], from)
	r.mu.Unlock()

	delivered := 0
	for _, p := range peers {
		if err := p.sendRaw(payload); err != nil {
			r.logger.Debug("relay delivery failed", slog.String("callID", callID), slog.Any("error", err))
			continue
		}
		delivered++
	}
	return delivered
}

// CloseRoom deletes callID's room and closes its members' connections.
func (r *SignalingRooms) CloseRoom(callID string) {
	r.mu.Lock()
	room, ok := r.rooms[callID]
	delete(r.rooms, callID)
	n := len(r.rooms)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.metrics.SetSignalingRooms(n)

	for c := range room {
		c.Close(websocket.CloseNormalClosure, "call ended")
	}
	r.logger.Debug("signaling room closed", slog.String("callID", callID), slog.Int("members", len(room)))
}

// Peers returns a snapshot of callID's members.
func (r *SignalingRooms) Peers(callID string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return othersLocked(r.rooms[callID], nil)
}

// Len returns the number of open rooms.
func (r *SignalingRooms) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func othersLocked(room map[*Client]struct{}, except *Client) []*Client {
	peers := make([]*Client, 0, len(room))
	for p := range room {
		if p != except {
			peers = append(peers, p)
		}
	}
	return peers
}
