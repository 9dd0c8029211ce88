// Package server tracks which identities are online and tells the users who
// share a chat with them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Tyrowin/chathub/internal/metrics"
)

// Presence is the online map plus the fan-out of status changes.
type Presence struct {
	mu     sync.RWMutex
	online map[string]bool

	dir      Directory
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewPresence returns a Presence that resolves related users through dir and
// delivers through registry.
func NewPresence(dir Directory, registry *Registry, logger *slog.Logger, m *metrics.Metrics) *Presence {
	return &Presence{
		online:   make(map[string]bool),
		dir:      dir,
		registry: registry,
		logger:   logger.With(slog.String("component", "presence")),
		metrics:  m,
	}
}

// IsOnline reports whether identity is currently online. Unknown identities are offline.
func (p *Presence) IsOnline(identity string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[identity]
}

// Len returns the number of online identities.
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online)
}

// SetOnline records identity's status and pushes a user_status event to every
// related identity with a live connection. Delivery failures to one peer do
// not affect the others.
func (p *Presence) SetOnline(ctx context.Context, identity string, online bool) {
	p.mu.Lock()
	if online {
		p.online[identity] = true
	} else {
		delete(p.online, identity)
	}
	n := len(p.online)
	p.mu.Unlock()
	p.metrics.SetOnline(n)

	related, err := p.related(ctx, identity)
	if err != nil {
		p.logger.Error("resolve related users", slog.String("identity", identity), slog.Any("error", err))
		return
	}

	event := userStatus{Type: TypeUserStatus, Identity: identity, Online: online}
	notified := 0
	for _, peer := range related {
		c, ok := p.registry.Lookup(peer)
		if !ok {
			continue
		}
		if err := c.Send(event); err != nil {
			p.logger.Debug("presence delivery failed", slog.String("peer", peer), slog.Any("error", err))
			continue
		}
		notified++
	}
	p.logger.Debug("presence changed",
		slog.String("identity", identity), slog.Bool("online", online), slog.Int("notified", notified))
}

// OnlineUsersFor returns the related identities of identity that are online, sorted.
func (p *Presence) OnlineUsersFor(ctx context.Context, identity string) ([]string, error) {
	related, err := p.related(ctx, identity)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	users := make([]string, 0, len(related))
	for _, peer := range related {
		if p.online[peer] {
			users = append(users, peer)
		}
	}
	return users, nil
}

// related is the union of members of every chat identity belongs to, minus
// identity itself, sorted.
func (p *Presence) related(ctx context.Context, identity string) ([]string, error) {
	if lister, ok := p.dir.(relatedUsersLister); ok {
		users, err := lister.RelatedUsers(ctx, identity)
		if err != nil {
			return nil, fmt.Errorf("related users of %s: %w", identity, err)
		}
		return withoutSelf(users, identity), nil
	}

	chats, err := p.dir.ChatsFor(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("chats for %s: %w", identity, err)
	}
	seen := make(map[string]struct{})
	for _, chatID := range chats {
		members, err := p.dir.ChatMembers(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("members of chat %d: %w", chatID, err)
		}
		for _, m := range members {
			seen[m] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for m := range seen {
		users = append(users, m)
	}
	return withoutSelf(users, identity), nil
}

func withoutSelf(users []string, identity string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u != identity {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}
