// Package server keeps the identity to connection registry that enforces a
// single active session per identity.
package server

import (
	"log/slog"
	"sync"
)

// Registry maps each identity to its one current connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Client
	locks keyedMutex

	logger *slog.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Client),
		locks:  keyedMutex{entries: make(map[string]*keyedEntry)},
		logger: logger.With(slog.String("component", "registry")),
	}
}

// Lock acquires the per-identity exclusion and returns its release func.
// Evict followed by Register must happen while it is held.
func (r *Registry) Lock(identity string) (unlock func()) {
	return r.locks.lock(identity)
}

// Register records c as the current connection for identity.
func (r *Registry) Register(identity string, c *Client) {
	r.mu.Lock()
	r.conns[identity] = c
	n := len(r.conns)
	r.mu.Unlock()
	r.logger.Debug("connection registered", slog.String("identity", identity), slog.Int("connections", n))
}

// Lookup returns the current connection for identity.
func (r *Registry) Lookup(identity string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[identity]
	return c, ok
}

// Unregister removes identity only if c is still the connection on record,
// so a slow teardown cannot clobber a newer session. It reports whether an
// entry was removed.
func (r *Registry) Unregister(identity string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[identity]; !ok || current != c {
		return false
	}
	delete(r.conns, identity)
	return true
}

// Evict closes and removes any connection recorded for identity and returns it.
func (r *Registry) Evict(identity string) (*Client, bool) {
	r.mu.Lock()
	old, ok := r.conns[identity]
	if ok {
		delete(r.conns, identity)
	}
	r.mu.Unlock()

	if ok {
		old.Close(closeReplaced, "replaced by a newer session")
		r.logger.Info("evicted previous connection",
			slog.String("identity", identity), slog.String("connID", old.ID().String()))
	}
	return old, ok
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.entries, key)
			}
			k.mu.Unlock()
		})
	}
}
