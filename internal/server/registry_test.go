package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEvictAndRegister(t *testing.T) {
	h := newTestHub(t, newFakeDirectory())
	r := NewRegistry(discardLogger())

	first := newTestClient(h)
	second := newTestClient(h)

	_, evicted := r.Evict("alice")
	assert.False(t, evicted)
	r.Register("alice", first)

	old, evicted := r.Evict("alice")
	require.True(t, evicted)
	assert.Same(t, first, old)
	assert.True(t, first.Closed())
	code, _ := first.closeStatus()
	assert.Equal(t, closeReplaced, code)

	r.Register("alice", second)
	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryUnregisterOnlyCurrentConnection(t *testing.T) {
	h := newTestHub(t, newFakeDirectory())
	r := NewRegistry(discardLogger())

	stale := newTestClient(h)
	current := newTestClient(h)
	r.Register("alice", current)

	assert.False(t, r.Unregister("alice", stale))
	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, current, got)

	assert.True(t, r.Unregister("alice", current))
	assert.False(t, r.Unregister("alice", current))
	_, ok = r.Lookup("alice")
	assert.False(t, ok)
}

func TestRegistryLockIsPerIdentity(t *testing.T) {
	r := NewRegistry(discardLogger())

	unlock := r.Lock("alice")

	otherDone := make(chan struct{})
	go func() {
		r.Lock("bob")()
		close(otherDone)
	}()
	select {
	case <-otherDone:
	case <-time.After(time.Second):
		t.Fatal("lock on a different identity blocked")
	}

	sameDone := make(chan struct{})
	go func() {
		r.Lock("alice")()
		close(sameDone)
	}()
	select {
	case <-sameDone:
		t.Fatal("second lock on the same identity did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	unlock()
	select {
	case <-sameDone:
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}
