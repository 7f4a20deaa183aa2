package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOccupancyEdges(t *testing.T) {
	registry := NewConnectionRegistry()
	c1 := newFakeConn("c1", "alice", "alice")
	c2 := newFakeConn("c2", "alice", "alice")

	assert.True(t, registry.Register(c1), "first connection is an edge")
	assert.False(t, registry.Register(c2), "second connection is not")
	assert.True(t, registry.IsOnline("alice"))
	assert.Equal(t, []string{"c1", "c2"}, registry.ConnectionIDs("alice"))

	assert.False(t, registry.Deregister(c1))
	assert.True(t, registry.IsOnline("alice"))
	assert.True(t, registry.Deregister(c2), "last connection is an edge")
	assert.False(t, registry.IsOnline("alice"))
	assert.Equal(t, 0, registry.Len())
	assert.Empty(t, registry.ConnectionsOf("alice"))
}

func TestRegistryIgnoresUnknownAndRepeats(t *testing.T) {
	registry := NewConnectionRegistry()
	c1 := newFakeConn("c1", "alice", "alice")

	assert.False(t, registry.Deregister(c1), "unknown connection")

	require.True(t, registry.Register(c1))
	assert.False(t, registry.Register(c1), "re-registering the same id is a no-op")
	assert.Len(t, registry.ConnectionsOf("alice"), 1)

	assert.False(t, registry.Deregister(newFakeConn("other", "alice", "alice")))
	assert.True(t, registry.IsOnline("alice"))
	assert.True(t, registry.Deregister(c1))
	assert.False(t, registry.Deregister(c1), "double deregister")
}

func TestRegistryListsUsersSorted(t *testing.T) {
	registry := NewConnectionRegistry()
	registry.Register(newFakeConn("c3", "carol", "carol"))
	registry.Register(newFakeConn("c1", "alice", "alice"))
	registry.Register(newFakeConn("c2", "bob", "bob"))
	registry.Register(newFakeConn("c4", "alice", "alice"))

	assert.Equal(t, []string{"alice", "bob", "carol"}, registry.AllOnlineUsers())
	assert.Len(t, registry.All(), 4)
	assert.Equal(t, 3, registry.Len())
}

func TestRegistryConcurrentEdgesBalance(t *testing.T) {
	registry := NewConnectionRegistry()
	var firsts, lasts atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn(fmt.Sprintf("c%d", i), fmt.Sprintf("user%d", i%5), "")
			if registry.Register(conn) {
				firsts.Add(1)
			}
			if registry.Deregister(conn) {
				lasts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, firsts.Load(), lasts.Load())
	assert.GreaterOrEqual(t, firsts.Load(), int64(5))
	assert.Equal(t, 0, registry.Len())
}
