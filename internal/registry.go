package internal

import (
	"sort"
	"sync"
)

// Conn is a live duplex channel to one authenticated user. Send must not
// block; the transport queues the frame and writes it later.
type Conn interface {
	ID() string
	UserID() string
	Username() string
	Send(frame []byte) error
}

// ConnectionRegistry maps user ids to the set of their live connections.
// A user is online exactly when the set is non-empty.
type ConnectionRegistry struct {
	mutex sync.RWMutex
	users map[string]map[string]Conn
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{users: make(map[string]map[string]Conn)}
}

// Register adds conn to its user's set and reports whether it is the
// user's first live connection.
func (registry *ConnectionRegistry) Register(conn Conn) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	userID := conn.UserID()
	set, exists := registry.users[userID]
	if !exists {
		set = make(map[string]Conn)
		registry.users[userID] = set
	}
	set[conn.ID()] = conn
	return !exists
}

// Deregister removes conn and reports whether it was the user's last live
// connection. Unknown connections are ignored.
func (registry *ConnectionRegistry) Deregister(conn Conn) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	userID := conn.UserID()
	set, exists := registry.users[userID]
	if !exists {
		return false
	}
	if _, ok := set[conn.ID()]; !ok {
		return false
	}
	delete(set, conn.ID())
	if len(set) == 0 {
		delete(registry.users, userID)
		return true
	}
	return false
}

func (registry *ConnectionRegistry) ConnectionsOf(userID string) []Conn {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	set := registry.users[userID]
	conns := make([]Conn, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// ConnectionIDs returns the user's connection ids in sorted order.
func (registry *ConnectionRegistry) ConnectionIDs(userID string) []string {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	set := registry.users[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (registry *ConnectionRegistry) IsOnline(userID string) bool {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	return len(registry.users[userID]) > 0
}

func (registry *ConnectionRegistry) AllOnlineUsers() []string {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	ids := make([]string, 0, len(registry.users))
	for userID := range registry.users {
		ids = append(ids, userID)
	}
	sort.Strings(ids)
	return ids
}

// All snapshots every registered connection.
func (registry *ConnectionRegistry) All() []Conn {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	var conns []Conn
	for _, set := range registry.users {
		for _, conn := range set {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Len is the number of online users.
func (registry *ConnectionRegistry) Len() int {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	return len(registry.users)
}
