package internal

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PresenceStore records the persisted online flag and last-seen time.
type PresenceStore interface {
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
}

// PresenceTracker turns registry occupancy edges into user:online and
// user:offline broadcasts. Users with online status hidden are still
// registered but never announced.
//
// Each user's edge, its persisted flag and its broadcast happen under that
// user's lock, so a reconnect racing a disconnect always settles on the
// registry's final state.
type PresenceTracker struct {
	registry *ConnectionRegistry
	router   *EventRouter
	store    PresenceStore
	settings SettingsSource
	logger   *slog.Logger
	now      func() time.Time

	mutex  sync.Mutex
	hidden map[string]bool
	locks  map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func NewPresenceTracker(registry *ConnectionRegistry, router *EventRouter, store PresenceStore, settings SettingsSource, logger *slog.Logger) *PresenceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceTracker{
		registry: registry,
		router:   router,
		store:    store,
		settings: settings,
		logger:   logger.With("component", "presence"),
		now:      time.Now,
		hidden:   make(map[string]bool),
		locks:    make(map[string]*userLock),
	}
}

// Connect registers conn, announces the user if this is their first
// connection, and sends conn the current online list.
func (tracker *PresenceTracker) Connect(ctx context.Context, conn Conn) {
	unlock := tracker.lockUser(conn.UserID())
	defer unlock()

	visible := tracker.loadVisibility(ctx, conn.UserID())
	if tracker.registry.Register(conn) {
		at := tracker.now().UTC()
		tracker.persist(ctx, conn.UserID(), true, at)
		if visible {
			tracker.router.Deliver(OutboundEvent{
				Name:    EventUserOnline,
				Payload: presenceEvent(conn, PresenceOnline, at),
				Target:  AllExcept(conn),
			})
		}
	}
	tracker.router.SendTo(conn, EventUsersOnline, tracker.Online())
}

// Disconnect deregisters conn and announces the user offline if it was
// their last connection.
func (tracker *PresenceTracker) Disconnect(ctx context.Context, conn Conn) {
	unlock := tracker.lockUser(conn.UserID())
	defer unlock()

	if !tracker.registry.Deregister(conn) {
		return
	}
	at := tracker.now().UTC()
	tracker.persist(ctx, conn.UserID(), false, at)
	if tracker.isVisible(conn.UserID()) {
		tracker.router.Deliver(OutboundEvent{
			Name:    EventUserOffline,
			Payload: presenceEvent(conn, PresenceOffline, at),
			Target:  AllExcept(conn),
		})
	}
	tracker.mutex.Lock()
	delete(tracker.hidden, conn.UserID())
	tracker.mutex.Unlock()
}

// Online lists visible online users, one entry per user.
func (tracker *PresenceTracker) Online() []OnlineUser {
	users := make([]OnlineUser, 0)
	for _, userID := range tracker.registry.AllOnlineUsers() {
		if !tracker.isVisible(userID) {
			continue
		}
		conns := tracker.registry.ConnectionsOf(userID)
		if len(conns) == 0 {
			continue
		}
		users = append(users, OnlineUser{UserID: userID, Username: conns[0].Username()})
	}
	return users
}

// SetVisible changes whether an online user's presence is announced.
// Becoming hidden looks like going offline to everyone else, and the
// reverse. Offline users pick their visibility up from settings on their
// next connection.
func (tracker *PresenceTracker) SetVisible(userID string, visible bool) {
	unlock := tracker.lockUser(userID)
	defer unlock()

	conns := tracker.registry.ConnectionsOf(userID)
	if len(conns) == 0 {
		return
	}
	tracker.mutex.Lock()
	wasVisible := !tracker.hidden[userID]
	tracker.hidden[userID] = !visible
	tracker.mutex.Unlock()
	if wasVisible == visible {
		return
	}

	name, state := EventUserOffline, PresenceOffline
	if visible {
		name, state = EventUserOnline, PresenceOnline
	}
	others := make([]string, 0)
	for _, id := range tracker.registry.AllOnlineUsers() {
		if id != userID {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return
	}
	tracker.router.Deliver(OutboundEvent{
		Name:    name,
		Payload: presenceEvent(conns[0], state, tracker.now().UTC()),
		Target:  ToUsers(others...),
	})
}

func presenceEvent(conn Conn, state PresenceState, at time.Time) PresenceEvent {
	return PresenceEvent{
		UserID:    conn.UserID(),
		Username:  conn.Username(),
		State:     state,
		Timestamp: at,
	}
}

// lockUser takes the user's presence lock. The entry is dropped once no
// caller holds or waits for it.
func (tracker *PresenceTracker) lockUser(userID string) (unlock func()) {
	tracker.mutex.Lock()
	lock, ok := tracker.locks[userID]
	if !ok {
		lock = &userLock{}
		tracker.locks[userID] = lock
	}
	lock.refs++
	tracker.mutex.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		tracker.mutex.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(tracker.locks, userID)
		}
		tracker.mutex.Unlock()
	}
}

func (tracker *PresenceTracker) loadVisibility(ctx context.Context, userID string) bool {
	if tracker.settings == nil {
		return tracker.isVisible(userID)
	}
	settings, err := tracker.settings.GetSettings(ctx, userID)
	if err != nil {
		tracker.logger.Warn("load settings", "userID", userID, "err", err)
		return tracker.isVisible(userID)
	}
	tracker.mutex.Lock()
	tracker.hidden[userID] = !settings.OnlineStatusVisible
	tracker.mutex.Unlock()
	return settings.OnlineStatusVisible
}

func (tracker *PresenceTracker) isVisible(userID string) bool {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	return !tracker.hidden[userID]
}

func (tracker *PresenceTracker) persist(ctx context.Context, userID string, online bool, at time.Time) {
	if tracker.store == nil {
		return
	}
	if err := tracker.store.SetPresence(ctx, userID, online, at); err != nil {
		tracker.logger.Warn("persist presence", "userID", userID, "online", online, "err", err)
	}
}
