package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/storage"
)

func newTestPresence(settings fakeSettings) (*PresenceTracker, *fakePresenceStore) {
	router, registry, _ := newTestRouter(nil)
	store := &fakePresenceStore{}
	var source SettingsSource
	if settings != nil {
		source = settings
	}
	return NewPresenceTracker(registry, router, store, source, discardLogger()), store
}

func hiddenSettings() storage.Settings {
	settings := storage.DefaultSettings()
	settings.OnlineStatusVisible = false
	return settings
}

func TestPresenceMultiDevice(t *testing.T) {
	tracker, store := newTestPresence(nil)
	ctx := context.Background()

	bob := newFakeConn("b1", "bob", "bob")
	tracker.Connect(ctx, bob)
	assert.Equal(t, []string{EventUsersOnline}, bob.Events())
	bob.Reset()

	c1 := newFakeConn("a1", "alice", "alice")
	tracker.Connect(ctx, c1)
	online := bob.Last(t, EventUserOnline)
	assert.Equal(t, "alice", online.Get("userId").String())
	assert.Equal(t, "online", online.Get("state").String())
	assert.Equal(t, []string{EventUsersOnline}, c1.Events(), "the new connection only gets the list")
	assert.Equal(t, []string{"alice", "bob"}, []string{
		c1.Last(t, EventUsersOnline).Get("0.userId").String(),
		c1.Last(t, EventUsersOnline).Get("1.userId").String(),
	})

	c2 := newFakeConn("a2", "alice", "alice")
	tracker.Connect(ctx, c2)
	assert.Len(t, bob.Frames(), 1, "second device is not announced")
	assert.Equal(t, []string{EventUsersOnline}, c2.Events())
	assert.Len(t, c2.Last(t, EventUsersOnline).Array(), 2, "one entry per user")

	tracker.Disconnect(ctx, c1)
	assert.Len(t, bob.Frames(), 1, "alice still has a device")
	assert.Empty(t, c2.Frames()[1:])

	tracker.Disconnect(ctx, c2)
	offline := bob.Last(t, EventUserOffline)
	assert.Equal(t, "alice", offline.Get("userId").String())
	assert.Equal(t, "offline", offline.Get("state").String())

	assert.Equal(t, []presenceWrite{
		{userID: "bob", online: true},
		{userID: "alice", online: true},
		{userID: "alice", online: false},
	}, store.Writes())
}

func TestPresenceDisconnectUnknownIsNoop(t *testing.T) {
	tracker, store := newTestPresence(nil)
	bob := newFakeConn("b1", "bob", "bob")
	tracker.Connect(context.Background(), bob)
	bob.Reset()

	tracker.Disconnect(context.Background(), newFakeConn("ghost", "alice", "alice"))

	assert.Empty(t, bob.Frames())
	assert.Len(t, store.Writes(), 1)
}

func TestPresenceHiddenUserIsNeverAnnounced(t *testing.T) {
	tracker, store := newTestPresence(fakeSettings{"alice": hiddenSettings()})
	ctx := context.Background()

	bob := newFakeConn("b1", "bob", "bob")
	tracker.Connect(ctx, bob)
	bob.Reset()

	alice := newFakeConn("a1", "alice", "alice")
	tracker.Connect(ctx, alice)
	assert.Empty(t, bob.Frames())
	list := alice.Last(t, EventUsersOnline).Array()
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].Get("userId").String())
	assert.Equal(t, []OnlineUser{{UserID: "bob", Username: "bob"}}, tracker.Online())

	tracker.Disconnect(ctx, alice)
	assert.Empty(t, bob.Frames())
	assert.Contains(t, store.Writes(), presenceWrite{userID: "alice", online: false}, "hidden users still persist last seen")
}

func TestPresenceSetVisible(t *testing.T) {
	tracker, _ := newTestPresence(nil)
	ctx := context.Background()

	alice := newFakeConn("a1", "alice", "alice")
	bob := newFakeConn("b1", "bob", "bob")
	tracker.Connect(ctx, alice)
	tracker.Connect(ctx, bob)
	alice.Reset()
	bob.Reset()

	tracker.SetVisible("alice", false)
	assert.Equal(t, []string{EventUserOffline}, bob.Events())
	assert.Empty(t, alice.Frames())
	assert.Equal(t, []OnlineUser{{UserID: "bob", Username: "bob"}}, tracker.Online())

	tracker.SetVisible("alice", false)
	assert.Len(t, bob.Frames(), 1, "unchanged visibility is silent")

	tracker.SetVisible("alice", true)
	assert.Equal(t, []string{EventUserOffline, EventUserOnline}, bob.Events())
	assert.Len(t, tracker.Online(), 2)

	tracker.SetVisible("carol", false)
	assert.Len(t, bob.Frames(), 2, "offline users have nothing to announce")
}

// blockingPresenceStore parks the first offline write until release closes.
type blockingPresenceStore struct {
	fakePresenceStore
	once    sync.Once
	parked  chan struct{}
	release chan struct{}
}

func (b *blockingPresenceStore) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	if !online {
		b.once.Do(func() {
			close(b.parked)
			<-b.release
		})
	}
	return b.fakePresenceStore.SetPresence(ctx, userID, online, at)
}

func TestPresenceReconnectDuringOfflineWrite(t *testing.T) {
	router, registry, _ := newTestRouter(nil)
	store := &blockingPresenceStore{parked: make(chan struct{}), release: make(chan struct{})}
	tracker := NewPresenceTracker(registry, router, store, nil, discardLogger())
	ctx := context.Background()

	bob := newFakeConn("b1", "bob", "bob")
	old := newFakeConn("a0", "alice", "alice")
	tracker.Connect(ctx, bob)
	tracker.Connect(ctx, old)
	bob.Reset()

	disconnected := make(chan struct{})
	go func() {
		tracker.Disconnect(ctx, old)
		close(disconnected)
	}()
	<-store.parked

	fresh := newFakeConn("a1", "alice", "alice")
	connected := make(chan struct{})
	go func() {
		tracker.Connect(ctx, fresh)
		close(connected)
	}()
	assert.Never(t, func() bool { return registry.IsOnline("alice") }, 50*time.Millisecond, 5*time.Millisecond,
		"the reconnect waits for the offline edge to finish")

	close(store.release)
	<-disconnected
	<-connected

	assert.True(t, registry.IsOnline("alice"))
	writes := store.Writes()
	require.NotEmpty(t, writes)
	assert.Equal(t, presenceWrite{userID: "alice", online: true}, writes[len(writes)-1])
	assert.Equal(t, []string{EventUserOffline, EventUserOnline}, bob.Events())
	assert.False(t, bob.Last(t, EventUserOnline).Get("timestamp").Time().Before(
		bob.Last(t, EventUserOffline).Get("timestamp").Time()))
}

func TestPresenceForgetsOfflineUsers(t *testing.T) {
	tracker, _ := newTestPresence(fakeSettings{"alice": hiddenSettings()})
	ctx := context.Background()

	alice := newFakeConn("a1", "alice", "alice")
	tracker.Connect(ctx, alice)
	tracker.Disconnect(ctx, alice)
	tracker.SetVisible("carol", false)

	assert.Empty(t, tracker.hidden)
	assert.Empty(t, tracker.locks)
}
