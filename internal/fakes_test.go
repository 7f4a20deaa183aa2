package internal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"parley/internal/storage"
)

// fakeConn records every frame written to it.
type fakeConn struct {
	id       string
	userID   string
	username string

	mutex  sync.Mutex
	frames [][]byte
	err    error
}

func newFakeConn(id, userID, username string) *fakeConn {
	return &fakeConn{id: id, userID: userID, username: username}
}

func (c *fakeConn) ID() string       { return c.id }
func (c *fakeConn) UserID() string   { return c.userID }
func (c *fakeConn) Username() string { return c.username }

func (c *fakeConn) Send(frame []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Frames() [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([][]byte(nil), c.frames...)
}

// Events returns the event names received so far, in order.
func (c *fakeConn) Events() []string {
	names := make([]string, 0)
	for _, frame := range c.Frames() {
		names = append(names, gjson.GetBytes(frame, "event").String())
	}
	return names
}

// Last returns the payload of the most recent frame named event.
func (c *fakeConn) Last(t *testing.T, event string) gjson.Result {
	t.Helper()
	frames := c.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if gjson.GetBytes(frames[i], "event").String() == event {
			return gjson.GetBytes(frames[i], "payload")
		}
	}
	require.Failf(t, "event not received", "%s never reached %s (got %v)", event, c.id, c.Events())
	return gjson.Result{}
}

func (c *fakeConn) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.frames = nil
}

type fakeSettings map[string]storage.Settings

func (f fakeSettings) GetSettings(_ context.Context, userID string) (storage.Settings, error) {
	if settings, ok := f[userID]; ok {
		return settings, nil
	}
	return storage.DefaultSettings(), nil
}

type presenceWrite struct {
	userID string
	online bool
}

type fakePresenceStore struct {
	mutex  sync.Mutex
	writes []presenceWrite
}

func (f *fakePresenceStore) SetPresence(_ context.Context, userID string, online bool, _ time.Time) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.writes = append(f.writes, presenceWrite{userID: userID, online: online})
	return nil
}

func (f *fakePresenceStore) Writes() []presenceWrite {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]presenceWrite(nil), f.writes...)
}

type fakeCallStore struct {
	mutex     sync.Mutex
	calls     map[string]storage.Call
	seq       int
	updateErr error
}

func newFakeCallStore() *fakeCallStore {
	return &fakeCallStore{calls: make(map[string]storage.Call)}
}

func (f *fakeCallStore) CreateCall(_ context.Context, call storage.Call) (*storage.Call, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.seq++
	call.ID = "call-" + strconv.Itoa(f.seq)
	f.calls[call.ID] = call
	return &call, nil
}

func (f *fakeCallStore) UpdateCall(_ context.Context, call storage.Call, from string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	stored, ok := f.calls[call.ID]
	if !ok {
		return errors.New("no such call")
	}
	if stored.Status != from {
		return storage.ErrCallStatusChanged
	}
	f.calls[call.ID] = call
	return nil
}

func (f *fakeCallStore) Get(id string) storage.Call {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls[id]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodePayload(t *testing.T, frame []byte, out any) string {
	t.Helper()
	var envelope Envelope
	require.NoError(t, json.Unmarshal(frame, &envelope))
	if out != nil {
		require.NoError(t, json.Unmarshal(envelope.Payload, out))
	}
	return envelope.Event
}
