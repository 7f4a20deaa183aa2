package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"parley/internal/storage"
)

type testServer struct {
	*httptest.Server
	realtime *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	realtime := NewServer(store, ServerOptions{
		Secret:        testSecret,
		AuthRateLimit: 100,
		Logger:        discardLogger(),
	})
	srv := httptest.NewServer(realtime.Routes("/ws"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = realtime.Shutdown(ctx)
		srv.Close()
		_ = store.Close()
	})
	return &testServer{Server: srv, realtime: realtime}
}

type account struct {
	userID string
	token  string
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func (ts *testServer) register(t *testing.T, username string) account {
	t.Helper()
	creds := credentialsRequest{Username: username, Password: "hunter2"}
	status, body := ts.do(t, http.MethodPost, "/signup", "", creds)
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = ts.do(t, http.MethodPost, "/login", "", creds)
	require.Equal(t, http.StatusOK, status, string(body))
	var login loginResponse
	require.NoError(t, json.Unmarshal(body, &login))
	require.NotEmpty(t, login.Token)
	return account{userID: login.UserID, token: login.Token}
}

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// expect reads frames until one named event arrives.
func expect(t *testing.T, conn *websocket.Conn, event string) gjson.Result {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		if gjson.GetBytes(frame, "event").String() == event {
			return gjson.GetBytes(frame, "payload")
		}
	}
}

func TestServerSignupAndLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice")

	status, _ := ts.do(t, http.MethodPost, "/signup", "", credentialsRequest{Username: "alice", Password: "x"})
	assert.Equal(t, http.StatusConflict, status)
	status, _ = ts.do(t, http.MethodPost, "/login", "", credentialsRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = ts.do(t, http.MethodPost, "/signup", "", credentialsRequest{Username: " ", Password: "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = ts.do(t, http.MethodGet, "/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	status, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", string(body))
}

func TestServerRejectsUnauthenticatedHandshake(t *testing.T) {
	ts := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(ts.wsURL()+"?token=forged", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, ts.realtime.Registry().Len())

	status, _ := ts.do(t, http.MethodGet, "/users/online", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestServerExpiredTokenLeavesPeersUntouched(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice")
	bob := ts.register(t, "bob")
	aliceConn := ts.dial(t, alice.token)
	expect(t, aliceConn, EventUsersOnline)

	expired := signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), SessionClaims{
		UserID: bob.userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), http.Header{"Authorization": {"Bearer " + expired}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, 1, ts.realtime.Registry().Len())
	assert.False(t, ts.realtime.Registry().IsOnline(bob.userID))
	require.NoError(t, aliceConn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, frame, err := aliceConn.ReadMessage()
	assert.Error(t, err, "alice got an unexpected frame: %s", frame)
}

func TestServerPresenceBroadcasts(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice")
	bob := ts.register(t, "bob")

	aliceConn := ts.dial(t, alice.token)
	list := expect(t, aliceConn, EventUsersOnline).Array()
	require.Len(t, list, 1)
	assert.Equal(t, alice.userID, list[0].Get("userId").String())

	bobConn := ts.dial(t, bob.token)
	assert.Len(t, expect(t, bobConn, EventUsersOnline).Array(), 2)
	online := expect(t, aliceConn, EventUserOnline)
	assert.Equal(t, bob.userID, online.Get("userId").String())
	assert.Equal(t, "bob", online.Get("username").String())

	status, body := ts.do(t, http.MethodGet, "/users/online", alice.token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, gjson.GetBytes(body, "users").Array(), 2)

	require.NoError(t, bobConn.Close())
	offline := expect(t, aliceConn, EventUserOffline)
	assert.Equal(t, bob.userID, offline.Get("userId").String())
	assert.Eventually(t, func() bool { return !ts.realtime.Registry().IsOnline(bob.userID) }, 3*time.Second, 20*time.Millisecond)
}

func TestServerRelaysInboundEvents(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice")
	bob := ts.register(t, "bob")
	aliceConn := ts.dial(t, alice.token)
	expect(t, aliceConn, EventUsersOnline)
	bobConn := ts.dial(t, bob.token)
	expect(t, bobConn, EventUsersOnline)

	require.NoError(t, aliceConn.WriteJSON(map[string]any{
		"event":   EventTypingStart,
		"payload": map[string]string{"receiverId": bob.userID},
	}))
	typing := expect(t, bobConn, EventTypingStart)
	assert.Equal(t, alice.userID, typing.Get("userId").String())

	require.NoError(t, aliceConn.WriteMessage(websocket.TextMessage, []byte(`{"event":"nope"}`)))
	reply := expect(t, aliceConn, EventError)
	assert.Equal(t, "nope", reply.Get("event").String())

	hide := false
	status, body := ts.do(t, http.MethodPut, "/settings", bob.token, SettingsUpdate{ReadReceiptsEnabled: &hide})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.False(t, gjson.GetBytes(body, "readReceiptsEnabled").Bool())

	require.NoError(t, bobConn.WriteJSON(map[string]any{
		"event":   EventMessageRead,
		"payload": map[string]string{"messageId": "m1", "senderId": alice.userID},
	}))
	require.NoError(t, aliceConn.WriteJSON(map[string]any{
		"event":   EventMessageRead,
		"payload": map[string]string{"messageId": "m2", "senderId": bob.userID},
	}))
	read := expect(t, bobConn, EventMessageRead)
	assert.Equal(t, "m2", read.Get("messageId").String())
	assert.Equal(t, alice.userID, read.Get("readBy").String())
}

func TestServerHiddenPresence(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice")
	bob := ts.register(t, "bob")
	aliceConn := ts.dial(t, alice.token)
	expect(t, aliceConn, EventUsersOnline)
	bobConn := ts.dial(t, bob.token)
	expect(t, bobConn, EventUsersOnline)
	expect(t, aliceConn, EventUserOnline)

	hidden := false
	status, _ := ts.do(t, http.MethodPut, "/settings", bob.token, SettingsUpdate{OnlineStatusVisible: &hidden})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, bob.userID, expect(t, aliceConn, EventUserOffline).Get("userId").String())

	status, body := ts.do(t, http.MethodGet, "/users/online", alice.token, nil)
	require.Equal(t, http.StatusOK, status)
	users := gjson.GetBytes(body, "users").Array()
	require.Len(t, users, 1)
	assert.Equal(t, alice.userID, users[0].Get("userId").String())

	theme := "sepia"
	status, _ = ts.do(t, http.MethodPut, "/settings", bob.token, SettingsUpdate{Theme: &theme})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServerCallFlow(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice")
	bob := ts.register(t, "bob")
	aliceConn := ts.dial(t, alice.token)
	expect(t, aliceConn, EventUsersOnline)
	bobConn := ts.dial(t, bob.token)
	expect(t, bobConn, EventUsersOnline)

	status, body := ts.do(t, http.MethodPost, "/calls", alice.token, initiateCallRequest{ReceiverID: bob.userID, CallType: "video"})
	require.Equal(t, http.StatusCreated, status, string(body))
	var call CallRecord
	require.NoError(t, json.Unmarshal(body, &call))
	assert.Equal(t, CallInitiated, call.Status)

	incoming := expect(t, bobConn, EventCallIncoming)
	assert.Equal(t, call.ID, incoming.Get("callId").String())
	assert.Equal(t, "alice", incoming.Get("caller.username").String())

	status, _ = ts.do(t, http.MethodPost, "/calls/"+call.ID+"/answer", alice.token, nil)
	assert.Equal(t, http.StatusForbidden, status, "the caller cannot answer")

	status, body = ts.do(t, http.MethodPost, "/calls/"+call.ID+"/answer", bob.token, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, call.ID, expect(t, aliceConn, EventCallAnswered).Get("callId").String())

	status, _ = ts.do(t, http.MethodPost, "/calls/"+call.ID+"/decline", bob.token, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = ts.do(t, http.MethodPost, "/calls/"+call.ID+"/end", alice.token, endCallRequest{Duration: intPtr(12)})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, int64(12), expect(t, bobConn, EventCallEnded).Get("duration").Int())

	status, body = ts.do(t, http.MethodGet, "/calls", bob.token, nil)
	require.Equal(t, http.StatusOK, status)
	calls := gjson.GetBytes(body, "calls").Array()
	require.Len(t, calls, 1)
	assert.Equal(t, "ended", calls[0].Get("status").String())
	assert.Equal(t, int64(12), calls[0].Get("duration").Int())

	status, _ = ts.do(t, http.MethodPost, "/calls", alice.token, initiateCallRequest{ReceiverID: "nobody", CallType: "voice"})
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = ts.do(t, http.MethodPost, "/calls", alice.token, initiateCallRequest{ReceiverID: alice.userID, CallType: "voice"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = ts.do(t, http.MethodPost, "/calls/missing/answer", bob.token, nil)
	assert.Equal(t, http.StatusNotFound, status)

	assert.Equal(t, uint64(1), ts.realtime.Metrics().Snapshot()["calls_initiated_total"])
}

func TestServerShutdownClosesConnections(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice")
	conn := ts.dial(t, alice.token)
	expect(t, conn, EventUsersOnline)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, ts.realtime.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), http.Header{"Authorization": {"Bearer " + alice.token}})
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, ts.realtime.addPumps(), "no pumps start once draining")
}

func intPtr(v int) *int { return &v }
