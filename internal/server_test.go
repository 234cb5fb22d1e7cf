package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/chat"
	"roomchat/internal/retention"
	"roomchat/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := storage.NewStore("sqlite://file:" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newTestServer(t *testing.T, sweeper *retention.Sweeper, opts ServerOptions) (*Server, *httptest.Server) {
	t.Helper()
	store := newTestStore(t)
	srv := NewServer(store, sweeper, opts)
	gin.SetMode(gin.TestMode)
	ts := httptest.NewServer(srv.Routes(RouteOptions{WSPath: "/ws"}))
	t.Cleanup(func() {
		srv.CloseAll()
		ts.Close()
	})
	return srv, ts
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(name string, payload any) {
	c.t.Helper()
	frame, err := chat.Event{Name: name, Payload: payload}.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

// expect reads frames until one named name arrives and decodes its data into out.
func (c *testConn) expect(name string, out any) {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, payload, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", name)
		var env chat.Envelope
		require.NoError(c.t, json.Unmarshal(payload, &env))
		if env.Event != name {
			continue
		}
		if out != nil {
			require.NoError(c.t, env.Decode(out))
		}
		return
	}
}

func (c *testConn) join(username, roomID string) chat.User {
	c.t.Helper()
	c.send(chat.EventJoinRoom, chat.JoinRequest{Username: username, RoomID: roomID})
	var joined chat.JoinedRoomPayload
	c.expect(chat.EventJoinedRoom, &joined)
	require.Equal(c.t, roomID, joined.RoomID)
	return joined.User
}

func TestServerConversation(t *testing.T) {
	srv, ts := newTestServer(t, nil, ServerOptions{})
	a := dial(t, ts)
	b := dial(t, ts)

	alice := a.join("alice", "r1")
	bob := b.join("bob", "r1")
	assert.NotEqual(t, alice.ID, bob.ID)

	var joined chat.UserPayload
	a.expect(chat.EventUserJoined, &joined)
	assert.Equal(t, "bob", joined.User.Username)

	a.send(chat.EventSendMessage, chat.SendRequest{Text: "hi bob"})
	var got chat.MessagePayload
	b.expect(chat.EventNewMessage, &got)
	assert.Equal(t, "hi bob", got.Message.Text)
	assert.Equal(t, alice.ID, got.Message.UserID)
	assert.Equal(t, chat.StatusSent, got.Message.Status)

	var echo chat.MessagePayload
	a.expect(chat.EventNewMessage, &echo)
	assert.Equal(t, got.Message.ID, echo.Message.ID)

	b.send(chat.EventReceipt, chat.ReceiptRequest{MessageIDs: []string{got.Message.ID}, Kind: chat.StatusRead})
	var receipt chat.ReceiptPayload
	a.expect(chat.EventMessageReceipt, &receipt)
	assert.Equal(t, chat.StatusRead, receipt.Status)
	assert.Equal(t, bob.ID, receipt.UserID)

	resp, err := http.Get(ts.URL + "/api/rooms/r1/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	var page messagesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, chat.StatusRead, page.Messages[0].Status)

	assert.Eventually(t, func() bool {
		return srv.Presence().ActiveCount() == 2
	}, time.Second, 10*time.Millisecond)
	snapshot := srv.Metrics().Snapshot()
	assert.EqualValues(t, 2, snapshot["joins_total"])
	assert.EqualValues(t, 1, snapshot["messages_total"])
}

func TestServerLockedRoomRejectsJoin(t *testing.T) {
	srv, ts := newTestServer(t, nil, ServerOptions{})
	a := dial(t, ts)
	a.join("alice", "vault")

	a.send(chat.EventToggleLock, nil)
	var changed chat.LockChangedPayload
	a.expect(chat.EventRoomLockChanged, &changed)
	require.True(t, changed.Locked)

	b := dial(t, ts)
	b.send(chat.EventJoinRoom, chat.JoinRequest{Username: "bob", RoomID: "vault"})
	var locked chat.ErrorPayload
	b.expect(chat.EventRoomLocked, &locked)
	assert.NotEmpty(t, locked.Message)

	require.NoError(t, b.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := b.conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	assert.ErrorAs(t, err, &closeErr)

	assert.Len(t, srv.Router().Directory().ListUsers("vault"), 1)
	assert.Eventually(t, func() bool {
		return srv.Metrics().Snapshot()["locked_joins_total"] == uint64(1)
	}, time.Second, 10*time.Millisecond)
}

func TestServerMalformedFrame(t *testing.T) {
	_, ts := newTestServer(t, nil, ServerOptions{})
	c := dial(t, ts)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var payload chat.ErrorPayload
	c.expect(chat.EventError, &payload)
	assert.Equal(t, "Malformed frame", payload.Message)

	c.send("no-such-event", nil)
	c.expect(chat.EventError, &payload)
	assert.Contains(t, payload.Message, "no-such-event")
}

func TestServerSendRateLimit(t *testing.T) {
	_, ts := newTestServer(t, nil, ServerOptions{SendLimit: 2, SendWindow: time.Minute})
	c := dial(t, ts)
	c.join("alice", "r1")

	for i := 0; i < 2; i++ {
		c.send(chat.EventSendMessage, chat.SendRequest{Text: "ok"})
		c.expect(chat.EventNewMessage, nil)
	}
	c.send(chat.EventSendMessage, chat.SendRequest{Text: "too much"})
	var payload chat.ErrorPayload
	c.expect(chat.EventError, &payload)
	assert.Equal(t, rateLimitNotice, payload.Message)
}

func TestServerDisconnectNotifiesRoom(t *testing.T) {
	srv, ts := newTestServer(t, nil, ServerOptions{})
	a := dial(t, ts)
	b := dial(t, ts)
	a.join("alice", "r1")
	bob := b.join("bob", "r1")

	b.send(chat.EventSendMessage, chat.SendRequest{Text: "bye"})
	a.expect(chat.EventNewMessage, nil)
	require.NoError(t, b.conn.Close())

	var left chat.UserPayload
	a.expect(chat.EventUserLeft, &left)
	assert.Equal(t, bob.ID, left.User.ID)
	var users chat.UsersPayload
	a.expect(chat.EventRoomUsersUpdated, &users)
	assert.Len(t, users.Users, 1)

	// history survives a plain disconnect
	messages, err := srv.store.ListMessages(context.Background(), "r1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.Eventually(t, func() bool {
		return srv.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServerLeavePurgesMessages(t *testing.T) {
	srv, ts := newTestServer(t, nil, ServerOptions{})
	a := dial(t, ts)
	a.join("alice", "r1")
	a.send(chat.EventSendMessage, chat.SendRequest{Text: "forget me"})
	a.expect(chat.EventNewMessage, nil)

	a.send(chat.EventLeaveRoom, nil)
	var left chat.LeftRoomPayload
	a.expect(chat.EventLeftRoom, &left)
	assert.True(t, left.Success)

	messages, err := srv.store.ListMessages(context.Background(), "r1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Eventually(t, func() bool {
		return srv.Presence().ActiveCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServerConnectionLimit(t *testing.T) {
	_, ts := newTestServer(t, nil, ServerOptions{ConnLimit: 1, ConnWindow: time.Minute})
	dial(t, ts)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://chat.example.com/"})
	request := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, check(request("https://chat.example.com")))
	assert.True(t, check(request("")))
	assert.False(t, check(request("https://evil.example.com")))
	assert.True(t, originChecker([]string{"*"})(request("https://anything.example")))
	assert.True(t, originChecker(nil)(request("https://anything.example")))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "10.0.0.7", clientIP(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
