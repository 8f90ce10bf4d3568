package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dmchat/internal/auth"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/notify"
	"github.com/npezzotti/go-dmchat/internal/stats"
	"github.com/npezzotti/go-dmchat/internal/testutil"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newWebsocketServer serves a ChatServer backed by a migrated in-memory
// sqlite store.
func newWebsocketServer(t *testing.T, authn auth.Authenticator, notifier notify.Notifier) *httptest.Server {
	t.Helper()

	store, err := database.NewSQLStore(database.DriverSqlite, ":memory:")
	require.NoError(t, err, "failed to open sqlite store")
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(), "failed to migrate sqlite store")

	su := stats.NewStatsUpdater()
	su.Run()

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, Deps{
		Store:        store,
		Auth:         authn,
		Notifier:     notifier,
		Stats:        su,
		StoreTimeout: time.Second,
	})
	require.NoError(t, err)
	go cs.Run()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		c := NewClient(conn, cs, logger)
		if err := cs.RegisterClient(c); err != nil {
			conn.Close()
			return
		}

		go c.Write()
		go c.Read()
	}))

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
		su.Stop()
	})

	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "failed to dial websocket server")
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg), "failed to read server message")
	return msg
}

// readUntil skips messages until one carries key at the top level or in its
// notification.
func readUntil(t *testing.T, conn *websocket.Conn, key string) map[string]any {
	t.Helper()

	for range 10 {
		msg := readServerMessage(t, conn)
		if v, ok := msg[key]; ok {
			return v.(map[string]any)
		}
		if n, ok := msg["notification"].(map[string]any); ok {
			if v, ok := n[key]; ok {
				return v.(map[string]any)
			}
		}
	}

	t.Fatalf("no %q message received", key)
	return nil
}

func login(t *testing.T, conn *websocket.Conn, token string) map[string]any {
	t.Helper()

	require.NoError(t, conn.WriteJSON(map[string]any{"id": 1, "authenticate": map[string]any{"token": token}}))
	res := readUntil(t, conn, "response")
	require.EqualValues(t, http.StatusOK, res["response_code"], "expected authenticate to succeed: %v", res)
	return res
}

func TestWebsocket_Conversation(t *testing.T) {
	authn := &auth.MockAuthenticator{}
	authn.On("Authenticate", mock.Anything, "alice-token").Return(types.UserId("alice"), nil)
	authn.On("Authenticate", mock.Anything, "bob-token").Return(types.UserId("bob"), nil)

	srv := newWebsocketServer(t, authn, notify.NewLogNotifier(testutil.TestLogger(t)))

	alice := dial(t, srv)
	bob := dial(t, srv)

	login(t, alice, "alice-token")
	login(t, bob, "bob-token")

	presence := readUntil(t, alice, "presence_changed")
	assert.Equal(t, "bob", presence["user_id"])
	assert.Equal(t, true, presence["online"])

	require.NoError(t, bob.WriteJSON(map[string]any{"id": 2, "join_conversation": map[string]any{"conversation_id": "alice_bob"}}))
	res := readUntil(t, bob, "response")
	require.EqualValues(t, http.StatusOK, res["response_code"])

	require.NoError(t, alice.WriteJSON(map[string]any{"id": 3, "send_message": map[string]any{"to": "bob", "text": "a"}}))
	require.NoError(t, alice.WriteJSON(map[string]any{"id": 4, "send_message": map[string]any{"to": "bob", "text": "b"}}))

	first := readUntil(t, bob, "message_delivered")
	second := readUntil(t, bob, "message_delivered")
	assert.Equal(t, "a", first["text"])
	assert.Equal(t, "b", second["text"])
	assert.Equal(t, "alice_bob", first["conversation_id"])
	assert.Less(t, first["seq_id"].(float64), second["seq_id"].(float64), "expected increasing sequence ids")

	require.NoError(t, bob.WriteJSON(map[string]any{"id": 5, "mark_read": map[string]any{"other_user_id": "alice"}}))
	res = readUntil(t, bob, "response")
	require.EqualValues(t, http.StatusOK, res["response_code"])
	assert.EqualValues(t, 2, res["data"].(map[string]any)["count"])

	require.NoError(t, bob.WriteJSON(map[string]any{"id": 6, "history": map[string]any{"other_user_id": "alice", "limit": 1}}))
	res = readUntil(t, bob, "response")
	require.EqualValues(t, http.StatusOK, res["response_code"])
	page := res["data"].(map[string]any)
	assert.Equal(t, true, page["has_more"])
	msgs := page["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "b", msgs[0].(map[string]any)["text"])
	assert.Equal(t, true, msgs[0].(map[string]any)["read"])

	require.NoError(t, bob.Close())
	presence = readUntil(t, alice, "presence_changed")
	assert.Equal(t, "bob", presence["user_id"])
	assert.Equal(t, false, presence["online"])
	assert.NotEmpty(t, presence["last_seen"], "expected last seen on the wire")
}

func TestWebsocket_RejectsMalformedFrames(t *testing.T) {
	srv := newWebsocketServer(t, &auth.MockAuthenticator{}, notify.NewLogNotifier(testutil.TestLogger(t)))
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	res := readUntil(t, conn, "response")
	assert.EqualValues(t, http.StatusBadRequest, res["response_code"])
	assert.Equal(t, "invalid message format", res["error"])

	require.NoError(t, conn.WriteJSON(map[string]any{"id": 2, "mark_read": map[string]any{"other_user_id": "bob"}}))
	res = readUntil(t, conn, "response")
	assert.EqualValues(t, http.StatusUnauthorized, res["response_code"])
}

func TestWebsocket_OfflineRecipientScenario(t *testing.T) {
	authn := &auth.MockAuthenticator{}
	authn.On("Authenticate", mock.Anything, "u1-token").Return(types.UserId("u1"), nil)
	authn.On("Authenticate", mock.Anything, "u2-token").Return(types.UserId("u2"), nil)

	notified := make(chan struct{})
	notifier := &notify.MockNotifier{}
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n types.MessageNotification) bool {
		return n.To == "u2" && n.Message.Body == "hello"
	})).Run(func(mock.Arguments) { close(notified) }).Return(nil).Once()

	srv := newWebsocketServer(t, authn, notifier)

	u1 := dial(t, srv)
	login(t, u1, "u1-token")

	require.NoError(t, u1.WriteJSON(map[string]any{"id": 2, "join_conversation": map[string]any{"conversation_id": "u1_u2"}}))
	res := readUntil(t, u1, "response")
	require.EqualValues(t, http.StatusOK, res["response_code"])

	require.NoError(t, u1.WriteJSON(map[string]any{"id": 3, "send_message": map[string]any{"to": "u2", "text": "hello"}}))
	res = readUntil(t, u1, "response")
	require.EqualValues(t, http.StatusOK, res["response_code"], "expected the send to succeed: %v", res)
	sent := res["data"].(map[string]any)
	assert.Equal(t, false, sent["read"])

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("expected an out-of-band notification")
	}

	u2 := dial(t, srv)
	seed := login(t, u2, "u2-token")
	summaries := seed["data"].(map[string]any)["conversations"].([]any)
	require.Len(t, summaries, 1)
	assert.EqualValues(t, 1, summaries[0].(map[string]any)["unread_count"])

	pending := readUntil(t, u2, "message_notification")
	assert.Equal(t, "hello", pending["message"].(map[string]any)["text"])

	require.NoError(t, u2.WriteJSON(map[string]any{"id": 2, "join_conversation": map[string]any{"conversation_id": "u1_u2"}}))
	res = readUntil(t, u2, "response")
	require.EqualValues(t, http.StatusOK, res["response_code"])

	require.NoError(t, u2.WriteJSON(map[string]any{"id": 3, "history": map[string]any{"other_user_id": "u1"}}))
	res = readUntil(t, u2, "response")
	require.EqualValues(t, http.StatusOK, res["response_code"])
	msgs := res["data"].(map[string]any)["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].(map[string]any)["text"])
	assert.Equal(t, false, msgs[0].(map[string]any)["read"])

	require.NoError(t, u2.WriteJSON(map[string]any{"id": 4, "mark_read": map[string]any{"other_user_id": "u1"}}))
	res = readUntil(t, u2, "response")
	assert.EqualValues(t, 1, res["data"].(map[string]any)["count"])

	receipt := readUntil(t, u1, "messages_read")
	assert.Equal(t, "u2", receipt["reader_id"])
	assert.Equal(t, "u1", receipt["other_user_id"])

	require.NoError(t, u2.WriteJSON(map[string]any{"id": 5, "mark_read": map[string]any{"other_user_id": "u1"}}))
	res = readUntil(t, u2, "response")
	assert.EqualValues(t, 0, res["data"].(map[string]any)["count"])

	notifier.AssertExpectations(t)
}
