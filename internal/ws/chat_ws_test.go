package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigconnect-chat/internal/auth"
	"gigconnect-chat/internal/models"
	"gigconnect-chat/internal/repositories"
	"gigconnect-chat/internal/service"
)

type testServer struct {
	url   string
	hub   *Hub
	svc   *service.ChatService
	jwt   *auth.JWT
	store *repositories.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repositories.NewMemoryStore()
	for _, id := range []int{1, 2, 3} {
		require.NoError(t, store.UpsertUser(context.Background(), models.User{ID: id}))
	}
	hub := NewHub()
	svc := service.New(store, store, store, hub)
	jwt := auth.NewJWT("secret", "")
	handler := NewHandler(hub, svc, jwt, nil, nil, Config{PingInterval: time.Second, PongWait: 2 * time.Second, WriteWait: time.Second, SendBuffer: 16})

	router := gin.New()
	router.GET("/ws", handler.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", hub: hub, svc: svc, jwt: jwt, store: store}
}

func (ts *testServer) dial(t *testing.T, userID int) *websocket.Conn {
	t.Helper()
	token, err := ts.jwt.Issue(userID, "", time.Hour)
	require.NoError(t, err)
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(ts.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ready := readUntil(t, conn, models.EventSessionReady)
	require.Equal(t, userID, ready.UserID)
	require.NotEmpty(t, ready.SessionID)
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType string) models.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var evt models.Event
		require.NoError(t, conn.ReadJSON(&evt), "waiting for %s", eventType)
		if evt.Type == eventType {
			return evt
		}
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(ts.url+"?token=garbage", nil)
	require.NoError(t, err)
	defer conn.Close()

	var evt models.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, models.EventAuthFailed, evt.Type)
	require.NotNil(t, evt.Error)
	assert.Equal(t, "unauthenticated", evt.Error.Code)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Zero(t, ts.hub.SessionCount())
}

func TestHandshakeAcceptsQueryToken(t *testing.T) {
	ts := newTestServer(t)
	token, err := ts.jwt.Issue(2, "", time.Hour)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(ts.url+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 2, readUntil(t, conn, models.EventSessionReady).UserID)
}

func TestJoinRequiresParticipation(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	chat, _, err := ts.svc.GetOrCreateChat(ctx, 1, 2, nil)
	require.NoError(t, err)

	outsider := ts.dial(t, 3)
	require.NoError(t, outsider.WriteJSON(models.ClientFrame{Type: models.FrameChatJoin, ChatID: chat.ChatID}))
	evt := readUntil(t, outsider, models.EventError)
	assert.Equal(t, "forbidden", evt.Error.Code)
	assert.Zero(t, ts.hub.RoomSize(chat.ChatID))

	member := ts.dial(t, 2)
	require.NoError(t, member.WriteJSON(models.ClientFrame{Type: models.FrameChatJoin, ChatID: chat.ChatID}))
	joined := readUntil(t, member, models.EventChatJoined)
	assert.Equal(t, chat.ChatID, joined.ChatID)

	msg, err := ts.svc.Append(ctx, models.NewMessage{ChatID: chat.ChatID, SenderID: 1, Content: "hello"})
	require.NoError(t, err)
	created := readUntil(t, member, models.EventMessageCreated)
	require.NotNil(t, created.Message)
	assert.Equal(t, msg.ID, created.Message.ID)
}

func TestTypingRelayedToOthersOnlyAfterJoin(t *testing.T) {
	ts := newTestServer(t)
	chat, _, err := ts.svc.GetOrCreateChat(context.Background(), 1, 2, nil)
	require.NoError(t, err)

	alice := ts.dial(t, 1)
	bob := ts.dial(t, 2)
	for _, c := range []*websocket.Conn{alice, bob} {
		require.NoError(t, c.WriteJSON(models.ClientFrame{Type: models.FrameChatJoin, ChatID: chat.ChatID}))
		readUntil(t, c, models.EventChatJoined)
	}

	require.NoError(t, alice.WriteJSON(models.ClientFrame{Type: models.FrameTypingStarted, ChatID: chat.ChatID}))
	evt := readUntil(t, bob, models.EventTypingStarted)
	assert.Equal(t, 1, evt.UserID)

	require.NoError(t, bob.WriteJSON(models.ClientFrame{Type: models.FrameChatLeave, ChatID: chat.ChatID}))
	readUntil(t, bob, models.EventChatLeft)
	require.NoError(t, bob.WriteJSON(models.ClientFrame{Type: models.FrameTypingStarted, ChatID: chat.ChatID}))
	require.NoError(t, bob.WriteJSON(models.ClientFrame{Type: "bogus"}))
	readUntil(t, bob, models.EventError)

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var stray models.Event
	err = alice.ReadJSON(&stray)
	if err == nil {
		assert.NotEqual(t, models.EventTypingStarted, stray.Type, "typing from a session outside the room must not be relayed")
	}
}

func TestReadMarkFrameUpdatesUnread(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	chat, _, err := ts.svc.GetOrCreateChat(ctx, 1, 2, nil)
	require.NoError(t, err)
	msg, err := ts.svc.Append(ctx, models.NewMessage{ChatID: chat.ChatID, SenderID: 1, Content: "hello"})
	require.NoError(t, err)

	bob := ts.dial(t, 2)
	require.NoError(t, bob.WriteJSON(models.ClientFrame{Type: models.FrameChatJoin, ChatID: chat.ChatID}))
	readUntil(t, bob, models.EventChatJoined)
	require.NoError(t, bob.WriteJSON(models.ClientFrame{Type: models.FrameReadMark, ChatID: chat.ChatID, UpToID: msg.ID}))

	read := readUntil(t, bob, models.EventMessageRead)
	assert.Equal(t, msg.ID, read.Read.UpToID)
	list, err := ts.svc.ListChats(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, list[0].Unread)
}

func TestPresenceAnnouncedToCounterparts(t *testing.T) {
	ts := newTestServer(t)
	_, _, err := ts.svc.GetOrCreateChat(context.Background(), 1, 2, nil)
	require.NoError(t, err)

	bob := ts.dial(t, 2)
	alice := ts.dial(t, 1)

	online := readUntil(t, bob, models.EventPresenceChanged)
	assert.Equal(t, 1, online.Presence.UserID)
	assert.True(t, online.Presence.Online)

	require.NoError(t, alice.Close())
	offline := readUntil(t, bob, models.EventPresenceChanged)
	assert.False(t, offline.Presence.Online)
}
