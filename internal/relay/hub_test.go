package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resideease/chat/internal/handler"
	"github.com/resideease/chat/internal/model"
	"github.com/resideease/chat/internal/relay"
	"github.com/resideease/chat/internal/storage/memory"
	"github.com/resideease/chat/internal/wire"
)

// fakeMessageStore assigns incrementing server ids in memory and records the
// ack calls the hub makes.
type fakeMessageStore struct {
	mu        sync.Mutex
	nextID    int64
	byID      map[string]model.Message
	delivered []string
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{byID: make(map[string]model.Message)}
}

func (s *fakeMessageStore) Insert(ctx context.Context, m model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ServerID = strconv.FormatInt(s.nextID, 10)
	m.CreatedAt = time.Now().UTC()
	s.byID[m.ServerID] = m
	return m, nil
}

func (s *fakeMessageStore) MarkDelivered(ctx context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, serverID)
	return nil
}

func (s *fakeMessageStore) MarkRead(ctx context.Context, serverID, readerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[serverID]
	if !ok {
		return "", context.Canceled
	}
	return m.RoomID, nil
}

type hubFixture struct {
	store *fakeMessageStore
	hub   *relay.Hub
	srv   *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	store := newFakeMessageStore()
	hub := relay.NewHub(store, memory.New(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	wsH := handler.NewWSHandler(hub, "*")
	srv := httptest.NewServer(http.HandlerFunc(wsH.ServeWS))
	t.Cleanup(srv.Close)

	return &hubFixture{store: store, hub: hub, srv: srv}
}

// conn is a raw relay connection speaking wire frames, without any of the
// client-side session logic.
type conn struct {
	t  *testing.T
	ws *websocket.Conn
}

func (f *hubFixture) dial(t *testing.T) *conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &conn{t: t, ws: ws}
}

func (c *conn) emit(event wire.Event, payload any) {
	c.t.Helper()
	frame, err := wire.NewFrame(event, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(frame))
}

func (c *conn) next() wire.Frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wire.Frame
	require.NoError(c.t, c.ws.ReadJSON(&f))
	return f
}

// nextOf reads frames until one with the wanted event arrives, skipping
// interleaved roster updates.
func (c *conn) nextOf(event wire.Event) wire.Frame {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		f := c.next()
		if f.Event == event {
			return f
		}
	}
	c.t.Fatalf("no %s frame received", event)
	return wire.Frame{}
}

func join(t *testing.T, f *hubFixture, userID, username, roomID string) *conn {
	t.Helper()
	c := f.dial(t)
	c.emit(wire.EventRegisterUser, &wire.RegisterUser{UserID: userID, Username: username})
	c.emit(wire.EventJoinRoom, &wire.JoinRoom{RoomID: roomID})
	c.nextOf(wire.EventUserListUpdated)
	return c
}

func TestHubJoinBroadcastsRoster(t *testing.T) {
	f := newHubFixture(t)

	alice := join(t, f, "u1", "Alice", "R1")

	bob := f.dial(t)
	bob.emit(wire.EventRegisterUser, &wire.RegisterUser{UserID: "u2", Username: "Bob"})
	bob.emit(wire.EventJoinRoom, &wire.JoinRoom{RoomID: "R1"})

	// Both members see the full roster, replaced wholesale.
	frame := alice.nextOf(wire.EventUserListUpdated)
	var p wire.UserListUpdated
	require.NoError(t, frame.Bind(&p))
	require.Len(t, p.Participants, 2)
	assert.Equal(t, "Alice", p.Participants[0].DisplayName)
	assert.Equal(t, "Bob", p.Participants[1].DisplayName)
}

func TestHubSendMessageAcksAndBroadcasts(t *testing.T) {
	f := newHubFixture(t)
	alice := join(t, f, "u1", "Alice", "R1")
	bob := join(t, f, "u2", "Bob", "R1")
	alice.nextOf(wire.EventUserListUpdated) // Bob joining

	alice.emit(wire.EventSendMessage, &wire.SendMessage{
		TempID: "t1", RoomID: "R1", SenderID: "u1", SenderName: "Alice", Body: "hello",
	})

	// The sender gets the persistence ack binding tempId to the server id.
	ack := alice.nextOf(wire.EventMessageDelivered)
	var del wire.MessageDelivered
	require.NoError(t, ack.Bind(&del))
	assert.Equal(t, "t1", del.TempID)
	assert.Equal(t, "1", del.ServerID)

	// The sender's echo carries the tempId; the other member's copy does not.
	echo := alice.nextOf(wire.EventReceiveMessage)
	var rm wire.ReceiveMessage
	require.NoError(t, echo.Bind(&rm))
	assert.Equal(t, "t1", rm.TempID)
	assert.Equal(t, "hello", rm.Body)

	got := bob.nextOf(wire.EventReceiveMessage)
	var rm2 wire.ReceiveMessage
	require.NoError(t, got.Bind(&rm2))
	assert.Empty(t, rm2.TempID)
	assert.Equal(t, "1", rm2.ServerID)
	assert.Equal(t, "u1", rm2.SenderID)

	require.Eventually(t, func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return len(f.store.delivered) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHubMarkAsReadFansOutToRoom(t *testing.T) {
	f := newHubFixture(t)
	alice := join(t, f, "u1", "Alice", "R1")
	bob := join(t, f, "u2", "Bob", "R1")
	alice.nextOf(wire.EventUserListUpdated)

	alice.emit(wire.EventSendMessage, &wire.SendMessage{
		TempID: "t1", RoomID: "R1", SenderID: "u1", SenderName: "Alice", Body: "hello",
	})
	bob.nextOf(wire.EventReceiveMessage)

	bob.emit(wire.EventMarkAsRead, &wire.MarkAsRead{ServerID: "1"})

	frame := alice.nextOf(wire.EventMessageRead)
	var p wire.MessageRead
	require.NoError(t, frame.Bind(&p))
	assert.Equal(t, "1", p.ServerID)
	assert.Equal(t, "u2", p.ReaderID)
}

func TestHubTypingReachesOthersOnly(t *testing.T) {
	f := newHubFixture(t)
	alice := join(t, f, "u1", "Alice", "R1")
	bob := join(t, f, "u2", "Bob", "R1")
	alice.nextOf(wire.EventUserListUpdated)

	alice.emit(wire.EventTyping, &wire.Typing{IsTyping: true})

	frame := bob.nextOf(wire.EventUserTyping)
	var p wire.UserTyping
	require.NoError(t, frame.Bind(&p))
	assert.Equal(t, "Alice", p.Username)
	assert.True(t, p.IsTyping)
}

func TestHubLeaveRoomUpdatesRoster(t *testing.T) {
	f := newHubFixture(t)
	alice := join(t, f, "u1", "Alice", "R1")
	bob := join(t, f, "u2", "Bob", "R1")
	alice.nextOf(wire.EventUserListUpdated)

	bob.emit(wire.EventLeaveRoom, &wire.LeaveRoom{RoomID: "R1"})

	frame := alice.nextOf(wire.EventUserListUpdated)
	var p wire.UserListUpdated
	require.NoError(t, frame.Bind(&p))
	require.Len(t, p.Participants, 1)
	assert.Equal(t, "Alice", p.Participants[0].DisplayName)
}

func TestHubRejectsJoinBeforeRegister(t *testing.T) {
	f := newHubFixture(t)
	c := f.dial(t)
	c.emit(wire.EventJoinRoom, &wire.JoinRoom{RoomID: "R1"})

	frame := c.nextOf(wire.EventError)
	var p wire.ErrorPayload
	require.NoError(t, frame.Bind(&p))
	assert.Contains(t, p.Message, "register_user")
}

func TestHubUnknownEventReturnsError(t *testing.T) {
	f := newHubFixture(t)
	c := f.dial(t)
	c.emit(wire.Event("dance"), nil)

	frame := c.nextOf(wire.EventError)
	var p wire.ErrorPayload
	require.NoError(t, frame.Bind(&p))
	assert.Equal(t, "unknown event type", p.Message)
}

func TestHubDisconnectRemovesFromRoster(t *testing.T) {
	f := newHubFixture(t)
	alice := join(t, f, "u1", "Alice", "R1")
	bob := join(t, f, "u2", "Bob", "R1")
	alice.nextOf(wire.EventUserListUpdated)

	require.NoError(t, bob.ws.Close())

	frame := alice.nextOf(wire.EventUserListUpdated)
	var p wire.UserListUpdated
	require.NoError(t, frame.Bind(&p))
	require.Len(t, p.Participants, 1)
	assert.Equal(t, "Alice", p.Participants[0].DisplayName)
}
