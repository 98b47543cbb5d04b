package chatclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resideease/chat/internal/wire"
)

// testRelay is a minimal relay endpoint: it accepts connections, records
// every inbound frame and can slam connections shut to provoke reconnects.
type testRelay struct {
	srv    *httptest.Server
	frames chan wire.Frame

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{frames: make(chan wire.Frame, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := wire.ParseFrame(raw)
			if err != nil {
				continue
			}
			r.frames <- frame
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) dropConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		c.Close()
	}
	r.conns = nil
}

func (r *testRelay) send(t *testing.T, event wire.Event, payload any) {
	t.Helper()
	frame, err := wire.NewFrame(event, payload)
	require.NoError(t, err)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.conns)
	require.NoError(t, r.conns[len(r.conns)-1].WriteJSON(frame))
}

func (r *testRelay) nextFrame(t *testing.T) wire.Frame {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return wire.Frame{}
	}
}

func newTestSession(relay *testRelay, queueLimit int) *Session {
	return NewSession(SessionConfig{
		Endpoint:    relay.url(),
		Identity:    Identity{UserID: "alice", Username: "Alice"},
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
		QueueLimit:  queueLimit,
	})
}

func TestSessionConnectRegistersAndJoins(t *testing.T) {
	relay := newTestRelay(t)
	s := newTestSession(relay, 0)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))

	reg := relay.nextFrame(t)
	require.Equal(t, wire.EventRegisterUser, reg.Event)
	var id wire.RegisterUser
	require.NoError(t, reg.Bind(&id))
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "Alice", id.Username)

	require.NoError(t, s.JoinRoom("R1"))
	join := relay.nextFrame(t)
	require.Equal(t, wire.EventJoinRoom, join.Event)
	var jr wire.JoinRoom
	require.NoError(t, join.Bind(&jr))
	assert.Equal(t, "R1", jr.RoomID)
}

func TestSessionReconnectReplaysRoomMembership(t *testing.T) {
	relay := newTestRelay(t)
	s := newTestSession(relay, 0)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.JoinRoom("R1"))
	relay.nextFrame(t) // register_user
	relay.nextFrame(t) // join_room

	relay.dropConnections()

	// The session must re-register and re-join R1 with no caller action.
	reg := relay.nextFrame(t)
	assert.Equal(t, wire.EventRegisterUser, reg.Event)
	join := relay.nextFrame(t)
	require.Equal(t, wire.EventJoinRoom, join.Event)
	var jr wire.JoinRoom
	require.NoError(t, join.Bind(&jr))
	assert.Equal(t, "R1", jr.RoomID)

	require.Eventually(t, s.Connected, 2*time.Second, 10*time.Millisecond)
}

func TestSessionQueuesMessageSendsWhileDisconnected(t *testing.T) {
	relay := newTestRelay(t)
	s := newTestSession(relay, 2)
	defer s.Disconnect()

	// Not connected yet: message sends queue, up to the bound.
	require.NoError(t, s.Send(wire.EventSendMessage, &wire.SendMessage{
		TempID: "t1", RoomID: "R", SenderID: "alice", SenderName: "Alice", Body: "one",
	}))
	require.NoError(t, s.Send(wire.EventSendMessage, &wire.SendMessage{
		TempID: "t2", RoomID: "R", SenderID: "alice", SenderName: "Alice", Body: "two",
	}))
	err := s.Send(wire.EventSendMessage, &wire.SendMessage{
		TempID: "t3", RoomID: "R", SenderID: "alice", SenderName: "Alice", Body: "three",
	})
	assert.ErrorIs(t, err, ErrTransportUnavailable)

	// Ephemeral signals fail fast instead of queueing: stale typing is noise.
	err = s.Send(wire.EventTyping, &wire.Typing{IsTyping: true})
	assert.ErrorIs(t, err, ErrTransportUnavailable)

	require.NoError(t, s.Connect(context.Background()))
	relay.nextFrame(t) // register_user

	first := relay.nextFrame(t)
	require.Equal(t, wire.EventSendMessage, first.Event)
	var p wire.SendMessage
	require.NoError(t, first.Bind(&p))
	assert.Equal(t, "t1", p.TempID, "queued frames flush in order")

	second := relay.nextFrame(t)
	require.NoError(t, second.Bind(&p))
	assert.Equal(t, "t2", p.TempID)
}

func TestSessionDispatchesInboundFrames(t *testing.T) {
	relay := newTestRelay(t)
	s := newTestSession(relay, 0)
	defer s.Disconnect()

	got := make(chan wire.ReceiveMessage, 1)
	s.On(wire.EventReceiveMessage, func(f wire.Frame) {
		var p wire.ReceiveMessage
		if err := f.Bind(&p); err != nil {
			return
		}
		got <- p
	})

	require.NoError(t, s.Connect(context.Background()))
	relay.nextFrame(t) // register_user

	relay.send(t, wire.EventReceiveMessage, &wire.ReceiveMessage{
		ServerID: "s1", RoomID: "R", SenderID: "bob", SenderName: "Bob", Body: "hey",
	})

	select {
	case p := <-got:
		assert.Equal(t, "s1", p.ServerID)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame not dispatched")
	}
}

func TestSessionSendAfterDisconnectFails(t *testing.T) {
	relay := newTestRelay(t)
	s := newTestSession(relay, 0)
	require.NoError(t, s.Connect(context.Background()))
	s.Disconnect()

	err := s.Send(wire.EventSendMessage, &wire.SendMessage{
		TempID: "t1", RoomID: "R", SenderID: "alice", SenderName: "Alice", Body: "late",
	})
	assert.ErrorIs(t, err, ErrTransportUnavailable)
}
