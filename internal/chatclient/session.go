package chatclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/resideease/chat/internal/logger"
	"github.com/resideease/chat/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536

	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
	defaultQueueLimit  = 50
)

// Identity is the credential pair announced via register_user.
type Identity struct {
	UserID   string
	Username string
}

// SessionConfig tunes a Session. Zero values fall back to defaults.
type SessionConfig struct {
	Endpoint         string
	Identity         Identity
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	QueueLimit       int
	HandshakeTimeout time.Duration
}

// Session is the single long-lived relay connection shared by all open rooms
// of one client. It reconnects with exponential backoff on unexpected
// disconnects and replays register_user plus join_room for every joined room,
// since room membership is not persisted by the transport.
//
// Delivery is at-least-once while connected; downstream components
// de-duplicate by serverId/tempId. While disconnected, message sends queue up
// to QueueLimit and ephemeral signals fail fast with ErrTransportUnavailable.
type Session struct {
	cfg    SessionConfig
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	rooms     map[string]struct{}
	queue     []wire.Frame
	handlers  map[wire.Event][]func(wire.Frame)
	closed    bool

	writeMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSession constructs a disconnected Session. The caller owns its
// lifecycle: construction and Disconnect happen at the application root, and
// components receive the instance by reference.
func NewSession(cfg SessionConfig) *Session {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = defaultQueueLimit
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Session{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		rooms:    make(map[string]struct{}),
		handlers: make(map[wire.Event][]func(wire.Frame)),
		done:     make(chan struct{}),
	}
}

// On registers a handler for an inbound event. Handlers run sequentially on
// the session's dispatch goroutine, so they need no internal ordering logic.
// Registration must happen before Connect.
func (s *Session) On(event wire.Event, h func(wire.Frame)) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.mu.Unlock()
}

// Connect dials the relay and performs the register/join handshake. The
// initial dial failure is returned to the caller; reconnects after an
// established session are automatic.
func (s *Session) Connect(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("session connect %s: %w", s.cfg.Endpoint, err)
	}
	if err := s.adopt(conn); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Connected reports whether the relay connection is currently established.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// JoinRoom subscribes to a room. Membership is remembered so it survives
// reconnects; the join frame is sent immediately when connected.
func (s *Session) JoinRoom(roomID string) error {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	connected := s.connected
	conn := s.conn
	s.mu.Unlock()
	if !connected {
		return nil
	}
	f, err := wire.NewFrame(wire.EventJoinRoom, &wire.JoinRoom{RoomID: roomID})
	if err != nil {
		return err
	}
	return s.writeFrame(conn, f)
}

// LeaveRoom cancels interest in a room's events. Already-appended history is
// untouched; only future relay events stop.
func (s *Session) LeaveRoom(roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	connected := s.connected
	conn := s.conn
	s.mu.Unlock()
	if !connected {
		return nil
	}
	f, err := wire.NewFrame(wire.EventLeaveRoom, &wire.LeaveRoom{RoomID: roomID})
	if err != nil {
		return err
	}
	return s.writeFrame(conn, f)
}

// Send emits an outbound event. Policy while disconnected: durable events
// (send_message, mark_as_read) queue up to the bounded limit; everything
// else fails fast — a stale typing signal is worthless after reconnect.
func (s *Session) Send(event wire.Event, payload any) error {
	f, err := wire.NewFrame(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrTransportUnavailable
	}
	if !s.connected {
		if !durable(event) {
			s.mu.Unlock()
			return ErrTransportUnavailable
		}
		if len(s.queue) >= s.cfg.QueueLimit {
			s.mu.Unlock()
			return fmt.Errorf("%w: outbound queue full", ErrTransportUnavailable)
		}
		s.queue = append(s.queue, f)
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.mu.Unlock()
	return s.writeFrame(conn, f)
}

// Disconnect tears the session down for good. Only the application root may
// call it; no component closes the shared session.
func (s *Session) Disconnect() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.connected = false
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	s.wg.Wait()
}

func durable(event wire.Event) bool {
	return event == wire.EventSendMessage || event == wire.EventMarkAsRead
}

// adopt installs a fresh connection: handshake, queued-frame flush, pumps.
func (s *Session) adopt(conn *websocket.Conn) error {
	if err := s.handshake(conn); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrTransportUnavailable
	}
	s.conn = conn
	s.connected = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, f := range pending {
		if err := s.writeFrame(conn, f); err != nil {
			logger.Errorf("session flush queued %s: %v", f.Event, err)
			break
		}
	}

	stop := make(chan struct{})
	s.wg.Add(2)
	go s.readLoop(conn, stop)
	go s.pingLoop(conn, stop)
	return nil
}

// handshake re-announces identity and room membership on the new connection.
func (s *Session) handshake(conn *websocket.Conn) error {
	reg, err := wire.NewFrame(wire.EventRegisterUser, &wire.RegisterUser{
		Username: s.cfg.Identity.Username,
		UserID:   s.cfg.Identity.UserID,
	})
	if err != nil {
		return err
	}
	if err := s.writeFrame(conn, reg); err != nil {
		return fmt.Errorf("session register: %w", err)
	}

	s.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	for _, roomID := range rooms {
		f, err := wire.NewFrame(wire.EventJoinRoom, &wire.JoinRoom{RoomID: roomID})
		if err != nil {
			return err
		}
		if err := s.writeFrame(conn, f); err != nil {
			return fmt.Errorf("session rejoin %s: %w", roomID, err)
		}
	}
	return nil
}

func (s *Session) writeFrame(conn *websocket.Conn, f wire.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// readLoop is the client's single logical thread of control: every inbound
// frame is dispatched from here, so handlers never race each other.
func (s *Session) readLoop(conn *websocket.Conn, stop chan struct{}) {
	defer s.wg.Done()
	defer close(stop)

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("session set read deadline: %v", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("session read: %v", err)
			}
			s.lost(conn)
			return
		}

		frame, err := wire.ParseFrame(raw)
		if err != nil {
			// Malformed events are dropped and logged, never fatal.
			logger.Errorf("session drop frame: %v", err)
			continue
		}

		s.mu.Lock()
		handlers := s.handlers[frame.Event]
		s.mu.Unlock()
		for _, h := range handlers {
			h(frame)
		}
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
			return
		case <-ticker.C:
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// lost marks the connection down and starts the backoff reconnect loop,
// unless the session was deliberately disconnected.
func (s *Session) lost(conn *websocket.Conn) {
	conn.Close()
	s.mu.Lock()
	if s.conn != conn || s.closed {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}

	logger.Info("session disconnected, reconnecting")
	s.wg.Add(1)
	go s.reconnectLoop()
}

func (s *Session) reconnectLoop() {
	defer s.wg.Done()
	backoff := s.cfg.BackoffBase
	for {
		select {
		case <-s.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		conn, _, err := s.dialer.DialContext(ctx, s.cfg.Endpoint, nil)
		cancel()
		if err == nil {
			if err = s.adopt(conn); err != nil {
				conn.Close()
			}
		}
		if err == nil {
			logger.Info("session reconnected")
			return
		}

		logger.Errorf("session reconnect failed, retry in %v: %v", backoff, err)
		backoff *= 2
		if backoff > s.cfg.BackoffCap {
			backoff = s.cfg.BackoffCap
		}
	}
}
