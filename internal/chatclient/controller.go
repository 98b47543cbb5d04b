package chatclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/resideease/chat/internal/logger"
	"github.com/resideease/chat/internal/model"
	"github.com/resideease/chat/internal/wire"
)

const defaultTypingIdle = 2 * time.Second

// Transport is the slice of the Session the controller drives. The session
// instance is owned by the application root and shared by all open rooms;
// the controller never closes it.
type Transport interface {
	JoinRoom(roomID string) error
	LeaveRoom(roomID string) error
	Send(event wire.Event, payload any) error
	On(event wire.Event, h func(wire.Frame))
}

// HistoryFetcher is the REST history collaborator.
type HistoryFetcher interface {
	RoomMessages(ctx context.Context, roomID string) ([]model.Message, error)
}

// ControllerConfig wires a Controller. UserID and Username identify the
// local participant; without them the chat entry point is disabled entirely
// (NewController refuses to construct a broken composer).
type ControllerConfig struct {
	Transport  Transport
	History    HistoryFetcher
	UserID     string
	Username   string
	AckTimeout time.Duration
	TypingIdle time.Duration
	// TypingExpiry bounds how long a remote participant stays in the typing
	// set without a refresh.
	TypingExpiry time.Duration
}

// Controller orchestrates the store, tracker and presence into one
// render-ready view and translates user intent into transport operations.
type Controller struct {
	transport Transport
	history   HistoryFetcher
	store     *Store
	tracker   *Tracker
	presence  *Presence
	userID    string
	username  string

	mu          sync.Mutex
	roomID      string
	roomGen     uint64 // guards stale in-flight history fetches
	loaded      map[string]bool
	historyErr  map[string]error
	typingIdle  time.Duration
	typingOn    bool
	typingTimer *time.Timer
}

// View is the render-ready snapshot of one room.
type View struct {
	RoomID        string
	Messages      []model.Message
	Online        []model.Participant
	Typing        []string
	HistoryFailed bool
}

// ErrMissingIdentity disables the chat entry point when the room context is
// incomplete (no booking/sender/receiver identifiers).
var ErrMissingIdentity = errors.New("chatclient: missing participant identity")

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Transport == nil || cfg.History == nil {
		return nil, errors.New("chatclient: transport and history are required")
	}
	if cfg.UserID == "" || cfg.Username == "" {
		return nil, ErrMissingIdentity
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = defaultTypingIdle
	}
	store := NewStore()
	c := &Controller{
		transport:  cfg.Transport,
		history:    cfg.History,
		store:      store,
		tracker:    NewTracker(store, cfg.UserID, cfg.AckTimeout),
		presence:   NewPresence(cfg.TypingExpiry),
		userID:     cfg.UserID,
		username:   cfg.Username,
		loaded:     make(map[string]bool),
		historyErr: make(map[string]error),
		typingIdle: cfg.TypingIdle,
	}
	c.route()
	return c, nil
}

// route binds the inbound relay events to the three state components. Every
// handler is idempotent and keyed by serverId/tempId: duplicate or
// out-of-order delivery converges to the same state.
func (c *Controller) route() {
	c.transport.On(wire.EventReceiveMessage, func(f wire.Frame) {
		var p wire.ReceiveMessage
		if err := f.Bind(&p); err != nil {
			logger.Errorf("drop event: %v", err)
			return
		}
		if p.SenderID == c.userID {
			// The sender's own echo must merge into the optimistic entry,
			// never create a duplicate.
			c.store.Append(p.Message())
			if p.TempID != "" {
				c.tracker.MarkSent(p.TempID, p.ServerID)
			}
			return
		}
		c.store.Append(p.Message())
		// Acknowledge reading when the message belongs to the open room.
		c.mu.Lock()
		active := c.roomID == p.RoomID
		c.mu.Unlock()
		if active {
			if err := c.transport.Send(wire.EventMarkAsRead, &wire.MarkAsRead{ServerID: p.ServerID}); err != nil {
				logger.Errorf("mark_as_read %s: %v", p.ServerID, err)
			}
		}
	})

	c.transport.On(wire.EventMessageDelivered, func(f wire.Frame) {
		var p wire.MessageDelivered
		if err := f.Bind(&p); err != nil {
			logger.Errorf("drop event: %v", err)
			return
		}
		c.tracker.MarkSent(p.TempID, p.ServerID)
		c.tracker.MarkDelivered(p.ServerID)
	})

	c.transport.On(wire.EventMessageRead, func(f wire.Frame) {
		var p wire.MessageRead
		if err := f.Bind(&p); err != nil {
			logger.Errorf("drop event: %v", err)
			return
		}
		c.tracker.MarkRead(p.ServerID, p.ReaderID)
	})

	c.transport.On(wire.EventUserTyping, func(f wire.Frame) {
		var p wire.UserTyping
		if err := f.Bind(&p); err != nil {
			logger.Errorf("drop event: %v", err)
			return
		}
		if p.Username == c.username {
			return
		}
		c.presence.SetTyping(p.Username, p.IsTyping)
	})

	c.transport.On(wire.EventUserListUpdated, func(f wire.Frame) {
		var p wire.UserListUpdated
		if err := f.Bind(&p); err != nil {
			logger.Errorf("drop event: %v", err)
			return
		}
		c.presence.UpdateRoster(p.Participants)
	})
}

// OpenBookingRoom derives the room for a booking conversation and opens it.
// A missing identifier disables the chat entry point instead of rendering a
// broken composer.
func (c *Controller) OpenBookingRoom(ctx context.Context, bookingID, otherID string) error {
	if bookingID == "" || otherID == "" {
		return ErrMissingIdentity
	}
	return c.OpenRoom(ctx, model.RoomID(bookingID, c.userID, otherID))
}

// OpenRoom switches the view to a room: history first, then the live join.
// History is fetched once per room; a reconnect does not refetch it. A stale
// in-flight fetch for a previously open room can never overwrite the current
// one: results are applied only if the room generation still matches.
func (c *Controller) OpenRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrMissingIdentity
	}

	c.mu.Lock()
	prev := c.roomID
	c.roomID = roomID
	c.roomGen++
	gen := c.roomGen
	needHistory := !c.loaded[roomID]
	c.mu.Unlock()

	if prev != "" && prev != roomID {
		if err := c.transport.LeaveRoom(prev); err != nil {
			logger.Errorf("leave room %s: %v", prev, err)
		}
	}

	if needHistory {
		c.fetchHistory(ctx, roomID, gen)
	}

	if err := c.transport.JoinRoom(roomID); err != nil {
		return err
	}
	return nil
}

// CloseRoom leaves the current room (unmount). Appended history is kept.
func (c *Controller) CloseRoom() {
	c.mu.Lock()
	roomID := c.roomID
	c.roomID = ""
	c.roomGen++
	c.mu.Unlock()
	if roomID == "" {
		return
	}
	if err := c.transport.LeaveRoom(roomID); err != nil {
		logger.Errorf("leave room %s: %v", roomID, err)
	}
}

// ReloadHistory is the manual retry affordance after a failed fetch.
func (c *Controller) ReloadHistory(ctx context.Context) error {
	c.mu.Lock()
	roomID := c.roomID
	gen := c.roomGen
	c.mu.Unlock()
	if roomID == "" {
		return ErrMissingIdentity
	}
	c.fetchHistory(ctx, roomID, gen)
	c.mu.Lock()
	err := c.historyErr[roomID]
	c.mu.Unlock()
	return err
}

func (c *Controller) fetchHistory(ctx context.Context, roomID string, gen uint64) {
	msgs, err := c.history.RoomMessages(ctx, roomID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomGen != gen || c.roomID != roomID {
		// The user already switched rooms; drop the late response.
		return
	}
	if err != nil {
		// Room-level empty state with retry, never a global error.
		c.historyErr[roomID] = err
		logger.Errorf("history fetch %s: %v", roomID, err)
		return
	}
	delete(c.historyErr, roomID)
	c.loaded[roomID] = true
	c.store.ReplaceHistory(roomID, msgs)
}

// Send validates and sends a message: optimistic insert keyed by a fresh
// tempId, then the relay emit. An empty trimmed body is an idempotent no-op
// with no transport call and no store mutation.
func (c *Controller) Send(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", nil
	}
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return "", ErrMissingIdentity
	}

	tempID := uuid.New().String()
	m := model.Message{
		TempID:     tempID,
		RoomID:     roomID,
		SenderID:   c.userID,
		SenderName: c.username,
		Body:       body,
		CreatedAt:  time.Now().UTC(), // client estimate until confirmed
		Status:     model.MessageStatusPending,
	}
	c.store.Append(m)
	c.tracker.MarkPending(tempID)
	c.stopTyping()

	if err := c.emit(m); err != nil {
		c.tracker.MarkFailed(tempID, err)
		return tempID, err
	}
	return tempID, nil
}

// Retry re-emits a failed send with the same tempId.
func (c *Controller) Retry(tempID string) error {
	m, ok := c.tracker.Retry(tempID)
	if !ok {
		return errors.New("chatclient: nothing to retry")
	}
	if err := c.emit(m); err != nil {
		c.tracker.MarkFailed(tempID, err)
		return err
	}
	return nil
}

func (c *Controller) emit(m model.Message) error {
	return c.transport.Send(wire.EventSendMessage, &wire.SendMessage{
		TempID:     m.TempID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
	})
}

// NotifyTyping is called per keystroke. Emission is debounced: a burst
// triggers at most one typing:true, then exactly one typing:false after the
// idle period, bounding the outbound rate independent of keystroke rate.
func (c *Controller) NotifyTyping() {
	c.mu.Lock()
	if !c.typingOn {
		c.typingOn = true
		// Fail-fast while disconnected: a stale typing signal is worthless.
		if err := c.transport.Send(wire.EventTyping, &wire.Typing{IsTyping: true}); err != nil && !errors.Is(err, ErrTransportUnavailable) {
			logger.Errorf("typing signal: %v", err)
		}
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.typingIdle, c.stopTyping)
	c.mu.Unlock()
}

func (c *Controller) stopTyping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.typingOn {
		return
	}
	c.typingOn = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if err := c.transport.Send(wire.EventTyping, &wire.Typing{IsTyping: false}); err != nil && !errors.Is(err, ErrTransportUnavailable) {
		logger.Errorf("typing signal: %v", err)
	}
}

// Snapshot returns a consistent render-ready view of the open room.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	roomID := c.roomID
	_, failed := c.historyErr[roomID]
	c.mu.Unlock()
	return View{
		RoomID:        roomID,
		Messages:      c.store.Ordered(roomID),
		Online:        c.presence.Online(),
		Typing:        c.presence.Typing(),
		HistoryFailed: failed,
	}
}

// Store exposes the conversation store (read-side collaborators, tests).
func (c *Controller) Store() *Store { return c.store }

// Close releases timers. It does not touch the shared transport session.
func (c *Controller) Close() {
	c.stopTyping()
	c.tracker.Stop()
	c.presence.Stop()
}
