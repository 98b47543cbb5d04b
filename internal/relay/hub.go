package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/resideease/chat/internal/logger"
	"github.com/resideease/chat/internal/model"
	"github.com/resideease/chat/internal/storage"
	"github.com/resideease/chat/internal/wire"
)

// MessageStore persists relayed messages and their acknowledgment state.
// Implemented by repository.MessageRepository.
type MessageStore interface {
	Insert(ctx context.Context, m model.Message) (model.Message, error)
	MarkDelivered(ctx context.Context, serverID string) error
	MarkRead(ctx context.Context, serverID, readerID string) (roomID string, err error)
}

// Hub routes relay events between room members. Connections register and
// unregister through channels; room membership changes happen inline on the
// reading client's goroutine under the hub mutex.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]map[*Client]struct{}
	membership map[*Client]map[string]struct{}
	total      int
	maxConns   int
	messages   MessageStore
	roster     storage.RosterStore
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(messages MessageStore, roster storage.RosterStore, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		membership: make(map[*Client]map[string]struct{}),
		maxConns:   maxConns,
		messages:   messages,
		roster:     roster,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, len(h.membership))
	for c := range h.membership {
		allClients = append(allClients, c)
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.membership = make(map[*Client]map[string]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("relay connection limit reached (%d), rejecting", h.maxConns)
		c.Close()
		return
	}
	h.membership[c] = make(map[string]struct{})
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	joined, ok := h.membership[c]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.membership, c)
	h.total--
	roomIDs := make([]string, 0, len(joined))
	for roomID := range joined {
		roomIDs = append(roomIDs, roomID)
		if members, ok := h.rooms[roomID]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	h.mu.Unlock()

	// Network and roster I/O outside the lock.
	c.Close()

	userID, _ := c.Identity()
	if userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, roomID := range roomIDs {
		if err := h.roster.RemoveMember(ctx, roomID, userID); err != nil {
			logger.Errorf("relay roster remove room=%s user=%s: %v", roomID, userID, err)
		}
		h.broadcastRoster(ctx, roomID)
	}
}

// HandleFrame dispatches inbound relay events.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, frame wire.Frame) {
	switch frame.Event {
	case wire.EventRegisterUser:
		h.handleRegisterUser(c, frame)
	case wire.EventJoinRoom:
		h.handleJoinRoom(ctx, c, frame)
	case wire.EventLeaveRoom:
		h.handleLeaveRoom(ctx, c, frame)
	case wire.EventSendMessage:
		h.handleSendMessage(ctx, c, frame)
	case wire.EventTyping:
		h.handleTyping(c, frame)
	case wire.EventMarkAsRead:
		h.handleMarkAsRead(ctx, c, frame)
	default:
		h.sendError(c, "unknown event type")
	}
}

func (h *Hub) handleRegisterUser(c *Client, frame wire.Frame) {
	var p wire.RegisterUser
	if err := frame.Bind(&p); err != nil {
		h.sendError(c, "userId required")
		return
	}
	c.setIdentity(p.UserID, p.Username)
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, frame wire.Frame) {
	var p wire.JoinRoom
	if err := frame.Bind(&p); err != nil {
		h.sendError(c, "roomId required")
		return
	}
	userID, username := c.Identity()
	if userID == "" {
		h.sendError(c, "register_user required before join_room")
		return
	}

	h.mu.Lock()
	joined, ok := h.membership[c]
	if !ok {
		// Unregistered connection, likely racing shutdown.
		h.mu.Unlock()
		return
	}
	joined[p.RoomID] = struct{}{}
	members, ok := h.rooms[p.RoomID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[p.RoomID] = members
	}
	members[c] = struct{}{}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.roster.AddMember(ctx, p.RoomID, userID, username); err != nil {
		logger.Errorf("relay roster add room=%s user=%s: %v", p.RoomID, userID, err)
	}
	h.broadcastRoster(ctx, p.RoomID)
}

func (h *Hub) handleLeaveRoom(ctx context.Context, c *Client, frame wire.Frame) {
	var p wire.LeaveRoom
	if err := frame.Bind(&p); err != nil {
		h.sendError(c, "roomId required")
		return
	}

	h.mu.Lock()
	if joined, ok := h.membership[c]; ok {
		delete(joined, p.RoomID)
	}
	if members, ok := h.rooms[p.RoomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, p.RoomID)
		}
	}
	h.mu.Unlock()

	userID, _ := c.Identity()
	if userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.roster.RemoveMember(ctx, p.RoomID, userID); err != nil {
		logger.Errorf("relay roster remove room=%s user=%s: %v", p.RoomID, userID, err)
	}
	h.broadcastRoster(ctx, p.RoomID)
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, frame wire.Frame) {
	defer logger.DeferLogDuration("relay.handleSendMessage", time.Now())()
	var p wire.SendMessage
	if err := frame.Bind(&p); err != nil {
		h.sendError(c, "tempId, roomId, senderId and body required")
		return
	}
	if strings.TrimSpace(p.Body) == "" {
		h.sendError(c, "body required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stored, err := h.messages.Insert(ctx, model.Message{
		RoomID:     p.RoomID,
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		Body:       p.Body,
		Status:     model.MessageStatusSent,
	})
	if err != nil {
		logger.Errorf("relay save message room=%s sender=%s: %v", p.RoomID, p.SenderID, err)
		h.sendError(c, "failed to save message")
		return
	}

	// Persistence ack to the sender binds tempId to the assigned serverId.
	h.sendEvent(c, wire.EventMessageDelivered, &wire.MessageDelivered{
		TempID:   p.TempID,
		ServerID: stored.ServerID,
	})

	h.BroadcastMessage(stored, p.TempID, c)

	if err := h.messages.MarkDelivered(ctx, stored.ServerID); err != nil {
		logger.Errorf("relay mark delivered id=%s: %v", stored.ServerID, err)
	}
}

// BroadcastMessage fans the authoritative message copy out to every room
// member. The sender's copy carries the tempId so the client can reconcile
// its optimistic entry; sender may be nil for REST-originated messages.
func (h *Hub) BroadcastMessage(m model.Message, tempID string, sender *Client) {
	out := wire.ReceiveMessage{
		ServerID:   m.ServerID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	}
	withTemp := out
	withTemp.TempID = tempID

	for _, c := range h.roomClients(m.RoomID) {
		if c == sender {
			h.sendEvent(c, wire.EventReceiveMessage, &withTemp)
		} else {
			h.sendEvent(c, wire.EventReceiveMessage, &out)
		}
	}
}

func (h *Hub) handleTyping(c *Client, frame wire.Frame) {
	var p wire.Typing
	if err := frame.Bind(&p); err != nil {
		return
	}
	userID, username := c.Identity()
	if userID == "" {
		return
	}

	h.mu.RLock()
	joined := h.membership[c]
	roomIDs := make([]string, 0, len(joined))
	for roomID := range joined {
		roomIDs = append(roomIDs, roomID)
	}
	h.mu.RUnlock()

	out := wire.UserTyping{Username: username, IsTyping: p.IsTyping}
	for _, roomID := range roomIDs {
		for _, member := range h.roomClients(roomID) {
			if member != c {
				h.sendEvent(member, wire.EventUserTyping, &out)
			}
		}
	}
}

func (h *Hub) handleMarkAsRead(ctx context.Context, c *Client, frame wire.Frame) {
	var p wire.MarkAsRead
	if err := frame.Bind(&p); err != nil {
		h.sendError(c, "serverId required")
		return
	}
	userID, _ := c.Identity()
	if userID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roomID, err := h.messages.MarkRead(ctx, p.ServerID, userID)
	if err != nil {
		logger.Errorf("relay mark read id=%s user=%s: %v", p.ServerID, userID, err)
		return
	}

	out := wire.MessageRead{ServerID: p.ServerID, ReaderID: userID}
	for _, member := range h.roomClients(roomID) {
		h.sendEvent(member, wire.EventMessageRead, &out)
	}
}

func (h *Hub) broadcastRoster(ctx context.Context, roomID string) {
	participants, err := h.roster.Members(ctx, roomID)
	if err != nil {
		logger.Errorf("relay roster members room=%s: %v", roomID, err)
		return
	}
	if participants == nil {
		participants = []model.Participant{}
	}
	out := wire.UserListUpdated{Participants: participants}
	for _, member := range h.roomClients(roomID) {
		h.sendEvent(member, wire.EventUserListUpdated, &out)
	}
}

func (h *Hub) roomClients(roomID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[roomID]
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

func (h *Hub) sendEvent(c *Client, event wire.Event, payload any) {
	frame, err := wire.NewFrame(event, payload)
	if err != nil {
		logger.Errorf("relay encode %s: %v", event, err)
		return
	}
	h.sendToClient(c, frame)
}

func (h *Hub) sendError(c *Client, message string) {
	h.sendEvent(c, wire.EventError, &wire.ErrorPayload{Message: message})
}

func (h *Hub) sendToClient(c *Client, frame wire.Frame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		userID, _ := c.Identity()
		logger.Errorf("relay send buffer full, closing slow client user=%s", userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
