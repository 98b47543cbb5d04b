// Package wire defines the relay event contract shared by the client and the
// relay server. Event names and payload field names are the wire contract;
// both sides must reproduce them exactly.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/resideease/chat/internal/model"
)

type Event string

const (
	// Outbound (client -> relay).
	EventRegisterUser Event = "register_user"
	EventJoinRoom     Event = "join_room"
	EventLeaveRoom    Event = "leave_room"
	EventSendMessage  Event = "send_message"
	EventTyping       Event = "typing"
	EventMarkAsRead   Event = "mark_as_read"

	// Inbound (relay -> client).
	EventReceiveMessage   Event = "receive_message"
	EventUserTyping       Event = "user_typing"
	EventUserListUpdated  Event = "user_list_updated"
	EventMessageRead      Event = "message_read"
	EventMessageDelivered Event = "message_delivered"
	EventError            Event = "error"
)

// ErrMalformed is returned when an inbound payload is missing required
// fields. Callers drop and log such events; they must never crash a view.
var ErrMalformed = errors.New("wire: malformed event")

// Frame is the envelope for every relay event in both directions.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type Frame struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes a typed payload into a Frame.
func NewFrame(event Event, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encode %s: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// ParseFrame decodes the envelope only; the payload stays raw until Bind.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return f, nil
}

type payload interface {
	validate() error
}

// Bind decodes the frame data into a typed payload and validates required
// fields, returning ErrMalformed on any violation.
func (f Frame) Bind(v payload) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, f.Event, err)
	}
	if err := v.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, f.Event, err)
	}
	return nil
}

// RegisterUser announces a connecting participant to the relay.
type RegisterUser struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
}

func (p *RegisterUser) validate() error {
	if p.UserID == "" {
		return errors.New("userId required")
	}
	return nil
}

// JoinRoom subscribes the connection to a room's events.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

func (p *JoinRoom) validate() error {
	if p.RoomID == "" {
		return errors.New("roomId required")
	}
	return nil
}

// LeaveRoom cancels interest in a room's events.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

func (p *LeaveRoom) validate() error {
	if p.RoomID == "" {
		return errors.New("roomId required")
	}
	return nil
}

// SendMessage carries a new outbound message keyed by its client tempId.
type SendMessage struct {
	TempID     string `json:"tempId"`
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Body       string `json:"body"`
}

func (p *SendMessage) validate() error {
	switch {
	case p.TempID == "":
		return errors.New("tempId required")
	case p.RoomID == "":
		return errors.New("roomId required")
	case p.SenderID == "":
		return errors.New("senderId required")
	case p.Body == "":
		return errors.New("body required")
	}
	return nil
}

// ReceiveMessage is the relay's authoritative copy of a message, broadcast to
// every room member including the sender. TempID is set only on the echo of
// the sender's own message.
type ReceiveMessage struct {
	ServerID   string    `json:"serverId"`
	TempID     string    `json:"tempId,omitempty"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (p *ReceiveMessage) validate() error {
	switch {
	case p.ServerID == "":
		return errors.New("serverId required")
	case p.RoomID == "":
		return errors.New("roomId required")
	case p.SenderID == "":
		return errors.New("senderId required")
	}
	return nil
}

// Message converts the wire payload into the canonical model record.
func (p *ReceiveMessage) Message() model.Message {
	return model.Message{
		TempID:     p.TempID,
		ServerID:   p.ServerID,
		RoomID:     p.RoomID,
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		Body:       p.Body,
		CreatedAt:  p.CreatedAt,
		Status:     model.MessageStatusSent,
	}
}

// Typing is the ephemeral outbound typing signal for the sender's room.
type Typing struct {
	IsTyping bool `json:"isTyping"`
}

func (p *Typing) validate() error { return nil }

// UserTyping is the relayed typing signal for one participant.
type UserTyping struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

func (p *UserTyping) validate() error {
	if p.Username == "" {
		return errors.New("username required")
	}
	return nil
}

// UserListUpdated replaces the online roster wholesale; snapshots are not
// diffed server-side.
type UserListUpdated struct {
	Participants []model.Participant `json:"participants"`
}

func (p *UserListUpdated) validate() error {
	if p.Participants == nil {
		return errors.New("participants required")
	}
	return nil
}

// MarkAsRead acknowledges that the sender of serverId's message was read.
type MarkAsRead struct {
	ServerID string `json:"serverId"`
}

func (p *MarkAsRead) validate() error {
	if p.ServerID == "" {
		return errors.New("serverId required")
	}
	return nil
}

// MessageRead fans a read acknowledgment out to the room.
type MessageRead struct {
	ServerID string `json:"serverId"`
	ReaderID string `json:"readerId"`
}

func (p *MessageRead) validate() error {
	switch {
	case p.ServerID == "":
		return errors.New("serverId required")
	case p.ReaderID == "":
		return errors.New("readerId required")
	}
	return nil
}

// MessageDelivered is the relay's persistence ack to the sender, binding the
// client tempId to the assigned serverId.
type MessageDelivered struct {
	TempID   string `json:"tempId"`
	ServerID string `json:"serverId"`
}

func (p *MessageDelivered) validate() error {
	switch {
	case p.TempID == "":
		return errors.New("tempId required")
	case p.ServerID == "":
		return errors.New("serverId required")
	}
	return nil
}

// ErrorPayload carries relay-side rejections (unknown event, bad payload).
type ErrorPayload struct {
	Message string `json:"message"`
}

func (p *ErrorPayload) validate() error { return nil }
