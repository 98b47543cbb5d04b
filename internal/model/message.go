package model

import "time"

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// Rank returns the position of a status on the pending->read ladder.
// Failed has no rank; it sits outside the ladder.
func (s MessageStatus) Rank() int {
	return statusRank[s]
}

// CanAdvanceTo reports whether a transition s -> next is legal: status is
// monotonically non-decreasing, except failed which is reachable only from
// pending and is terminal (a retry produces a fresh pending entry instead).
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s == MessageStatusFailed {
		return false
	}
	if next == MessageStatusFailed {
		return s == MessageStatusPending
	}
	return next.Rank() >= s.Rank()
}

// Message is a single chat message. Exactly one of TempID/ServerID may be
// empty, never both: TempID is client-generated and present until the server
// confirms, ServerID is assigned once persisted and never changes after that.
type Message struct {
	TempID     string        `json:"tempId,omitempty"`
	ServerID   string        `json:"serverId,omitempty"`
	RoomID     string        `json:"roomId"`
	SenderID   string        `json:"senderId"`
	SenderName string        `json:"senderName"`
	Body       string        `json:"body"`
	CreatedAt  time.Time     `json:"createdAt"`
	Status     MessageStatus `json:"status"`
	ReadBy     []string      `json:"readBy,omitempty"`
}

// Confirmed reports whether the server has assigned an authoritative id.
func (m *Message) Confirmed() bool {
	return m.ServerID != ""
}

// HasReader reports whether the participant has acknowledged reading.
func (m *Message) HasReader(participantID string) bool {
	for _, id := range m.ReadBy {
		if id == participantID {
			return true
		}
	}
	return false
}

// AddReader records a read acknowledgment; returns false if already present.
func (m *Message) AddReader(participantID string) bool {
	if m.HasReader(participantID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, participantID)
	return true
}
