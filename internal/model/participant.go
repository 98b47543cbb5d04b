package model

import "time"

// Participant is a member of a room as seen by the presence layer.
// IsOnline and LastTypingAt are derived from roster and typing events and are
// never persisted.
type Participant struct {
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	IsOnline      bool      `json:"isOnline,omitempty"`
	LastTypingAt  time.Time `json:"-"`
}
