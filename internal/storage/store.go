package storage

import (
	"context"

	"github.com/resideease/chat/internal/model"
)

// RosterStore keeps the live membership of each chat room.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
type RosterStore interface {
	AddMember(ctx context.Context, roomID, userID, username string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	Members(ctx context.Context, roomID string) ([]model.Participant, error)
	Close() error
}
