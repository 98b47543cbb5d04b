package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/resideease/chat/internal/model"
)

type Client struct {
	mu    sync.RWMutex
	rooms map[string]map[string]string // roomID -> userID -> username
}

func New() *Client {
	return &Client{rooms: make(map[string]map[string]string)}
}

func (c *Client) Close() error { return nil }

func (c *Client) AddMember(ctx context.Context, roomID, userID, username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[roomID]
	if !ok {
		room = make(map[string]string)
		c.rooms[roomID] = room
	}
	room[userID] = username
	return nil
}

func (c *Client) RemoveMember(ctx context.Context, roomID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(c.rooms, roomID)
	}
	return nil
}

func (c *Client) Members(ctx context.Context, roomID string) ([]model.Participant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room := c.rooms[roomID]
	out := make([]model.Participant, 0, len(room))
	for userID, username := range room {
		out = append(out, model.Participant{
			ParticipantID: userID,
			DisplayName:   username,
			IsOnline:      true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}
