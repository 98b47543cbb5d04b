package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resideease/chat/internal/model"
)

// Roster entries expire after 24h without activity so rooms abandoned by
// crashed clients do not accumulate forever. Every write refreshes the TTL.
const rosterTTL = 24 * time.Hour

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func rosterKey(roomID string) string {
	return "roster:" + roomID
}

// AddMember stores the member in the room hash roster:{roomID} keyed by
// user id, with the display name as value.
func (c *Client) AddMember(ctx context.Context, roomID, userID, username string) error {
	key := rosterKey(roomID)
	if err := c.cli.HSet(ctx, key, userID, username).Err(); err != nil {
		return err
	}
	return c.cli.Expire(ctx, key, rosterTTL).Err()
}

func (c *Client) RemoveMember(ctx context.Context, roomID, userID string) error {
	return c.cli.HDel(ctx, rosterKey(roomID), userID).Err()
}

// Members returns the full roster of the room, sorted by display name.
func (c *Client) Members(ctx context.Context, roomID string) ([]model.Participant, error) {
	entries, err := c.cli.HGetAll(ctx, rosterKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Participant, 0, len(entries))
	for userID, username := range entries {
		out = append(out, model.Participant{
			ParticipantID: userID,
			DisplayName:   username,
			IsOnline:      true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

// FlushDB clears the current Redis DB (resets all rosters between test runs).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
