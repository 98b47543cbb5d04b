package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/resideease/chat/internal/model"
)

// HistoryClient calls the relay's REST surface for message history and
// out-of-band message posting. The history fetch is one-shot per room open;
// it is never repeated on reconnect unless the caller explicitly retries.
type HistoryClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHistoryClient(baseURL string, timeout time.Duration) *HistoryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HistoryClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// RoomMessages fetches the ordered history of one room (GET /messages/{bookingId}).
func (c *HistoryClient) RoomMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	return c.get(ctx, c.baseURL+"/messages/"+roomID)
}

// AllMessages fetches the shared support-room history (GET /chat/messages).
func (c *HistoryClient) AllMessages(ctx context.Context) ([]model.Message, error) {
	return c.get(ctx, c.baseURL+"/chat/messages")
}

func (c *HistoryClient) get(ctx context.Context, url string) ([]model.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryFetchFailed, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrHistoryFetchFailed, resp.StatusCode)
	}
	var msgs []model.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrHistoryFetchFailed, err)
	}
	return msgs, nil
}

// PostMessage persists a message over REST and returns the canonical stored
// record including the assigned serverId. The relay may independently echo
// the same message over the websocket; the Store de-duplicates by
// tempId/serverId, so callers need not assume which copy arrives first.
func (c *HistoryClient) PostMessage(ctx context.Context, m model.Message) (model.Message, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return model.Message{}, fmt.Errorf("post message encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return model.Message{}, fmt.Errorf("post message: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Message{}, fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return model.Message{}, fmt.Errorf("post message: status %d", resp.StatusCode)
	}
	var stored model.Message
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return model.Message{}, fmt.Errorf("post message decode: %w", err)
	}
	return stored, nil
}
