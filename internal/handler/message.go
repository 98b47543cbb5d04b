package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/resideease/chat/internal/logger"
	"github.com/resideease/chat/internal/model"
	"github.com/resideease/chat/internal/relay"
)

// MessageStore is the slice of the message repository the REST surface needs.
type MessageStore interface {
	Insert(ctx context.Context, m model.Message) (model.Message, error)
	ListByRoom(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	ListRecent(ctx context.Context, limit int) ([]model.Message, error)
}

// Broadcaster fans REST-originated messages out to connected room members.
type Broadcaster interface {
	BroadcastMessage(m model.Message, tempID string, sender *relay.Client)
}

type MessageHandler struct {
	store MessageStore
	hub   Broadcaster
}

func NewMessageHandler(store MessageStore, hub Broadcaster) *MessageHandler {
	return &MessageHandler{store: store, hub: hub}
}

// ListRoom returns the room's history, oldest first.
// GET /messages/{roomId}?limit=200
func (h *MessageHandler) ListRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "roomId required")
		return
	}
	limit := queryInt(r, "limit", 200)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	messages, err := h.store.ListByRoom(ctx, roomID, limit)
	if err != nil {
		logger.Errorf("list room messages room=%s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// ListAll returns the newest messages across every room, oldest first.
// Backs the support dashboard view. GET /chat/messages?limit=200
func (h *MessageHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 200)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	messages, err := h.store.ListRecent(ctx, limit)
	if err != nil {
		logger.Errorf("list all messages: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type createMessageRequest struct {
	TempID     string `json:"tempId"`
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Body       string `json:"body"`
}

// Create persists a message over REST and relays it to connected room
// members. The stored record with its server id comes back in the response;
// the sender's relay connection, if any, also sees the echo keyed by tempId.
// POST /messages
func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("http.CreateMessage", time.Now())()
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RoomID == "" || req.SenderID == "" || strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "roomId, senderId and body required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stored, err := h.store.Insert(ctx, model.Message{
		RoomID:     req.RoomID,
		SenderID:   req.SenderID,
		SenderName: req.SenderName,
		Body:       req.Body,
		Status:     model.MessageStatusSent,
	})
	if err != nil {
		logger.Errorf("create message room=%s sender=%s: %v", req.RoomID, req.SenderID, err)
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	h.hub.BroadcastMessage(stored, req.TempID, nil)
	writeJSON(w, http.StatusCreated, stored)
}

// Health responds to liveness probes.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
