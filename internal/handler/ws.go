package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/resideease/chat/internal/logger"
	"github.com/resideease/chat/internal/relay"
)

type WSHandler struct {
	hub            *relay.Hub
	allowedOrigins string
}

// NewWSHandler creates the WebSocket entry point. allowedOrigins matches the
// CORS setting (comma-separated list or "*").
func NewWSHandler(hub *relay.Hub, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the connection and hands it to the hub. Identity arrives
// in-band via the register_user event, not through request auth.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := relay.NewClient(h.hub, conn)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
