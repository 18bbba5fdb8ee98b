package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/dmhub/internal/logger"
	"github.com/dmhub/internal/middleware"
	"github.com/dmhub/internal/ws"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type WSHandler struct {
	hub            *ws.Hub
	users          UserReader
	allowedOrigins string
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins — как в CORS (через запятую или "*").
func NewWSHandler(hub *ws.Hub, users UserReader, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, users: users, allowedOrigins: strings.TrimSpace(allowedOrigins)}
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

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Display snapshot for presence broadcasts; the connection is still
	// accepted if the profile lookup fails.
	var username, avatarURL string
	if u, err := h.users.GetByID(r.Context(), userID); err == nil {
		username = u.Username
		avatarURL = u.AvatarURL
	} else {
		logger.Errorf("ws profile lookup user=%s: %v", userID, err)
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
	client := ws.NewClient(h.hub, conn, userID, uuid.NewString(), username, avatarURL)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
