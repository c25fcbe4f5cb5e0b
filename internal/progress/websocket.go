package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/educator/internal/identity"
	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// Handler upgrades requests to progress streams.
type Handler struct {
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, allowedOrigin string, isDev bool) *Handler {
	return &Handler{hub: hub, allowedOrigin: allowedOrigin, isDev: isDev}
}

type clientMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	log := h.hub.logger.With("user_id", userID, "session_id", sessionID)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			log.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	sub := h.hub.register(userID, sessionID, ws)
	defer h.hub.unregister(userID, sessionID, sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, userID, sessionID, sub)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sub.send:
			if !ok {
				return
			}
			if err := write(ctx, ws, data); err != nil {
				log.Debug("Progress write failed", "error", err)
				return
			}
		}
	}
}

// readLoop answers pings until the client goes away.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID, sessionID string, sub *subscriber) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			pong, _ := json.Marshal(message{Type: "pong"})
			h.hub.offer(userID, sessionID, sub, pong)
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	// Same-origin page served by this process.
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	h.hub.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func write(ctx context.Context, ws *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
