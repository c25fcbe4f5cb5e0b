// Package progress streams engine events to the browser over WebSocket.
package progress

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashureev/educator/internal/crew"
	"github.com/coder/websocket"
)

const sendBuffer = 32

// message is the JSON frame sent to clients.
type message struct {
	Type  string      `json:"type"`
	Event *crew.Event `json:"event,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// Hub tracks one progress connection per user and session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*subscriber
	logger *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]map[string]*subscriber),
		logger: logger,
	}
}

// register adds conn for a user/session, replacing any older connection.
func (h *Hub) register(userID, sessionID string, conn *websocket.Conn) *subscriber {
	sub := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[string]*subscriber)
	}
	if existing, exists := h.active[userID][sessionID]; exists {
		// Its handler sees the closed channel and closes the socket.
		existing.close()
	}
	h.active[userID][sessionID] = sub
	h.logger.Debug("Progress stream registered", "user_id", userID, "session_id", sessionID)
	return sub
}

// unregister removes sub if it is still the active subscriber.
func (h *Hub) unregister(userID, sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.active[userID]
	if !ok {
		return
	}
	if current, exists := sessions[sessionID]; exists && current == sub {
		current.close()
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(h.active, userID)
		}
		h.logger.Debug("Progress stream unregistered", "user_id", userID, "session_id", sessionID)
	}
}

// Connected reports whether a progress stream is open for a user/session.
func (h *Hub) Connected(userID, sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.active[userID][sessionID]
	return ok
}

// Publish queues ev for the user/session. Events are dropped when nobody is
// listening or the client is not keeping up.
func (h *Hub) Publish(userID, sessionID string, ev crew.Event) {
	data, err := json.Marshal(message{Type: "event", Event: &ev})
	if err != nil {
		h.logger.Warn("Failed to encode progress event", "error", err)
		return
	}

	if !h.offer(userID, sessionID, nil, data) {
		h.logger.Debug("Progress event not delivered", "user_id", userID, "kind", ev.Kind)
	}
}

// offer queues data for the active subscriber without blocking. A non-nil
// want restricts delivery to that subscriber. Channels are only closed under
// the write lock, so sending under the read lock is safe.
func (h *Hub) offer(userID, sessionID string, want *subscriber, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.active[userID][sessionID]
	if !ok || (want != nil && sub != want) {
		return false
	}
	select {
	case sub.send <- data:
		return true
	default:
		return false
	}
}

// Observer returns a crew.Observer publishing to the user/session.
func (h *Hub) Observer(userID, sessionID string) crew.Observer {
	return func(ev crew.Event) {
		h.Publish(userID, sessionID, ev)
	}
}

// CloseAll ends every open stream.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, sessions := range h.active {
		for _, sub := range sessions {
			sub.close()
		}
		delete(h.active, userID)
	}
}
