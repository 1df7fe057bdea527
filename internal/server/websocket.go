package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Lobster444/brevedu/internal/logger"
	"github.com/Lobster444/brevedu/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // same-origin deployments; the reverse proxy handles auth
	},
}

// Event is a message pushed to connected clients: session transitions,
// conversation lifecycle, provider webhooks, and connectivity changes.
type Event struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Session   *storage.Session `json:"session,omitempty"`
	Provider  *callbackEvent   `json:"provider,omitempty"`
	Online    *bool            `json:"online,omitempty"`
}

// Hub fans events out to every connected websocket client. Slow or broken
// clients are dropped rather than blocking the broadcast.
type Hub struct {
	log *logger.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{log: log, clients: make(map[*websocket.Conn]struct{})}
}

// Broadcast sends the event to all connected clients.
func (h *Hub) Broadcast(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(evt); err != nil {
			h.log.Debug("dropping websocket client", "error", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// CloseAll disconnects every client; used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// handleEvents upgrades the connection and streams events until the client
// disconnects. Incoming frames are read and discarded so pings and close
// frames are processed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.add(conn)
	defer s.hub.remove(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read ended", "error", err)
			}
			return
		}
	}
}
