package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/pkg/dto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator dashboards connect cross-origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscriber is one connected operator view. A non-empty sessionID limits
// delivery to events of that session.
type subscriber struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
}

func (s *subscriber) wants(payload []byte) bool {
	if s.sessionID == "" {
		return true
	}
	var evt dto.WSEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		// Unparseable payloads go to everyone rather than silently vanish.
		return true
	}
	return evt.SessionID == s.sessionID
}

// Hub fans presence events out to connected WebSocket subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	broadcast  chan []byte
	register   chan *subscriber
	unregister chan *subscriber
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
		broadcast:   make(chan []byte, 256),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
	}
}

// Run drives the hub. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub] = struct{}{}
			h.mu.Unlock()
			observability.WSConnections.Inc()
			slog.Debug("ws subscriber joined", "session_filter", sub.sessionID)

		case sub := <-h.unregister:
			h.drop(sub)
			slog.Debug("ws subscriber left")

		case payload := <-h.broadcast:
			h.deliver(payload)
		}
	}
}

// deliver sends the payload to every interested subscriber. A subscriber
// whose buffer is full is disconnected rather than allowed to stall the hub.
func (h *Hub) deliver(payload []byte) {
	var stalled []*subscriber

	h.mu.RLock()
	for sub := range h.subscribers {
		if !sub.wants(payload) {
			continue
		}
		select {
		case sub.send <- payload:
		default:
			stalled = append(stalled, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range stalled {
		h.drop(sub)
		slog.Warn("ws subscriber dropped: send buffer full")
	}
}

func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.send)
	observability.WSConnections.Dec()
}

// BroadcastEvent marshals and fans out a presence event.
func (h *Hub) BroadcastEvent(event *dto.WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("marshal ws event", "error", err)
		return
	}
	h.broadcast <- data
}

// BroadcastRaw fans out an already-encoded event payload (the NATS consumer
// path, where the producer wrote the JSON).
func (h *Hub) BroadcastRaw(data []byte) {
	h.broadcast <- data
}

// HandleWS upgrades the connection and registers the subscriber. An optional
// ?session_id= query parameter restricts delivery to that session.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		conn:      conn,
		send:      make(chan []byte, 64),
		sessionID: c.Query("session_id"),
	}
	h.register <- sub

	go sub.writeLoop()
	go sub.readLoop(h)
}

func (s *subscriber) writeLoop() {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readLoop discards inbound messages; it exists to notice the peer closing.
func (s *subscriber) readLoop(h *Hub) {
	defer func() {
		h.unregister <- s
		s.conn.Close()
	}()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
