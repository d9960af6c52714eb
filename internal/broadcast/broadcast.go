// Package broadcast pushes marketplace events to connected websocket clients.
// Delivery is best-effort: a slow or gone subscriber is dropped, and Publish
// never reports failure to callers so core flows cannot be blocked by fanout.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is one broadcastable occurrence, e.g. "evidence:verified".
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher is the side of the hub services see.
type Publisher interface {
	Publish(eventType string, payload any)
}

// Hub fans events out to websocket subscribers.
type Hub struct {
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log: log.With("component", "broadcast"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeWS upgrades the request and subscribes the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

// Publish encodes the event and queues it to every subscriber. Encoding
// failures and slow clients are logged and dropped.
func (h *Hub) Publish(eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Warnw("dropping unencodable event", "type", eventType, "error", err)
		return
	}
	msg, err := json.Marshal(Event{Type: eventType, Payload: raw, Timestamp: time.Now().UTC()})
	if err != nil {
		h.log.Warnw("dropping unencodable event", "type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropLocked(c)
		}
	}
}

// Subscribers returns the current connection count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) writeLoop(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.mu.Lock()
			h.dropLocked(c)
			h.mu.Unlock()
			return
		}
	}
	c.conn.Close()
}

func (h *Hub) readLoop(c *client) {
	// Clients never send application data; the read loop only surfaces
	// disconnects.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.mu.Lock()
			h.dropLocked(c)
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Nop discards events, for tests and callers running without a hub.
type Nop struct{}

func (Nop) Publish(string, any) {}

// Recorder captures events for test assertions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(eventType string, payload any) {
	raw, _ := json.Marshal(payload)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, Payload: raw, Timestamp: time.Now().UTC()})
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
