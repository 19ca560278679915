package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"manifold-hub/internal/events"
	"manifold-hub/internal/observability"
)

// StateReader serves on-demand status pulls with the latest persisted state.
type StateReader interface {
	DeviceStatus(ctx context.Context, deviceID string) (events.DeviceStatus, error)
	ManifoldStatus(ctx context.Context, manifoldID string) (events.ManifoldStatus, error)
}

// Message is the envelope of every frame sent to a session.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

const (
	sendBuffer  = 32
	readLimit   = 4096
	pongWait    = 60 * time.Second
	pingPeriod  = 25 * time.Second
	writeWait   = 5 * time.Second
	requestWait = 5 * time.Second
)

// Hub fans reconciled events out to websocket sessions. Sessions receive global events and
// the events of rooms they joined.
type Hub struct {
	upgrader websocket.Upgrader
	state    StateReader

	mu      sync.Mutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
}

type client struct {
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]struct{}
}

func NewHub(state StateReader) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Served behind the dashboard proxy.
				return true
			},
		},
		state:   state,
		clients: map[*client]struct{}{},
		rooms:   map[string]map[*client]struct{}{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), rooms: map[string]struct{}{}}
	h.addClient(c)

	go h.writePump(c)
	h.readPump(c)
}

// Emit implements events.Emitter.
func (h *Hub) Emit(room, eventType string, data any) {
	b, err := json.Marshal(Message{Type: eventType, Data: data})
	if err != nil {
		slog.Error("realtime marshal failed", "event", eventType, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	targets := h.clients
	if room != events.Global {
		targets = h.rooms[room]
	}
	for c := range targets {
		h.deliverLocked(c, b)
	}
}

// Sessions reports connected sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func (h *Hub) reply(c *client, eventType string, data any) {
	b, err := json.Marshal(Message{Type: eventType, Data: data})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.deliverLocked(c, b)
	}
}

func (h *Hub) deliverLocked(c *client, b []byte) {
	select {
	case c.send <- b:
	default:
		// Slow client; drop it.
		h.dropLocked(c)
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	observability.SessionOpened()
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.dropLocked(c)
	}
}

func (h *Hub) dropLocked(c *client) {
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.clients, c)
	close(c.send)
	_ = c.conn.Close()
	observability.SessionClosed()
}

func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = map[*client]struct{}{}
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *client, room string) {
	delete(c.rooms, room)
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleCommand(c, msg)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
