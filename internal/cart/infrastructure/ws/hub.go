package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	cartdomain "github.com/dmehra2102/cart-reservation/internal/cart/domain"
)

const sendBuffer = 64

// Hub is the registry of live sessions. It fans deltas out to every session
// but the originator and never blocks the caller: a session whose buffer is
// full is disconnected.
type Hub struct {
	log     *slog.Logger
	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, clients: make(map[string]*client)}
}

type client struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) kick() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.sessionID] = c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.sessionID]; ok && cur == c {
		delete(h.clients, c.sessionID)
		close(c.send)
	}
}

func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(exclude string, d cartdomain.Delta) {
	msg, err := json.Marshal(deltaEvent(d))
	if err != nil {
		h.log.Error("marshal delta failed", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if id == exclude {
			continue
		}
		h.enqueue(c, msg)
	}
}

// Notify sends ev to one session only. Unknown sessions are ignored.
func (h *Hub) Notify(sessionID string, ev Outbound) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal event failed", "event", ev.Event, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[sessionID]; ok {
		h.enqueue(c, msg)
	}
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.log.Warn("session too slow, disconnecting", "session_id", c.sessionID)
		go c.kick()
	}
}
