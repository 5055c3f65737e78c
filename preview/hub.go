package preview

import (
	"sync"
)

// sendBuffer is how many frames may queue for one client before it is
// considered too slow and disconnected.
const sendBuffer = 8

type client struct {
	send chan []byte
}

func newClient() *client {
	return &client{send: make(chan []byte, sendBuffer)}
}

// Hub fans frames out to the connected viewers. Broadcast never blocks.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	dropped int
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	debugMsg("PREVIEW", "viewer connected, total "+itoa(len(h.clients)))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		debugMsg("PREVIEW", "viewer disconnected, total "+itoa(len(h.clients)))
	}
}

// Broadcast queues msg for every client. A client whose queue is full is
// disconnected.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			close(c.send)
			h.dropped++
			debugMsg("PREVIEW", "dropped slow viewer")
		}
	}
}

// Clients returns the number of connected viewers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many viewers were disconnected for being too slow.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects everyone and refuses new clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
