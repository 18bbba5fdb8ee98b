package ws

import (
	"context"
	"sync"

	"github.com/dmhub/internal/logger"
)

// Hub tracks live connections, one per user: a new connection for a
// user replaces (and closes) the previous one, so only the most recent
// socket receives pushes. Event routing and presence side effects live
// in the Gateway; the Hub is pure connection plumbing.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	total    int
	maxConns int

	gateway *Gateway

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]*Client),
		maxConns:   maxConns,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, c := range h.clients {
		allClients = append(allClients, c)
	}
	h.clients = make(map[string]*Client)
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	prev := h.clients[c.userID]
	h.clients[c.userID] = c
	if prev == nil {
		h.total++
	}
	h.mu.Unlock()

	// Last connection wins: the replaced socket is closed outside the lock.
	if prev != nil {
		prev.Close()
	}
	if h.gateway != nil {
		h.gateway.clientRegistered(c)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	cur, ok := h.clients[c.userID]
	if !ok || cur != c {
		// Already replaced by a newer connection.
		h.mu.Unlock()
		c.Close()
		return
	}
	delete(h.clients, c.userID)
	h.total--
	h.mu.Unlock()

	c.Close()
	if h.gateway != nil {
		h.gateway.clientUnregistered(c)
	}
}

// PushToUser sends an event to the user's private channel. Implements
// the delivery coordinator's Pusher; returns false when the user has no
// live connection.
func (h *Hub) PushToUser(userID, event string, payload any) bool {
	h.mu.RLock()
	c, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	h.sendToClient(c, OutgoingMessage{Type: EventType(event), Payload: payload})
	return true
}

// broadcastExcept fans an event out to every connected client but one.
func (h *Hub) broadcastExcept(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for uid, c := range h.clients {
		if uid != userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
