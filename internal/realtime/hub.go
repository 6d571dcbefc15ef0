// Package realtime keeps the registry of live WebSocket connections and
// pushes events to them.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// Message is the JSON frame exchanged with clients
type Message struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage creates a frame stamped with the current time
func NewMessage(typ string, data map[string]any) *Message {
	return &Message{Type: typ, Data: data, Timestamp: time.Now()}
}

// ChatFunc runs one conversation turn for a connected user
type ChatFunc func(ctx context.Context, userID, message, sessionID string) (reply, session string, err error)

// EventsFunc returns (and consumes) a user's pending system events
type EventsFunc func(ctx context.Context, userID string) ([]db.SystemEvent, error)

// Hub maps users to their connected clients. A user may hold several
// connections at once.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	chat   ChatFunc
	events EventsFunc
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*Client]struct{})}
}

// SetChatHandler sets the function serving "chat" frames
func (h *Hub) SetChatHandler(fn ChatFunc) {
	h.mu.Lock()
	h.chat = fn
	h.mu.Unlock()
}

// SetEventsHandler sets the function serving "events" frames
func (h *Hub) SetEventsHandler(fn EventsFunc) {
	h.mu.Lock()
	h.events = fn
	h.mu.Unlock()
}

func (h *Hub) handlers() (ChatFunc, EventsFunc) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.chat, h.events
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.UserID] = set
	}
	set[c] = struct{}{}
	n := len(set)
	h.mu.Unlock()
	logging.Infof("[Realtime] client %s connected for user %s (%d open)", c.ID, c.UserID, n)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.UserID]
	if ok {
		if _, present := set[c]; !present {
			ok = false
		}
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.UserID)
		}
	}
	h.mu.Unlock()
	if ok {
		logging.Infof("[Realtime] client %s disconnected for user %s", c.ID, c.UserID)
	}
}

// IsConnected reports whether the user has at least one open client
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// ClientCount returns the number of open clients across all users
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// SendEvent pushes msg to every client of the user and reports whether at
// least one accepted it. Clients that fail are closed and dropped.
func (h *Hub) SendEvent(userID string, msg *Message) bool {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range targets {
		if err := c.SendMessage(msg); err != nil {
			logging.Warnf("[Realtime] dropping client %s of %s: %v", c.ID, userID, err)
			h.unregister(c)
			c.Close()
			continue
		}
		delivered = true
	}
	return delivered
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
