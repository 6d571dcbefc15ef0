package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omrylcn/gbot-sub000/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 32768
)

// Error types
var (
	ErrClientSendBufferFull = errors.New("client send buffer full")
	ErrClientClosed         = errors.New("client connection closed")
)

// Client represents a websocket connection
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	ID     string
	UserID string

	ctx    context.Context
	cancel context.CancelFunc

	closed   bool
	closedMu sync.RWMutex
}

// NewClient creates a new WebSocket client
func NewClient(conn *websocket.Conn, hub *Hub, id, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		ID:     id,
		UserID: userID,
		ctx:    ctx,
		cancel: cancel,
	}
}

// readPump reads frames until the connection fails, then unregisters.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warnf("[Realtime] read error for client %s: %v", c.ID, err)
			}
			return
		}

		var message Message
		if err := json.Unmarshal(msg, &message); err != nil {
			c.reply(NewMessage("error", map[string]any{"error": "invalid frame"}))
			continue
		}
		c.handleMessage(&message)
	}
}

// writePump pumps messages from the send buffer to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) handleMessage(msg *Message) {
	logging.Debugf("[Realtime] frame type=%s from client %s", msg.Type, c.ID)
	switch msg.Type {
	case "ping":
		c.reply(NewMessage("pong", nil))
	case "chat":
		go c.handleChat(msg)
	case "events":
		go c.handleEvents()
	default:
		c.reply(NewMessage("error", map[string]any{"error": "unknown message type: " + msg.Type}))
	}
}

// handleChat runs a turn and answers with chat_response
func (c *Client) handleChat(msg *Message) {
	chat, _ := c.hub.handlers()
	text, _ := msg.Data["message"].(string)
	sessionID, _ := msg.Data["session_id"].(string)

	if chat == nil {
		c.reply(NewMessage("error", map[string]any{"error": "chat is not available", "session_id": sessionID}))
		return
	}
	if text == "" {
		c.reply(NewMessage("error", map[string]any{"error": "message is required", "session_id": sessionID}))
		return
	}

	reply, sid, err := chat(c.ctx, c.UserID, text, sessionID)
	if err != nil {
		logging.Errorf("[Realtime] chat for %s failed: %v", c.UserID, err)
		c.reply(NewMessage("error", map[string]any{"error": "chat failed", "session_id": sessionID}))
		return
	}
	c.reply(NewMessage("chat_response", map[string]any{"response": reply, "session_id": sid}))
}

// handleEvents answers with the user's pending events
func (c *Client) handleEvents() {
	_, events := c.hub.handlers()
	if events == nil {
		c.reply(NewMessage("events", map[string]any{"events": []any{}}))
		return
	}
	list, err := events(c.ctx, c.UserID)
	if err != nil {
		logging.Errorf("[Realtime] events for %s failed: %v", c.UserID, err)
		c.reply(NewMessage("error", map[string]any{"error": "could not load events"}))
		return
	}
	items := make([]any, 0, len(list))
	for _, e := range list {
		items = append(items, e)
	}
	c.reply(NewMessage("events", map[string]any{"events": items}))
}

func (c *Client) reply(msg *Message) {
	if err := c.SendMessage(msg); err != nil {
		logging.Debugf("[Realtime] reply to client %s dropped: %v", c.ID, err)
	}
}

// SendMessage queues a frame for the client without blocking
func (c *Client) SendMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrClientSendBufferFull
	}
}

// IsClosed returns whether the client connection is closed
func (c *Client) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

// Close closes the client connection
func (c *Client) Close() {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.closedMu.Unlock()

	c.cancel()
	c.conn.Close()
}

// ServeWS registers a new client for userID on conn and starts its pumps
func ServeWS(hub *Hub, conn *websocket.Conn, userID string) *Client {
	client := NewClient(conn, hub, uuid.New().String(), userID)
	hub.register(client)

	go client.writePump()
	go client.readPump()
	return client
}
