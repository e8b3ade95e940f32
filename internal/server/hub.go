package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message types pushed to stream clients.
const (
	MessageState = "state"
	MessageLog   = "log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBuffer     = 256
	broadcastQueue = 256
)

// Message is one frame of the live stream.
type Message struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func newMessage(typ string, payload any) *Message {
	return &Message{Type: typ, Payload: payload, Timestamp: time.Now()}
}

// Client is one websocket subscriber.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan *Message
	hub  *Hub
}

// Hub fans stream messages out to every connected client. Only the Run
// goroutine mutates the client set and closes send channels.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, broadcastQueue),
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws"),
		clients:    make(map[*Client]struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client joined", "client", c.ID, "clients", n)
		case c := <-h.unregister:
			h.remove(c)
		case m := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- m:
				default:
					h.logger.Warn("client send buffer full, dropping message", "client", c.ID, "type", m.Type)
				}
			}
			h.mu.RUnlock()
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("client left", "client", c.ID, "clients", len(h.clients))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
	}
	h.clients = make(map[*Client]struct{})
}

// Size returns the number of connected clients.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues m for every client; it drops m when the queue is full.
func (h *Hub) Broadcast(m *Message) {
	select {
	case h.broadcast <- m:
	default:
		h.logger.Warn("broadcast queue full, dropping message", "type", m.Type)
	}
}

// Feed forwards supervisor state snapshots and log entries to the hub
// until ctx is done.
func (h *Hub) Feed(ctx context.Context, obs Observer) {
	states, cancelStates := obs.Subscribe()
	defer cancelStates()
	logs, cancelLogs := obs.SubscribeLogs(sendBuffer)
	defer cancelLogs()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			h.Broadcast(newMessage(MessageState, st))
		case e, ok := <-logs:
			if !ok {
				return
			}
			h.Broadcast(newMessage(MessageLog, e))
		}
	}
}

// Attach registers conn with the hub, queues initial ahead of any
// broadcast and starts the client pumps. It returns nil when the hub has
// already stopped.
func (h *Hub) Attach(conn *websocket.Conn, initial ...*Message) *Client {
	c := &Client{ID: uuid.NewString(), conn: conn, send: make(chan *Message, sendBuffer+len(initial)), hub: h}
	for _, m := range initial {
		c.send <- m
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return nil
	}
	go c.writePump()
	go c.readPump()
	return c
}

// readPump only services control frames; the stream is server to client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("read error", "client", c.ID, "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case m, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(m); err != nil {
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
