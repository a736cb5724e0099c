package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Client is one websocket connection: a UI view or a secondary context on the same device.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub relays envelopes between the engine host and connected websocket clients. It acts as
// a Bus, as a foreground notification sink and as the permission prompt surface.
type Hub struct {
	logger *slog.Logger

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	subMu sync.RWMutex
	next  int
	subs  map[int]Handler
}

// NewHub constructs a Hub. Run must be started before clients connect.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger.With("component", "ws_hub"),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		done:       make(chan struct{}),
		subs:       make(map[int]Handler),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "client", client.id, "clients", count)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "client", client.id, "clients", count)
		case message := <-h.broadcast:
			var stale []*Client
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					stale = append(stale, client)
				}
			}
			h.mu.RUnlock()
			if len(stale) > 0 {
				h.mu.Lock()
				for _, client := range stale {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
						h.logger.Warn("dropped slow client", "client", client.id)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements Bus.
func (h *Hub) Publish(ctx context.Context, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe implements Bus. Handlers receive envelopes sent by clients.
func (h *Hub) Subscribe(handler Handler) func() {
	h.subMu.Lock()
	id := h.next
	h.next++
	h.subs[id] = handler
	h.subMu.Unlock()
	return func() {
		h.subMu.Lock()
		delete(h.subs, id)
		h.subMu.Unlock()
	}
}

// Show forwards a foreground notification to connected clients.
func (h *Hub) Show(ctx context.Context, rec domain.NotificationRecord) error {
	return h.Publish(ctx, events.Envelope{
		Kind:    events.KindNotification,
		Channel: string(rec.Channel),
		Notice: &events.Notification{
			ID:      rec.ID,
			Channel: string(rec.Channel),
			Kind:    rec.Kind,
			Title:   rec.Title,
			Body:    rec.Body,
			Backend: string(rec.Backend),
			FireAt:  rec.FiredAt,
			FiredAt: rec.FiredAt,
		},
		OccurredAt: rec.FiredAt,
	})
}

// Prompt asks connected clients to request notification permission from the user.
func (h *Hub) Prompt(ctx context.Context) {
	if err := h.Publish(ctx, events.Envelope{Kind: events.KindPermissionPrompt, OccurredAt: time.Now().UTC()}); err != nil {
		h.logger.Warn("permission prompt not delivered", "error", err)
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	go client.writePump()
	go client.readPump()
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
	}
}

func (h *Hub) dispatch(env events.Envelope) {
	h.subMu.RLock()
	handlers := make([]Handler, 0, len(h.subs))
	for _, handler := range h.subs {
		handlers = append(handlers, handler)
	}
	h.subMu.RUnlock()
	for _, handler := range handlers {
		handler(context.Background(), env)
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("unexpected close", "client", c.id, "error", err)
			}
			return
		}
		var env events.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.hub.logger.Debug("ignoring malformed message", "client", c.id, "error", err)
			continue
		}
		if env.Origin == "" {
			env.Origin = c.id
		}
		c.hub.dispatch(env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
