package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/peertrade/internal/idgen"
	"github.com/mbd888/peertrade/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters for a client. Channel-feed events (empty UserID) reach
// everyone; user events reach only the client that claimed that user ID.
type Subscription struct {
	UserID   string   `json:"userId"`
	OrderIDs []string `json:"orderIds"` // empty means all orders
}

// Client represents a WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub fans trade events out over WebSocket. It implements Notifier: the
// public order feed is the broadcast stream, and a channel message ID is the
// handle clients use to correlate post/edit/remove events for one order.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// messageID -> orderID, so edits and deletes resolve to the feed entry.
	postMu sync.Mutex
	posts  map[string]string

	totalEvents atomic.Int64
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		posts:      make(map[string]string),
	}
}

// SendUser delivers an event to the named user's connections.
func (h *Hub) SendUser(_ context.Context, userID string, ev Event) error {
	ev.UserID = userID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.enqueue(&ev)
	return nil
}

// PostChannel publishes an order to the public feed.
func (h *Hub) PostChannel(_ context.Context, orderID string, data interface{}) (string, error) {
	msgID := idgen.WithPrefix("msg_")
	h.postMu.Lock()
	h.posts[msgID] = orderID
	h.postMu.Unlock()

	h.enqueue(&Event{
		Type:      EventOrderPosted,
		OrderID:   orderID,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"messageId": msgID, "order": data},
	})
	return msgID, nil
}

// EditChannelPost replaces a feed entry's content.
func (h *Hub) EditChannelPost(_ context.Context, messageID string, data interface{}) error {
	h.postMu.Lock()
	orderID, ok := h.posts[messageID]
	h.postMu.Unlock()
	if !ok {
		h.logger.Debug("edit for unknown channel post", "message_id", messageID)
		return nil
	}

	h.enqueue(&Event{
		Type:      EventOrderUpdated,
		OrderID:   orderID,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"messageId": messageID, "order": data},
	})
	return nil
}

// DeleteChannelPost removes a feed entry.
func (h *Hub) DeleteChannelPost(_ context.Context, messageID string) error {
	h.postMu.Lock()
	orderID, ok := h.posts[messageID]
	delete(h.posts, messageID)
	h.postMu.Unlock()
	if !ok {
		return nil
	}

	h.enqueue(&Event{
		Type:      EventOrderRemoved,
		OrderID:   orderID,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"messageId": messageID},
	})
	return nil
}

func (h *Hub) enqueue(ev *Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", ev.Type)
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("notify hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("notify hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("notify hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- h.serialize(event):
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks if event matches client's subscription.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	// User-addressed events go only to the addressed user.
	if event.UserID != "" {
		return sub.UserID == event.UserID
	}

	if len(sub.OrderIDs) > 0 && event.OrderID != "" {
		for _, id := range sub.OrderIDs {
			if id == event.OrderID {
				return true
			}
		}
		return false
	}

	return true
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{}, // Default: full public feed, no user events
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (subscription updates, pings).
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
