package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/shellkit/internal/events"
	"github.com/nerrad567/shellkit/internal/infrastructure/config"
	"github.com/nerrad567/shellkit/internal/infrastructure/logging"
	"github.com/nerrad567/shellkit/shell"
)

// Message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeEvent       = "event"
	TypeResponse    = "response"
	TypeError       = "error"

	// sendBufferSize is the per-client outbound message buffer size.
	sendBufferSize = 256
)

// Message is sent to and from a WebSocket client.
type Message struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// SubscribePayload is the payload of subscribe and unsubscribe messages.
type SubscribePayload struct {
	Channels []string `json:"channels"`
}

// Config holds the connection keepalive settings.
type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

// ConfigFrom converts the YAML stream settings.
func ConfigFrom(cfg config.StreamConfig) Config {
	return Config{
		PingInterval:   time.Duration(cfg.PingInterval) * time.Second,
		PongTimeout:    time.Duration(cfg.PongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.MaxMessageSize),
	}
}

// Hub tracks connected clients and broadcasts events to them.
type Hub struct {
	cfg     Config
	logger  *logging.Logger
	clients map[*client]struct{}
	mu      sync.RWMutex
}

type client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream listens on localhost for tools, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Keepalive defaults for a zero Config.
const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// NewHub creates a hub with no clients.
func NewHub(cfg Config, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

var _ shell.Hook = (*Hub)(nil)

// Observe implements shell.Hook by broadcasting ev on its kind.
func (h *Hub) Observe(_ context.Context, ev shell.Event) error {
	h.Broadcast(string(ev.Kind), events.NewMessage(ev))
	return nil
}

// Broadcast sends payload to every client subscribed to channel.
// Slow clients with a full buffer miss the message.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(Message{
		Type:      TypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if c.isSubscribed(channel) {
			c.trySend(data)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sent)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
}

// ServeWS upgrades the request and registers the client. Channels listed
// in the comma separated "channels" query parameter are subscribed at once.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	for _, ch := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			c.subscriptions[ch] = struct{}{}
		}
	}

	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// unregister removes c. Only the caller that removes it closes its send
// channel, so Close and a failing readPump cannot both close it.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if existed {
		close(c.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(cfg.MaxMessageSize)
	}
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
		c.handleMessage(data)
	}
}

func (c *client) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		c.handleSubscription(msg)
	case TypePing:
		c.sendResponse(msg.ID, TypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *client) handleSubscription(msg Message) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid payload")
		return
	}
	var sub SubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		c.sendError(msg.ID, "invalid "+msg.Type+" payload")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		if msg.Type == TypeSubscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	c.sendResponse(msg.ID, TypeResponse, map[string]any{msg.Type + "d": sub.Channels})
}

// trySend queues data without blocking. Sends to a client that was
// closed concurrently are dropped.
func (c *client) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
	}
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for sub := range c.subscriptions {
		if Matches(sub, channel) {
			return true
		}
	}
	return false
}

// Matches reports whether subscription sub covers channel.
func Matches(sub, channel string) bool {
	switch {
	case sub == "*" || sub == channel:
		return true
	case strings.HasSuffix(sub, ".*"):
		return strings.HasPrefix(channel, sub[:len(sub)-1])
	}
	return false
}

func (c *client) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(Message{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *client) sendError(id, message string) {
	c.sendResponse(id, TypeError, map[string]string{"message": message})
}
