// Package realtime pushes account events to the user's open WebSocket
// connections. Delivery is best-effort: a full buffer drops the event and a
// slow client is disconnected.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Event is one notification for one user.
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription narrows the event types a connection receives. An empty
// list means every type.
type Subscription struct {
	EventTypes []string `json:"eventTypes"`
}

func (s Subscription) wants(eventType string) bool {
	return len(s.EventTypes) == 0 || slices.Contains(s.EventTypes, eventType)
}

// Broker fans events out across server instances. Subscribe calls deliver
// for every event published by any instance, including this one.
type Broker interface {
	Publish(ctx context.Context, ev *Event) error
	Subscribe(ctx context.Context, deliver func(*Event)) error
}

// Client is one WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	mu     sync.RWMutex
	sub    Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub tracks connections by user.
type Hub struct {
	clients    map[string]map[*Client]bool
	deliver    chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	broker     Broker
	origins    []string
	upgrader   websocket.Upgrader

	totalEvents  atomic.Int64
	droppedCount atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[string]map[*Client]bool),
		deliver:    make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithBroker routes Notify through b so every instance sees every event.
func (h *Hub) WithBroker(b Broker) *Hub {
	h.broker = b
	return h
}

// WithAllowedOrigins accepts browser upgrades from these origins in
// addition to the serving host.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	h.origins = origins
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	return slices.Contains(h.origins, origin)
}

// Run starts the hub's main loop. With a broker it also consumes the shared
// channel until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	if h.broker != nil {
		go func() {
			if err := h.broker.Subscribe(ctx, h.enqueue); err != nil && ctx.Err() == nil {
				h.logger.Error("realtime broker subscription ended", "error", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for userID, conns := range h.clients {
				for client := range conns {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*Client]bool)
			}
			h.clients[client.userID][client] = true
			n := h.countLocked()
			h.mu.Unlock()
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "userId", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			n := h.countLocked()
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "userId", client.userID, "total", n)

		case ev := <-h.deliver:
			h.totalEvents.Add(1)
			h.fanOut(ev)
		}
	}
}

// countLocked returns the number of connections. Caller holds h.mu.
func (h *Hub) countLocked() int {
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// removeLocked drops client and closes its queue. Caller holds h.mu.
func (h *Hub) removeLocked(client *Client) {
	conns, ok := h.clients[client.userID]
	if !ok || !conns[client] {
		return
	}
	delete(conns, client)
	close(client.send)
	if len(conns) == 0 {
		delete(h.clients, client.userID)
	}
}

func (h *Hub) fanOut(ev *Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode realtime event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	sent := false
	for client := range h.clients[ev.UserID] {
		if !client.subscription().wants(ev.Type) {
			continue
		}
		select {
		case client.send <- data:
			sent = true
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if sent {
		metrics.NotificationsTotal.WithLabelValues("realtime", "sent").Inc()
	}
	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			h.removeLocked(client)
		}
		h.mu.Unlock()
	}
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// enqueue hands ev to the run loop without blocking.
func (h *Hub) enqueue(ev *Event) {
	select {
	case h.deliver <- ev:
	default:
		h.droppedCount.Add(1)
		metrics.NotificationsTotal.WithLabelValues("realtime", "dropped").Inc()
		h.logger.Warn("realtime queue full, dropping event", "type", ev.Type, "userId", ev.UserID)
	}
}

// Notify sends event to every connection userID has open. It never blocks
// the caller.
func (h *Hub) Notify(userID, event string, payload any) {
	if userID == "" {
		return
	}
	ev := &Event{Type: event, UserID: userID, Timestamp: time.Now().UTC(), Data: payload}
	if h.broker == nil {
		h.enqueue(ev)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.broker.Publish(ctx, ev); err != nil {
		h.logger.Warn("realtime broker publish failed, delivering locally", "type", event, "error", err)
		h.enqueue(ev)
	}
}

// Connected reports how many connections userID has open.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": h.countLocked(),
		"connectedUsers":   len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedCount.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// Handler upgrades GET /ws for the caller identified by the session token
// (Authorization header, cookie, or ?token= for browsers).
func (h *Hub) Handler(issuer *auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c)
		if token == "" {
			token = c.Query("token")
		}
		p, err := issuer.Parse(token)
		if token == "" || err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
			return
		}
		h.serve(c.Writer, c.Request, p.UserID)
	}
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, userID string) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := h.countLocked()
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 64),
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "userId", c.userID, "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

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
				c.hub.logger.Debug("websocket write error", "userId", c.userID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
