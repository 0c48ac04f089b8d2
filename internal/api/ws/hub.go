// Package ws streams orchestrator events (task and workflow lifecycle,
// agent status changes) to WebSocket clients, fanning out from the
// same event bus subjects the queue, bridge and workflow engine
// publish to.
package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/fleetctl/internal/bus"
	"github.com/kandev/fleetctl/internal/common/logger"
)

// Client is one connected WebSocket subscriber.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu      sync.RWMutex
	filters map[string]bool // event-type prefixes this client wants; empty set = all
}

func newClient(id string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, 256),
		hub:     hub,
		filters: make(map[string]bool),
	}
}

// wants reports whether the client is subscribed to an event of the
// given type. No filters set means "all events".
func (c *Client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filters) == 0 {
		return true
	}
	for prefix := range c.filters {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

type subscribeMessage struct {
	Subscribe []string `json:"subscribe"`
}

// ReadPump drains subscription-filter messages from the client until
// the connection closes.
func (c *Client) ReadPump() {
	defer c.hub.unregister(c)
	defer c.conn.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		c.filters = make(map[string]bool, len(msg.Subscribe))
		for _, prefix := range msg.Subscribe {
			c.filters[prefix] = true
		}
		c.mu.Unlock()
	}
}

// WritePump drains the client's outbound buffer to the socket.
func (c *Client) WritePump() {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Hub fans out every bus event to every subscribed WebSocket client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	eventBus bus.EventBus
	sub      bus.Subscription
	log      *logger.Logger
}

// NewHub subscribes to the wildcard event subject "events.>" so it
// receives every task, workflow and agent lifecycle event in one
// subscription.
func NewHub(eventBus bus.EventBus, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		clients:  make(map[*Client]bool),
		eventBus: eventBus,
		log:      log.WithFields(zap.String("component", "ws-hub")),
	}
	sub, err := eventBus.Subscribe("events.>", h.onEvent)
	if err != nil {
		return nil, err
	}
	h.sub = sub
	return h, nil
}

func (h *Hub) onEvent(_ context.Context, evt *bus.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(evt.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping slow websocket client", zap.String("client_id", c.id))
		}
	}
	return nil
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount reports how many clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close tears down the hub's bus subscription.
func (h *Hub) Close() error {
	if h.sub != nil {
		return h.sub.Unsubscribe()
	}
	return nil
}
