// Package streaming handles WebSocket connections for live queue snapshots.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/events/bus"
)

// Hub manages all WebSocket observers and routes queue updates to the
// clients subscribed to the affected session.
type Hub struct {
	clients        map[*Client]bool
	sessionClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

type broadcastMessage struct {
	sessionID string
	payload   interface{}
}

// outboundMessage is the frame sent to observers.
type outboundMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Payload   interface{} `json:"payload"`
}

// NewHub creates a WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		sessionClients: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *broadcastMessage, 256),
		logger:         log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Run starts the hub processing loop. It returns when ctx is cancelled,
// closing every client connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.sessionClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropClientLocked(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *broadcastMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.sessionClients[msg.sessionID]))
	for client := range h.sessionClients[msg.sessionID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(outboundMessage{
		Type:      events.QueueSnapshotChanged,
		SessionID: msg.sessionID,
		Payload:   msg.payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal snapshot", zap.Error(err))
		return
	}

	for _, client := range targets {
		select {
		case client.send <- data:
		default:
			// Slow consumer, drop the connection.
			h.mu.Lock()
			h.dropClientLocked(client)
			h.mu.Unlock()
		}
	}
}

// dropClientLocked removes a client and all its subscriptions. Callers
// hold the write lock.
func (h *Hub) dropClientLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for sessionID := range client.sessions {
		if clients, ok := h.sessionClients[sessionID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessionClients, sessionID)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a payload for every client subscribed to the session.
func (h *Hub) Broadcast(sessionID string, payload interface{}) {
	h.broadcast <- &broadcastMessage{sessionID: sessionID, payload: payload}
}

// Subscribe registers a client's interest in one session.
func (h *Hub) Subscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessionClients[sessionID]; !ok {
		h.sessionClients[sessionID] = make(map[*Client]bool)
	}
	h.sessionClients[sessionID][client] = true
	client.sessions[sessionID] = true
}

// Unsubscribe drops a client's interest in one session.
func (h *Hub) Unsubscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.sessionClients[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionClients, sessionID)
		}
	}
	delete(client.sessions, sessionID)
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BindBus wires the hub to the event bus so coordinator snapshot events
// reach WebSocket observers. Returns the subscription for teardown.
func (h *Hub) BindBus(eb bus.EventBus) (bus.Subscription, error) {
	return eb.Subscribe(events.QueueSnapshotChanged, func(ctx context.Context, event *bus.Event) error {
		sessionID, _ := event.Data["session_id"].(string)
		if sessionID == "" {
			return nil
		}
		h.Broadcast(sessionID, event.Data["snapshot"])
		return nil
	})
}
