// Package websocket is the fan-out side of the control plane: classified
// events, trust updates and state snapshots pushed to frontend clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
	ws "github.com/projecttab/backend/pkg/websocket"
)

// StateSyncProvider builds the snapshot pushed to a client right after it
// connects.
type StateSyncProvider func(ctx context.Context) (interface{}, error)

// Hub manages all WebSocket client connections
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients narrowed to specific agents. A client with no agent
	// subscriptions receives everything.
	agentSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher

	stateSyncProvider StateSyncProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		agentSubscribers: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan *ws.Message, 256),
		dispatcher:       dispatcher,
		logger:           log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))
			h.sendStateSync(ctx, client)

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// sendStateSync pushes the current fleet snapshot to a newly connected
// client.
func (h *Hub) sendStateSync(ctx context.Context, client *Client) {
	if h.stateSyncProvider == nil {
		return
	}
	snapshot, err := h.stateSyncProvider(ctx)
	if err != nil {
		h.logger.Error("Failed to build state sync", zap.Error(err))
		return
	}
	msg, err := ws.NewNotification(ws.ActionStateSync, snapshot)
	if err != nil {
		h.logger.Error("Failed to marshal state sync", zap.Error(err))
		return
	}
	client.sendMessage(msg)
}

// closeAllClients closes all client connections
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.agentSubscribers = make(map[string]map[*Client]bool)
}

// removeClient removes a client from the hub
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for agentID := range client.subscriptions {
			if clients, ok := h.agentSubscribers[agentID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.agentSubscribers, agentID)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage sends a message to all connected clients.
func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to all connected clients
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// BroadcastToAgent sends a notification to all clients, except that clients
// narrowed to specific agents only receive it when subscribed to agentID.
func (h *Hub) BroadcastToAgent(agentID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if len(client.subscriptions) > 0 && !client.subscriptions[agentID] {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Buffer full
		}
	}
}

// SubscribeToAgent narrows a client to one agent's stream
func (h *Hub) SubscribeToAgent(client *Client, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.agentSubscribers[agentID]; !ok {
		h.agentSubscribers[agentID] = make(map[*Client]bool)
	}
	h.agentSubscribers[agentID][client] = true
	client.subscriptions[agentID] = true

	h.logger.Debug("Client subscribed to agent",
		zap.String("client_id", client.ID),
		zap.String("agent_id", agentID))
}

// UnsubscribeFromAgent removes an agent narrowing from a client
func (h *Hub) UnsubscribeFromAgent(client *Client, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, agentID)
	if clients, ok := h.agentSubscribers[agentID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.agentSubscribers, agentID)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the message dispatcher
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// SetStateSyncProvider sets the snapshot builder used on client connect
func (h *Hub) SetStateSyncProvider(provider StateSyncProvider) {
	h.stateSyncProvider = provider
}
