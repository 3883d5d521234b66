package websocket

import (
	"context"
	"log/slog"
	"sync"
)

// Hub maintains the set of live connections and fans published events
// out to every connection currently subscribed to a user's channel.
type Hub struct {
	// Subscribed clients by username
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Outbound events to deliver
	publish chan *outboundEvent

	// Subscription requests
	subscribe chan *Client

	// Unsubscription requests
	unsubscribe chan *Client

	// Called when a user's channel gains its first subscriber /
	// loses its last one; the bridge uses these to manage the
	// upstream pub/sub subscription. May be nil.
	OnFirstSubscriber func(username string)
	OnLastUnsubscribe func(username string)

	mu sync.RWMutex

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type outboundEvent struct {
	username string
	data     []byte
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		publish:     make(chan *outboundEvent, 256),
		subscribe:   make(chan *Client, 64),
		unsubscribe: make(chan *Client, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id, "user", client.username)

		case client := <-h.unregister:
			h.removeClient(client)

		case client := <-h.subscribe:
			h.addSubscriber(client)

		case client := <-h.unsubscribe:
			h.removeSubscriber(client)

		case event := <-h.publish:
			h.deliver(event)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// addSubscriber subscribes a client to its own user channel
func (h *Hub) addSubscriber(client *Client) {
	h.mu.Lock()
	first := false
	if _, ok := h.clients[client.username]; !ok {
		h.clients[client.username] = make(map[*Client]bool)
		first = true
	}
	h.clients[client.username][client] = true
	h.mu.Unlock()

	if first && h.OnFirstSubscriber != nil {
		h.OnFirstSubscriber(client.username)
	}
	h.logger.Debug("client subscribed", "client_id", client.id, "user", client.username)
}

// removeSubscriber drops a client's subscription, keeping the
// connection open
func (h *Hub) removeSubscriber(client *Client) {
	h.mu.Lock()
	last := false
	if clients, ok := h.clients[client.username]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, client.username)
			last = true
		}
	}
	h.mu.Unlock()

	if last && h.OnLastUnsubscribe != nil {
		h.OnLastUnsubscribe(client.username)
	}
	h.logger.Debug("client unsubscribed", "client_id", client.id, "user", client.username)
}

// removeClient drops a disconnected client, unsubscribing it so a
// closed connection never leaves a dangling subscription behind
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	registered := false
	if _, ok := h.allClients[client]; ok {
		registered = true
		delete(h.allClients, client)
		close(client.send)
	}
	h.mu.Unlock()

	if registered {
		h.removeSubscriber(client)
	}
	h.logger.Debug("client unregistered", "client_id", client.id, "user", client.username)
}

// deliver fans an event out to every connection subscribed for the user
func (h *Hub) deliver(event *outboundEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.clients[event.username]
	if !ok {
		return
	}
	for client := range clients {
		select {
		case client.send <- event.data:
		default:
			// Client's buffer is full, skip
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

// Publish queues an event for delivery to a user's subscribed
// connections. Best-effort: dropped with a warning when the hub is
// saturated.
func (h *Hub) Publish(username string, data []byte) {
	select {
	case h.publish <- &outboundEvent{username: username, data: data}:
	default:
		h.logger.Warn("publish channel full, dropping event", "user", username)
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

// Subscribe subscribes a client to its user channel
func (h *Hub) Subscribe(client *Client) {
	h.subscribe <- client
}

// Unsubscribe removes a client's subscription
func (h *Hub) Unsubscribe(client *Client) {
	h.unsubscribe <- client
}

// SubscriberCount returns the number of subscribed connections for a user
func (h *Hub) SubscriberCount(username string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[username]; ok {
		return len(clients)
	}
	return 0
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
