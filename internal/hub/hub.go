package hub

import (
	"sync"

	"github.com/amora-app/messaging/internal/log"
)

// Hub owns every live websocket connection. At most one authenticated
// connection exists per user: binding a new one supersedes and closes the
// stale one.
type Hub struct {
	clients    map[string]*Client // connection id -> client
	users      map[string]*Client // user id -> authenticated client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		users:      make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str("client_id", client.ID).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				if userID := client.Session.GetUserID(); userID != "" && h.users[userID] == client {
					delete(h.users, userID)
				}
				client.closeSend()
			}
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str("client_id", client.ID).Msg("client unregistered")
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Bind marks a client as the authenticated connection for a user. A previous
// connection for the same user is closed; the new one wins.
func (h *Hub) Bind(userID string, client *Client) {
	h.mu.Lock()
	stale := h.users[userID]
	h.users[userID] = client
	h.mu.Unlock()

	if stale != nil && stale != client {
		l := log.L()
		l.Info().Str(log.FieldUserID, userID).Str("client_id", stale.ID).Msg("superseding stale connection")
		stale.Close()
	}
}

// SendToUser delivers an envelope to a user's authenticated connection.
// Returns false when the user has no live connection.
func (h *Hub) SendToUser(userID string, v interface{}) bool {
	h.mu.RLock()
	client, ok := h.users[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if err := client.SendEnvelope(v); err != nil {
		return false
	}
	return true
}

// IsConnected reports whether a user has an authenticated connection.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[userID]
	return ok
}

func (h *Hub) removeClient(client *Client) {
	h.unregister <- client
}
