package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fanlink/internal/engine"
	"fanlink/internal/infrastructure/ratelimit"
	"fanlink/pkg/logger"
)

// Client is one WebSocket connection. Each connection owns its own engine
// session, so two tabs of the same user are two clients with independent
// subscriptions and presence trackings.
type Client struct {
	UserID  string
	Conn    *websocket.Conn
	Send    chan []byte
	Session *engine.Session

	mu        sync.Mutex
	trackings map[string]*engine.Tracking
	closed    bool
}

// Manager is the registry of active connections.
type Manager struct {
	clients     map[string]map[*Client]struct{}
	Register    chan *Client
	Unregister  chan *Client
	rateLimiter *ratelimit.RateLimiter
	mutex       sync.RWMutex
}

func NewManager() *Manager {
	rl := ratelimit.NewRateLimiter()
	rl.StartCleanupRoutine()

	return &Manager{
		clients:     make(map[string]map[*Client]struct{}),
		Register:    make(chan *Client),
		Unregister:  make(chan *Client),
		rateLimiter: rl,
	}
}

// Start runs the manager's registry loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case client := <-m.Register:
				m.mutex.Lock()
				if m.clients[client.UserID] == nil {
					m.clients[client.UserID] = make(map[*Client]struct{})
				}
				m.clients[client.UserID][client] = struct{}{}
				m.mutex.Unlock()
				logger.Info("Client registered: %s", client.UserID)

			case client := <-m.Unregister:
				m.mutex.Lock()
				if conns, ok := m.clients[client.UserID]; ok {
					if _, ok := conns[client]; ok {
						delete(conns, client)
						if len(conns) == 0 {
							delete(m.clients, client.UserID)
						}
						client.markClosed()
					}
				}
				m.mutex.Unlock()
				logger.Info("Client unregistered: %s", client.UserID)

			case <-ctx.Done():
				return
			}
		}
	}()
}

// SendToUser pushes a frame to every open connection of one user.
func (m *Manager) SendToUser(userID string, message []byte) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for client := range m.clients[userID] {
		client.push(message)
	}
}

// DisconnectUser expires every session of the user and closes the
// connections. Used when the user's credentials are revoked: the clients
// must reauthenticate before reconnecting.
func (m *Manager) DisconnectUser(userID string) {
	m.mutex.RLock()
	clients := make([]*Client, 0, len(m.clients[userID]))
	for client := range m.clients[userID] {
		clients = append(clients, client)
	}
	m.mutex.RUnlock()

	for _, client := range clients {
		m.sendErrorToClient(client, "Reauthentication required")
		client.Session.Expire()
		if client.Conn != nil {
			client.Conn.Close()
		}
	}
}

// IdentityVerifier reports whether a user's credentials are still valid.
// The Firebase auth client satisfies it.
type IdentityVerifier interface {
	GetUser(ctx context.Context, uid string) error
}

// StartRevocationSweep periodically re-checks every connected user against
// the identity provider and disconnects those whose accounts were disabled
// or deleted since they authenticated. Token verification only happens at
// connect time, so without the sweep a revoked user would stay connected
// until the socket dropped on its own.
func (m *Manager) StartRevocationSweep(ctx context.Context, verifier IdentityVerifier, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkConnectedUsers(ctx, verifier)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) checkConnectedUsers(ctx context.Context, verifier IdentityVerifier) {
	m.mutex.RLock()
	userIDs := make([]string, 0, len(m.clients))
	for userID := range m.clients {
		userIDs = append(userIDs, userID)
	}
	m.mutex.RUnlock()

	for _, userID := range userIDs {
		if err := verifier.GetUser(ctx, userID); err != nil {
			logger.Warn("Revocation check failed for %s, disconnecting: %v", userID, err)
			m.DisconnectUser(userID)
		}
	}
}

func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// push queues a frame without blocking; a consumer that cannot keep up has
// its connection dropped by the write pump once Send closes.
func (c *Client) push(message []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- message:
	default:
		logger.Warn("Dropping frame for slow client %s", c.UserID)
	}
}

// ReadPump consumes frames from the connection until it dies, then tears
// down the engine session so every subscription and tracking is released.
func (c *Client) ReadPump(m *Manager) {
	defer func() {
		m.Unregister <- c
		c.Session.Close()
		c.Conn.Close()
	}()

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket read error for %s: %v", c.UserID, err)
			}
			break
		}

		m.HandleClientMessage(c, message)
	}
}

// WritePump drains the Send channel onto the wire.
func (c *Client) WritePump() {
	defer c.Conn.Close()

	for {
		message, ok := <-c.Send
		if !ok {
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}

		if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logger.Error("WebSocket write error for %s: %v", c.UserID, err)
			return
		}
	}
}
