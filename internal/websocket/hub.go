// Package websocket pushes sync events to connected dashboards.
package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/models"
)

const writeWait = 10 * time.Second

// EventSyncComplete is sent after every finished folder run.
const EventSyncComplete = "sync_complete"

// Event is the JSON envelope written to clients.
type Event struct {
	Type string             `json:"type"`
	Run  *models.RunSummary `json:"run,omitempty"`
}

// Client wraps a WebSocket connection. Writes are serialized per client.
type Client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages the active WebSocket connections.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxClients int
	log        zerolog.Logger
}

// NewHub creates a new Hub with a connection limit.
func NewHub(maxClients int, log zerolog.Logger) *Hub {
	if maxClients <= 0 {
		maxClients = 10
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxClients: maxClients,
		log:        log,
	}
}

// Register adds a WebSocket connection.
// If the limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.maxClients {
		h.log.Warn().Int("max", h.maxClients).Msg("too many websocket connections, closing new one")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	h.clients[client] = struct{}{}
	return client
}

// Unregister removes a client and closes the connection.
func (h *Hub) Unregister(client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	_ = client.conn.Close()
}

// Broadcast writes msg to every client. Clients that fail are dropped.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.write(msg); err != nil {
			h.log.Debug().Err(err).Msg("failed to write websocket message")
			h.Unregister(client)
		}
	}
}

// NotifySyncComplete broadcasts a sync_complete event for summary.
func (h *Hub) NotifySyncComplete(summary models.RunSummary) {
	msg, err := json.Marshal(Event{Type: EventSyncComplete, Run: &summary})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode sync event")
		return
	}
	h.Broadcast(msg)
}

// ActiveConnections returns the number of active WebSocket connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}
