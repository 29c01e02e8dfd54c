package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/auth"
	ws "github.com/vdavid/supportmail/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint for sync events.
type WebSocketHandler struct {
	hub   *ws.Hub
	token string
	log   zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler instance. An empty
// token accepts every connection.
func NewWebSocketHandler(hub *ws.Hub, token string, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, token: token, log: log}
}

var wsUpgrader = websocket.Upgrader{
	// The server is expected to run behind a reverse proxy in a trusted environment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the HTTP connection to a WebSocket and registers it with the Hub.
// Browsers cannot set headers on WebSocket connections, so the token may also
// come as ?token=.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = auth.BearerToken(r)
		}
		if !auth.TokenMatches(h.token, token) {
			h.log.Debug().Str("remote", r.RemoteAddr).Msg("websocket connection without valid token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	client := h.hub.Register(conn)
	if client == nil {
		return
	}
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("websocket connection established")

	go h.readLoop(client)
}

// readLoop reads until the connection is closed, then unregisters the client.
func (h *WebSocketHandler) readLoop(client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(client)
}
