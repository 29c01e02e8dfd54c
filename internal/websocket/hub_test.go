package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/supportmail/internal/models"
)

// newHubServer serves a handler registering every connection with hub.
func newHubServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := hub.Register(conn)
		if client == nil {
			return
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					hub.Unregister(client)
					return
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForConnections(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ActiveConnections() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(10, zerolog.Nop())
	srv := newHubServer(t, hub)

	first := dial(t, srv)
	second := dial(t, srv)
	waitForConnections(t, hub, 2)

	hub.NotifySyncComplete(models.RunSummary{Folder: "INBOX", Synced: 3, Cursor: 42})

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var event Event
		require.NoError(t, json.Unmarshal(data, &event))
		assert.Equal(t, EventSyncComplete, event.Type)
		require.NotNil(t, event.Run)
		assert.Equal(t, "INBOX", event.Run.Folder)
		assert.Equal(t, 3, event.Run.Synced)
		assert.Equal(t, uint32(42), event.Run.Cursor)
	}
}

func TestHubConnectionLimit(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	srv := newHubServer(t, hub)

	dial(t, srv)
	waitForConnections(t, hub, 1)

	rejected := dial(t, srv)
	_ = rejected.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := rejected.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, 1, hub.ActiveConnections())
}

func TestHubUnregisterOnDisconnect(t *testing.T) {
	hub := NewHub(10, zerolog.Nop())
	srv := newHubServer(t, hub)

	conn := dial(t, srv)
	waitForConnections(t, hub, 1)

	require.NoError(t, conn.Close())
	waitForConnections(t, hub, 0)

	hub.Unregister(nil)
	hub.Broadcast([]byte(`{}`))
}
