package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay-backend/internal/models"
)

func serveHub(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/sessions/{id}/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + sessionID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.TurnEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev models.TurnEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func waitForConnections(t *testing.T, hub *Hub, sessionID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.connectionCount(sessionID) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_InProcessDelivery(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	srv := serveHub(t, hub)

	conn := dial(t, srv, "s1")
	other := dial(t, srv, "s2")
	waitForConnections(t, hub, "s1", 1)
	waitForConnections(t, hub, "s2", 1)

	hub.PublishTurn(context.Background(), "s1", models.Turn{Role: models.RoleUser, Text: "Hi"})

	ev := readEvent(t, conn)
	assert.Equal(t, "turn_appended", ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "Hi", ev.Turn.Text)

	// s2 sees nothing.
	require.NoError(t, other.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestHub_RedisDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hub := NewHub(client)
	defer hub.Close()
	srv := serveHub(t, hub)

	a := dial(t, srv, "s1")
	b := dial(t, srv, "s1")
	waitForConnections(t, hub, "s1", 2)

	hub.PublishTurn(context.Background(), "s1", models.Turn{Role: models.RoleAssistant, Text: "hello"})

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, models.RoleAssistant, ev.Turn.Role)
		assert.Equal(t, "hello", ev.Turn.Text)
	}
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hub := NewHub(client)
	defer hub.Close()
	srv := serveHub(t, hub)

	conn := dial(t, srv, "s1")
	waitForConnections(t, hub, "s1", 1)

	require.NoError(t, conn.Close())
	waitForConnections(t, hub, "s1", 0)

	assert.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		_, subscribed := hub.subscriptions["s1"]
		return !subscribed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_RejectsInvalidSessionID(t *testing.T) {
	srv := serveHub(t, NewHub(nil))

	resp, err := http.Get(srv.URL + "/sessions/bad.id/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// silentListener accepts connections and never answers, like a stalled Redis.
func silentListener(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return l.Addr().String()
}

func TestHub_StalledSubscribeDoesNotBlockBroadcast(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: silentListener(t), MaxRetries: -1})
	defer client.Close()

	hub := NewHub(client)
	hub.subscribeTimeout = 300 * time.Millisecond
	defer hub.Close()
	srv := serveHub(t, hub)

	conn := dial(t, srv, "s1")
	time.Sleep(50 * time.Millisecond) // subscribe is in flight

	done := make(chan struct{})
	go func() {
		hub.broadcast("s2", []byte(`{}`))
		hub.connectionCount("s1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("broadcast waited on the redis subscribe")
	}

	// The failed subscription closes the socket instead of leaving it deaf.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)

	assert.Equal(t, 0, hub.connectionCount("s1"))
	hub.mu.RLock()
	_, subscribed := hub.subscriptions["s1"]
	hub.mu.RUnlock()
	assert.False(t, subscribed)
}

func TestHub_SubscribeFailureRejectsConnection(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	hub := NewHub(client)
	defer hub.Close()
	srv := serveHub(t, hub)

	conn := dial(t, srv, "s1")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)
	assert.Equal(t, 0, hub.connectionCount("s1"))
}
