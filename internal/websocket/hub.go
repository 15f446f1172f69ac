package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"chatrelay-backend/internal/models"
)

const (
	channelPrefix = "transcript_updates:"

	defaultSubscribeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client serializes writes; gorilla connections allow one concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
	sub  *subscription
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub pushes transcript turns to websocket subscribers of a session. With a
// Redis client turns travel over pub/sub so every replica sees them;
// without one they are delivered in-process.
type Hub struct {
	mu               sync.RWMutex
	connections      map[string][]*client
	redisClient      *redis.Client
	subscriptions    map[string]*subscription
	subscribeTimeout time.Duration
}

// subscription is one Redis channel shared by every connection of a session.
// ready is closed once the subscribe round trip has finished; err is only
// read after that.
type subscription struct {
	cancel context.CancelFunc
	ready  chan struct{}
	err    error
	refs   int
}

func NewHub(redisClient *redis.Client) *Hub {
	return &Hub{
		connections:      make(map[string][]*client),
		redisClient:      redisClient,
		subscriptions:    make(map[string]*subscription),
		subscribeTimeout: defaultSubscribeTimeout,
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if !models.ValidSessionID(sessionID) {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn}
	if err := h.registerConnection(sessionID, c); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "transcript feed unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	// Keep connection alive and handle disconnect
	go func() {
		defer h.unregisterConnection(sessionID, c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (h *Hub) registerConnection(sessionID string, c *client) error {
	if h.redisClient != nil {
		sub, err := h.subscribe(sessionID)
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("failed to subscribe to transcript updates")
			return err
		}
		c.sub = sub
	}

	h.mu.Lock()
	h.connections[sessionID] = append(h.connections[sessionID], c)
	total := len(h.connections[sessionID])
	h.mu.Unlock()

	log.Info().Str("session_id", sessionID).Int("total", total).Msg("WebSocket connected")
	return nil
}

func (h *Hub) unregisterConnection(sessionID string, c *client) {
	h.mu.Lock()
	c.conn.Close()

	conns := h.connections[sessionID]
	for i, existing := range conns {
		if existing == c {
			h.connections[sessionID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.connections[sessionID]) == 0 {
		delete(h.connections, sessionID)
	}
	h.mu.Unlock()

	if c.sub != nil {
		h.releaseSubscription(sessionID, c.sub)
	}
	log.Info().Str("session_id", sessionID).Msg("WebSocket disconnected")
}

// subscribe joins the session's Redis channel, starting it on first use. The
// round trip to Redis runs outside h.mu and is bounded by subscribeTimeout.
func (h *Hub) subscribe(sessionID string) (*subscription, error) {
	h.mu.Lock()
	if sub, ok := h.subscriptions[sessionID]; ok {
		sub.refs++
		h.mu.Unlock()
		<-sub.ready
		if sub.err != nil {
			h.releaseSubscription(sessionID, sub)
			return nil, sub.err
		}
		return sub, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, ready: make(chan struct{}), refs: 1}
	h.subscriptions[sessionID] = sub
	h.mu.Unlock()

	subCtx, cancelSub := context.WithTimeout(ctx, h.subscribeTimeout)
	pubsub := h.redisClient.Subscribe(subCtx, channelPrefix+sessionID)
	_, err := pubsub.Receive(subCtx)
	cancelSub()

	if err != nil {
		pubsub.Close()
		h.mu.Lock()
		if h.subscriptions[sessionID] == sub {
			delete(h.subscriptions, sessionID)
		}
		h.mu.Unlock()
		sub.err = err
		close(sub.ready)
		h.releaseSubscription(sessionID, sub)
		return nil, err
	}

	close(sub.ready)
	go h.forward(ctx, sessionID, pubsub)
	return sub, nil
}

// releaseSubscription drops one reference and stops the channel with the last.
func (h *Hub) releaseSubscription(sessionID string, sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub.refs--
	if sub.refs > 0 {
		return
	}
	sub.cancel()
	if h.subscriptions[sessionID] == sub {
		delete(h.subscriptions, sessionID)
	}
}

func (h *Hub) forward(ctx context.Context, sessionID string, pubsub *redis.PubSub) {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(sessionID, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(sessionID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.connections[sessionID] {
		if err := c.write(data); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("WebSocket write failed")
		}
	}
}

// PublishTurn announces a newly appended turn to the session's subscribers.
func (h *Hub) PublishTurn(ctx context.Context, sessionID string, turn models.Turn) {
	data, err := json.Marshal(models.TurnEvent{Type: "turn_appended", SessionID: sessionID, Turn: turn})
	if err != nil {
		return
	}

	if h.redisClient == nil {
		h.broadcast(sessionID, data)
		return
	}
	if err := h.redisClient.Publish(ctx, channelPrefix+sessionID, data).Err(); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to publish transcript update")
	}
}

func (h *Hub) connectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[sessionID])
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conns := range h.connections {
		for _, c := range conns {
			c.conn.Close()
		}
		delete(h.connections, id)
	}
	for id, sub := range h.subscriptions {
		sub.cancel()
		delete(h.subscriptions, id)
	}
}
