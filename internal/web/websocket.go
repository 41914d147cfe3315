package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one message pushed to websocket clients.
type Event struct {
	Topic     string `json:"topic"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// subscriber is one websocket client and the topic prefix it asked for.
// An empty prefix receives everything.
type subscriber struct {
	prefix string
}

func (s subscriber) wants(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Hub fans bus events out to websocket clients. All writes to a client
// happen under mu, so pings and broadcasts never interleave.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]subscriber
	broadcast chan Event
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]subscriber),
		broadcast: make(chan Event, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ping.C:
			h.each(func(c *websocket.Conn, _ subscriber) error {
				return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			})
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				slog.Warn("encode websocket event failed", "topic", event.Topic, "error", err)
				continue
			}
			h.each(func(c *websocket.Conn, sub subscriber) error {
				if !sub.wants(event.Topic) {
					return nil
				}
				_ = c.SetWriteDeadline(time.Now().Add(writeWait))
				return c.WriteMessage(websocket.TextMessage, data)
			})
		}
	}
}

// each calls fn for every client and drops the ones that fail.
func (h *Hub) each(fn func(*websocket.Conn, subscriber) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, sub := range h.clients {
		if err := fn(c, sub); err != nil {
			c.Close()
			delete(h.clients, c)
		}
	}
}

func (h *Hub) closeAll() {
	h.each(func(*websocket.Conn, subscriber) error { return websocket.ErrCloseSent })
}

func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		slog.Warn("websocket broadcast channel full, dropping event", "topic", event.Topic)
	}
}

// Register adds conn, delivering only topics that start with prefix.
func (h *Hub) Register(conn *websocket.Conn, prefix string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = subscriber{prefix: prefix}
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleWebSocket streams events to the client. ?topic=events.fleet limits
// the stream to one branch of the event hierarchy.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(conn, r.URL.Query().Get("topic"))
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients only listen; reads process pongs and detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// contextWithDisconnect returns a context that ends once the client stops
// reading. The returned context owns the connection's read side.
func contextWithDisconnect(r *http.Request, conn *websocket.Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return ctx, cancel
}
