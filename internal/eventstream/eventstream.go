// Package eventstream is the diagnostic `GET /events` websocket fan-out
// supplementing spec.md's HTTP surface (SPEC_FULL.md): every /execute
// response summary is broadcast to connected diagnostic clients.
// Grounded on internal/agentexec/server.go's upgrader/write-mutex/ping
// pattern, downsized from a bidirectional agent protocol to one-way
// broadcast. Uses github.com/gorilla/websocket, a teacher root dependency.
package eventstream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var componentLog = log.With().Str("component", "eventstream").Logger()

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pingInterval  = 5 * time.Second
	pingWriteWait = 5 * time.Second
)

// Event is one execution summary broadcast to diagnostic subscribers.
type Event struct {
	OK         bool  `json:"ok"`
	DurationMS int64 `json:"durationMs"`
	LogCount   int   `json:"logCount"`
	Timestamp  int64 `json:"timestamp"`
}

type client struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

func (c *client) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Hub tracks connected diagnostic websocket clients and broadcasts events
// to all of them, best-effort: a client whose write fails is dropped.
// Writes are synchronous, so a slow client delays the broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// ServeHTTP upgrades the connection and registers it until the client
// disconnects or the hub is asked to drop it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		componentLog.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.pingLoop(c)
	h.readLoop(c)
}

// readLoop blocks on incoming frames purely to detect disconnect; this
// channel is one-way (host -> client), so any received frame is discarded.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) pingLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
		_ = c.conn.Close()
	}
}

// Broadcast sends ev as a JSON text frame to every connected client.
func (h *Hub) Broadcast(ev Event) {
	encoded, err := json.Marshal(ev)
	if err != nil {
		componentLog.Warn().Err(err).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.writeMu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, encoded)
		c.writeMu.Unlock()
		if err != nil {
			h.remove(c)
		}
	}
}

// Size reports the number of connected diagnostic clients.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
