// Package monitor provides a read-only WebSocket feed of property cache
// events, for live debugging of a running propwatch process. It is a pure
// observer: it never drives the cache, only reports on it.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
)

// Event is one cache notification, serialized for the WebSocket feed.
type Event struct {
	Type      string `json:"type"` // available_changed, error_changed, properties_reset, property_changed, ready, lost
	Target    string `json:"target"`
	Available *bool  `json:"available,omitempty"`
	Error     string `json:"error,omitempty"`
	Key       string `json:"key,omitempty"`
	Value     any    `json:"value,omitempty"`
}

// Handler serves the monitor WebSocket endpoint and broadcasts Events pushed
// via Broadcast to every connected client.
type Handler struct {
	connsMu sync.RWMutex
	conns   map[*conn]struct{}
}

// NewHandler creates a monitor Handler.
func NewHandler() *Handler {
	return &Handler{conns: make(map[*conn]struct{})}
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	ctx  context.Context
	stop context.CancelFunc
}

// ServeHTTP upgrades the request to a WebSocket connection and streams
// broadcast Events to it until the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("monitor websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ws: ws, send: make(chan []byte, 256), ctx: ctx, stop: cancel}

	h.connsMu.Lock()
	h.conns[c] = struct{}{}
	h.connsMu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast pushes ev to every connected client, dropping it for any client
// whose send buffer is full rather than blocking.
func (h *Handler) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal monitor event", "error", err)
		return
	}

	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	for c := range h.conns {
		select {
		case c.send <- data:
		default:
			slog.Warn("monitor send buffer full, dropping event")
		}
	}
}

func (h *Handler) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.close(c)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case message, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, writeWait)
			err := c.ws.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, writeWait)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Handler) readPump(c *conn) {
	defer h.close(c)
	for {
		if _, _, err := c.ws.Read(c.ctx); err != nil {
			return
		}
	}
}

func (h *Handler) close(c *conn) {
	c.stop()
	h.connsMu.Lock()
	delete(h.conns, c)
	h.connsMu.Unlock()
	c.ws.Close(websocket.StatusNormalClosure, "")
}
