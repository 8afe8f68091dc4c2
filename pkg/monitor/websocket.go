// Package monitor exposes the running emulator's transaction stream to a
// browser: a WebSocket hub that fans out FDC transaction events, plus a
// small HTTP server carrying health and metrics endpoints alongside it.
// Nothing here is on the protocol engine's critical path — it observes
// transactions after the fact, the same way pkg/audit does.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kh940fdc/kh940fdc/pkg/logger"
)

// Event is one message fanned out to connected WebSocket clients.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Marshal converts an event to JSON bytes.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// client is one connected WebSocket peer.
type client struct {
	id       string
	conn     *websocket.Conn
	messages chan []byte
}

// Hub manages connected WebSocket clients and fans out broadcast events.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	log        *logger.Logger
	mu         sync.RWMutex
}

// NewHub constructs a Hub. It does nothing until Run is started.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		log:        log,
	}
}

// Run drives the hub's event loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug("monitor client registered", logger.String("client_id", c.id))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.messages)
			}
			h.mu.Unlock()
			h.log.Debug("monitor client unregistered", logger.String("client_id", c.id))

		case event := <-h.broadcast:
			data, err := event.Marshal()
			if err != nil {
				h.log.Error("failed to marshal monitor event", logger.Error(err))
				continue
			}

			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.messages <- data:
				default:
					h.log.Warn("monitor client buffer full, dropping event", logger.String("client_id", c.id))
				}
			}
			h.mu.RUnlock()

		case <-ctx.Done():
			h.log.Info("monitor hub shutting down")
			h.mu.Lock()
			for c := range h.clients {
				close(c.messages)
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast sends an event to every connected client, dropping it if the
// hub's internal queue is full.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("monitor broadcast channel full, dropping event", logger.String("event_type", event.Type))
	}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler returns an HTTP handler that upgrades requests to WebSocket
// connections and registers them with the hub.
func (h *Hub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "websocket upgrade failed", http.StatusBadRequest)
			return
		}
		c := &client{id: r.RemoteAddr, conn: conn, messages: make(chan []byte, 256)}
		h.register <- c

		go func() {
			defer func() {
				h.unregister <- c
				_ = c.conn.Close()
			}()
			c.conn.SetReadLimit(1024)
			for {
				if _, _, err := c.conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		go func() {
			for msg := range c.messages {
				_ = c.conn.WriteMessage(websocket.TextMessage, msg)
			}
		}()
	})
}

// BroadcastTransaction fans out a completed FDC transaction to connected
// clients. command is the single-letter FDC command (or "OP" for the
// op-mode mode switch); psn is nil for commands that don't address a
// sector.
func (h *Hub) BroadcastTransaction(command string, psn *int, bytesIn, bytesOut int, duration time.Duration, transactionErr error) {
	data := map[string]interface{}{
		"command":     command,
		"bytes_in":    bytesIn,
		"bytes_out":   bytesOut,
		"duration_ms": duration.Milliseconds(),
	}
	if psn != nil {
		data["psn"] = *psn
	}
	if transactionErr != nil {
		data["error"] = transactionErr.Error()
	}
	h.Broadcast(Event{Type: "transaction", Data: data})
}

// BroadcastModeChange announces the engine's Op/Fdc mode transitions.
func (h *Hub) BroadcastModeChange(mode string) {
	h.Broadcast(Event{Type: "mode_change", Data: map[string]interface{}{"mode": mode}})
}
