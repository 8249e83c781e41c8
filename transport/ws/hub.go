// Package ws implements the websocket transport (spec.md §6.1): human
// reviewers connect once and receive every HITL lifecycle event
// (creation, approval, rejection, expiry) pushed live instead of polling
// the REST surface, built on gorilla/websocket the way the teacher
// framework's own websocket transport is structured.
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hostbridge-dev/hostbridge/core"
	"github.com/hostbridge-dev/hostbridge/hitl"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Hub upgrades HTTP connections to websockets and fans out HITL events to
// every connected reviewer.
type Hub struct {
	Coordinator *hitl.Coordinator
	Logger      core.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	conn *websocket.Conn
	send chan hitl.Request
}

// NewHub builds a Hub wired to coordinator. allowedOrigins controls
// CheckOrigin; an empty list allows any origin.
func NewHub(coordinator *hitl.Coordinator, allowedOrigins []string) *Hub {
	h := &Hub{
		Coordinator: coordinator,
		clients:     make(map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeHTTP upgrades the connection and registers it as a HITL watcher for
// the lifetime of the socket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Error("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{conn: conn, send: make(chan hitl.Request, 64)}
	id := fmt.Sprintf("%p", c)

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	h.Coordinator.RegisterWatcher(id, func(req hitl.Request) {
		select {
		case c.send <- req:
		default:
			// slow consumer: drop rather than block the coordinator
		}
	})

	for _, pending := range h.Coordinator.Pending() {
		select {
		case c.send <- pending:
		default:
		}
	}

	go h.writePump(id, c)
	go h.readPump(id, c)
}

func (h *Hub) writePump(id string, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case req, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(map[string]interface{}{
				"type":    "hitl_event",
				"request": req,
			})
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(id string, c *client) {
	defer h.disconnect(id, c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) disconnect(id string, c *client) {
	h.Coordinator.UnregisterWatcher(id)

	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()

	close(c.send)
}

// Close disconnects every connected client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make(map[string]*client, len(h.clients))
	for id, c := range h.clients {
		clients[id] = c
	}
	h.mu.Unlock()

	for id, c := range clients {
		h.disconnect(id, c)
	}
}

func (h *Hub) logger() core.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return core.NoOpLogger{}
}
