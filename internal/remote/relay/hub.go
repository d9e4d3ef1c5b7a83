// Package relay fans remote change notifications out to devices over
// WebSocket. A relay sits next to a remote store that can notify (such as the
// Postgres store) and lets devices subscribe without holding a database
// connection.
package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/tourneysync/internal/ids"
	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/remote"
)

// Message types sent by the hub.
const (
	TypeChange        = "change"
	TypeSubscribeAck  = "subscribe_ack"
	TypePong          = "pong"
	TypeSyncCompleted = "sync.completed"
	TypeConflict      = "sync.conflict_detected"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type        string                 `json:"type"`
	Change      *remote.Change         `json:"change,omitempty"`
	Collections []string               `json:"collections,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   int64                  `json:"timestamp"`
}

// request is a message sent by a device.
type request struct {
	Action      string   `json:"action"`
	Collections []string `json:"collections"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu sync.RWMutex
	// An empty set means every collection.
	collections map[string]bool
}

func (c *client) wants(collection string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.collections) == 0 || collection == "" || c.collections[collection]
}

// Hub tracks connected devices and broadcasts to them.
type Hub struct {
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates a Hub. With no allowed origins every origin is accepted.
func NewHub(allowedOrigins ...string) *Hub {
	h := &Hub{
		clients: make(map[string]*client),
		log:     logging.Get().With(map[string]interface{}{"component": "relay"}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowedOrigins {
				if strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Clients returns the number of connected devices.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishChange relays a remote change to subscribed devices.
func (h *Hub) PublishChange(c remote.Change) {
	h.send(c.Collection, Envelope{Type: TypeChange, Change: &c})
}

// Broadcast sends an event of messageType to every device.
func (h *Hub) Broadcast(messageType string, data map[string]interface{}) {
	h.send("", Envelope{Type: messageType, Data: data})
}

func (h *Hub) send(collection string, env Envelope) {
	env.Timestamp = time.Now().Unix()
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error("failed to marshal relay message", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if !c.wants(collection) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// A device that cannot keep up is dropped and will resubscribe.
			delete(h.clients, id)
			close(c.send)
			h.log.Warn("dropped slow relay client", map[string]interface{}{"client_id": id})
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info("relay client connected", map[string]interface{}{"client_id": c.id, "total": total})
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info("relay client disconnected", map[string]interface{}{"client_id": c.id, "total": total})
}

// ServeHTTP upgrades the request and serves one device.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("relay upgrade failed", map[string]interface{}{"error": err.Error(), "remote": r.RemoteAddr})
		return
	}
	c := &client{
		id:          ids.New(ids.Client),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		hub:         h,
		collections: make(map[string]bool),
	}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("relay read failed", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var req request
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		switch req.Action {
		case "subscribe":
			c.mu.Lock()
			for _, name := range req.Collections {
				c.collections[name] = true
			}
			c.mu.Unlock()
			c.reply(Envelope{Type: TypeSubscribeAck, Collections: req.Collections})
		case "unsubscribe":
			c.mu.Lock()
			for _, name := range req.Collections {
				delete(c.collections, name)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(Envelope{Type: TypePong})
		}
	}
}

func (c *client) reply(env Envelope) {
	env.Timestamp = time.Now().Unix()
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
