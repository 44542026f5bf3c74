package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sakaki-bot/sakaki/pkg/bus"
	"github.com/sakaki-bot/sakaki/pkg/logger"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsMaxMessage  = 1024
	wsSendBacklog = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Requests are authenticated by token, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// outgoing is an encoded bus event and its type, so filtering does not
// need to decode it again.
type outgoing struct {
	kind string
	data []byte
}

// Client is one dashboard WebSocket. It receives the event types in its
// filter, or every type when the filter is empty.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan outgoing

	mu     sync.RWMutex
	filter map[string]bool
}

func (c *Client) wants(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filter) == 0 || c.filter[kind]
}

func (c *Client) setFilter(kinds []string) {
	filter := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			filter[k] = true
		}
	}
	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()
}

// subscribeRequest is what a client may send to change its filter.
type subscribeRequest struct {
	Subscribe []string `json:"subscribe"`
}

// Hub streams bus events to dashboard clients. It keeps the last login and
// connection events and replays them to clients that join later, so a
// dashboard opened after the QR code was issued can still pair.
type Hub struct {
	msgBus     *bus.MessageBus
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]struct{}
	lastQR  *bus.QRCodeEvent
	replay  map[string][]byte
}

func NewHub(msgBus *bus.MessageBus) *Hub {
	return &Hub{
		msgBus:     msgBus,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		replay:     make(map[string][]byte),
	}
}

// LastQR returns the pending login event, or nil once the login
// succeeded or before any was issued.
func (h *Hub) LastQR() *bus.QRCodeEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.lastQR == nil {
		return nil
	}
	qr := *h.lastQR
	return &qr
}

// Clients returns the number of connected dashboards.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// remember updates the replay set. Callers hold h.mu.
func (h *Hub) remember(event bus.BusEvent, data []byte) {
	switch event.Type {
	case bus.EventQRCode:
		if event.QRCode.Event == "success" {
			h.lastQR = nil
			delete(h.replay, bus.EventQRCode)
			return
		}
		qr := *event.QRCode
		h.lastQR = &qr
		h.replay[bus.EventQRCode] = data
	case bus.EventConnection:
		h.replay[bus.EventConnection] = data
	}
}

// Run pumps bus events to clients until ctx is done or the bus closes.
func (h *Hub) Run(ctx context.Context) {
	events := h.msgBus.Subscribe()
	defer h.msgBus.Unsubscribe(events)
	defer close(h.done)
	defer h.dropAll()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for kind, data := range h.replay {
				h.deliver(client, outgoing{kind: kind, data: data})
			}
			n := len(h.clients)
			h.mu.Unlock()
			logger.DebugCF("dashboard", "WebSocket client connected", map[string]interface{}{"clients": n})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			logger.DebugC("dashboard", "WebSocket client disconnected")

		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			msg := outgoing{kind: event.Type, data: data}
			h.mu.Lock()
			h.remember(event, data)
			for client := range h.clients {
				h.deliver(client, msg)
			}
			h.mu.Unlock()
		}
	}
}

// deliver queues msg for client unless it filtered the type out or its
// backlog is full.
func (h *Hub) deliver(client *Client, msg outgoing) {
	if !client.wants(msg.kind) {
		return
	}
	select {
	case client.send <- msg:
	default:
	}
}

func (h *Hub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the request. An optional ?types=a,b query sets
// the initial filter.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("dashboard", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan outgoing, wsSendBacklog)}
	if types := r.URL.Query().Get("types"); types != "" {
		client.setFilter(strings.Split(types, ","))
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles filter changes and keeps the read deadline alive.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if json.Unmarshal(data, &req) == nil && req.Subscribe != nil {
			c.setFilter(req.Subscribe)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
