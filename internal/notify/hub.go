package notify

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sbarhandoff/backend/internal/logging"
	"github.com/sbarhandoff/backend/internal/models"
	"github.com/sbarhandoff/backend/internal/sync/queue"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Event types other than queue notifications, which use "queue.<kind>".
const (
	EventStatus = "sync.status"
)

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

type message struct {
	eventType string
	payload   []byte
}

// wsClient represents a WebSocket client connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives eventType. A client with no
// subscriptions receives every event.
func (c *wsClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// Hub maintains active UI connections and broadcasts notifications to them.
type Hub struct {
	clients    map[string]*wsClient
	broadcast  chan message
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex

	upgrader  websocket.Upgrader
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHub creates a hub and starts its loop. allowedOrigins lists hosts
// (host or host:port) allowed to connect; empty allows only localhost.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	h.wg.Add(1)
	go h.run()
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := origin
		if i := strings.Index(host, "://"); i >= 0 {
			host = host[i+3:]
		}
		if len(allowed) == 0 {
			return host == "localhost" || strings.HasPrefix(host, "localhost:") ||
				host == "127.0.0.1" || strings.HasPrefix(host, "127.0.0.1:")
		}
		for _, a := range allowed {
			if a == "*" || a == host {
				return true
			}
		}
		return false
	}
}

// run manages client connections and broadcasts.
func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{"client_id": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{"client_id": client.id, "total": total})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(msg.eventType) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// send buffer full, drop the slow client
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to all subscribed clients. It never blocks on
// slow clients and is a no-op after Close.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("Failed to marshal WebSocket message", err, map[string]interface{}{"type": eventType})
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- message{eventType: eventType, payload: payload}:
	}
}

// Notify broadcasts a queue notification as "queue.<kind>".
func (h *Hub) Notify(n queue.Notification) {
	data := map[string]interface{}{
		"message": n.Message,
		"error":   n.Error(),
	}
	if n.Count > 0 {
		data["count"] = n.Count
	}
	if n.Operation != nil {
		data["operation"] = map[string]interface{}{
			"id":          n.Operation.ID,
			"type":        string(n.Operation.Type),
			"retryCount":  n.Operation.RetryCount,
			"patientId":   n.Operation.PatientID,
			"patientName": n.Operation.PatientName,
		}
	}
	h.Broadcast("queue."+string(n.Kind), data)
}

// BroadcastStatus publishes a queue status snapshot as EventStatus.
func (h *Hub) BroadcastStatus(status models.SyncStatus) {
	data := map[string]interface{}{
		"online":       status.Online,
		"syncing":      status.Syncing,
		"pendingCount": status.PendingCount,
	}
	if status.LastSyncTime != nil {
		data["lastSyncTime"] = status.LastSyncTime.UnixMilli()
	}
	if status.LastError != "" {
		data["lastError"] = status.LastError
	}
	if status.StorageError != "" {
		data["storageError"] = status.StorageError
	}
	h.Broadcast(EventStatus, data)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.done)
	})
	h.wg.Wait()
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &wsClient{
		id:            uuid.New().String(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.wg.Add(2)
	h.mu.Unlock()

	select {
	case <-h.done:
		h.wg.Done()
		h.wg.Done()
		conn.Close()
		return
	case h.register <- client:
	}

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the WebSocket connection.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		c.hub.wg.Done()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
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

// reply queues a direct response to this client. It drops the reply if the
// client has already been unregistered.
func (c *wsClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// StatusPublisher follows every notification with a fresh status snapshot on
// the hub, so UI badges track the queue without polling. It is silent until
// Bind is called.
type StatusPublisher struct {
	Hub *Hub

	mu     sync.RWMutex
	status func() models.SyncStatus
}

// Bind sets the status source, normally Queue.Status.
func (p *StatusPublisher) Bind(status func() models.SyncStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

func (p *StatusPublisher) Notify(queue.Notification) {
	p.mu.RLock()
	status := p.status
	p.mu.RUnlock()

	if status == nil || p.Hub == nil {
		return
	}
	p.Hub.BroadcastStatus(status())
}
