package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"weight-atlas/internal/metrics"
)

// MaxWSConnectionsPerIP caps WebSocket connections from a single client IP.
const MaxWSConnectionsPerIP = 8

// Message is the envelope of every WebSocket message in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageHandler answers one client message. A false ok sends no reply.
type MessageHandler func(event string, data json.RawMessage) (replyEvent string, reply interface{}, ok bool)

type wsClient struct {
	id   string
	conn *websocket.Conn
	ip   string
}

type directMessage struct {
	conn *websocket.Conn
	body []byte
}

// WebSocketHub fans frame notifications out to clients. All writes to a
// connection happen on the Run goroutine.
type WebSocketHub struct {
	clients    map[*websocket.Conn]*wsClient
	broadcast  chan []byte
	direct     chan directMessage
	register   chan *wsClient
	unregister chan *websocket.Conn
	stopChan   chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	upgrader  websocket.Upgrader
	limiter   *ConnLimiter
	maxTotal  int
	onMessage MessageHandler
}

// NewWebSocketHub creates a hub accepting at most maxTotal clients from the
// allowed origins.
func NewWebSocketHub(maxTotal int, origins OriginPolicy) *WebSocketHub {
	if maxTotal <= 0 {
		maxTotal = 64
	}
	h := &WebSocketHub{
		clients:    make(map[*websocket.Conn]*wsClient),
		broadcast:  make(chan []byte, 256),
		direct:     make(chan directMessage, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		stopChan:   make(chan struct{}),
		limiter:    NewConnLimiter(MaxWSConnectionsPerIP),
		maxTotal:   maxTotal,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origins.Allowed(origin) {
				return true
			}
			log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
			metrics.RecordConnectionRejected("origin")
			return false
		},
	}
	return h
}

// SetMessageHandler installs the handler for client messages. Call before Run.
func (h *WebSocketHub) SetMessageHandler(fn MessageHandler) {
	h.onMessage = fn
}

// Run serves the hub until Stop is called.
func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.stopChan:
			h.mu.Lock()
			for conn, c := range h.clients {
				h.limiter.Release(c.ip)
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.UpdateWSConnections(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			count := len(h.clients)
			h.mu.Unlock()

			log.Printf("📱 Client %s connected from %s (%d total)", client.id, client.ip, count)
			metrics.UpdateWSConnections(count)

			// hello goes out before the reader starts, so it precedes any reply
			if b, ok := encode("hello", map[string]string{"id": client.id}); ok {
				if client.conn.WriteMessage(websocket.TextMessage, b) != nil {
					h.drop(client.conn)
				}
			}

		case conn := <-h.unregister:
			h.drop(conn)
			count := h.ClientCount()
			log.Printf("📱 Client disconnected (%d remaining)", count)
			metrics.UpdateWSConnections(count)

		case m := <-h.direct:
			h.mu.RLock()
			_, ok := h.clients[m.conn]
			h.mu.RUnlock()
			if ok && m.conn.WriteMessage(websocket.TextMessage, m.body) != nil {
				h.drop(m.conn)
			}

		case message := <-h.broadcast:
			var failed []*websocket.Conn
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
			metrics.IncrementWSMessages()
		}
	}
}

func (h *WebSocketHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[conn]; ok {
		h.limiter.Release(c.ip)
		delete(h.clients, conn)
		conn.Close()
	}
}

// Stop disconnects every client and ends Run.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

func encode(event string, data interface{}) ([]byte, bool) {
	b, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	if err != nil {
		log.Printf("⚠️ WebSocket encode %s: %v", event, err)
		return nil, false
	}
	return b, true
}

// Broadcast queues a message for every client. It drops the message when the
// queue is full.
func (h *WebSocketHub) Broadcast(event string, data interface{}) {
	b, ok := encode(event, data)
	if !ok {
		return
	}
	select {
	case h.broadcast <- b:
	default:
	}
}

func (h *WebSocketHub) send(conn *websocket.Conn, event string, data interface{}) {
	b, ok := encode(event, data)
	if !ok {
		return
	}
	select {
	case h.direct <- directMessage{conn: conn, body: b}:
	default:
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and reads client messages until the
// connection closes.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	if total := h.ClientCount(); total >= h.maxTotal {
		log.Printf("⚠️ WebSocket connection rejected: total limit reached (%d)", total)
		metrics.RecordConnectionRejected("ws_limit")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	if !h.limiter.Acquire(ip) {
		log.Printf("⚠️ WebSocket connection rejected from %s: per-IP limit reached", ip)
		metrics.RecordConnectionRejected("ws_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		h.limiter.Release(ip)
		return
	}

	select {
	case h.register <- &wsClient{id: uuid.NewString(), conn: conn, ip: ip}:
	case <-h.stopChan:
		h.limiter.Release(ip)
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.stopChan:
			}
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				h.send(conn, "error", map[string]string{"error": "invalid message"})
				continue
			}
			if h.onMessage == nil {
				continue
			}
			if event, reply, ok := h.onMessage(msg.Event, msg.Data); ok {
				h.send(conn, event, reply)
			}
		}
	}()
}
