package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"DEFECT_MONITOR/go-backend/internal/models"
	"DEFECT_MONITOR/go-backend/internal/services"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsSendBuffer = 256
)

type WebSocketMessage struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	ClientID  string      `json:"client_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type wsClient struct {
	conn     *websocket.Conn
	clientID string
	send     chan WebSocketMessage
}

// Hub tracks connected dashboards and broadcasts new defect records to them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*wsClient
	metrics  *services.Metrics
	upgrader websocket.Upgrader
}

func NewHub(metrics *services.Metrics) *Hub {
	return &Hub{
		clients: make(map[string]*wsClient),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		if h.metrics != nil {
			h.metrics.IncrementWebSocketErrors()
		}
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	client := &wsClient{
		conn:     conn,
		clientID: clientID,
		send:     make(chan WebSocketMessage, wsSendBuffer),
	}
	h.register(client)
	slog.Info("websocket client connected", "client_id", clientID)

	h.reply(client, WebSocketMessage{
		Type:      "WELCOME",
		ClientID:  clientID,
		Timestamp: time.Now().Unix(),
		Payload: map[string]interface{}{
			"message": "Connected to defect monitor",
			"version": "1.0",
		},
	})

	go h.writePump(client)
	h.readPump(client)
}

// Publish implements services.EventSink. Slow clients drop messages rather than block.
func (h *Hub) Publish(rec models.DefectRecord) {
	msg := WebSocketMessage{
		Type:      "DEFECT",
		Payload:   rec,
		Timestamp: time.Now().Unix(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Warn("websocket send buffer full, dropping message", "client_id", c.clientID)
			if h.metrics != nil {
				h.metrics.IncrementWebSocketErrors()
			}
		}
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll sends a close frame to every client and forgets them.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		if h.metrics != nil {
			h.metrics.DecrementWebSocketConnections()
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	if old, ok := h.clients[c.clientID]; ok {
		close(old.send)
		if h.metrics != nil {
			h.metrics.DecrementWebSocketConnections()
		}
	}
	h.clients[c.clientID] = c
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.IncrementWebSocketConnections()
	}
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	cur, ok := h.clients[c.clientID]
	if ok && cur == c {
		delete(h.clients, c.clientID)
		close(c.send)
	}
	h.mu.Unlock()
	if ok && cur == c && h.metrics != nil {
		h.metrics.DecrementWebSocketConnections()
	}
}

// Цикл чтения из WebSocket
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		slog.Info("websocket client disconnected", "client_id", c.clientID)
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var msg WebSocketMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "client_id", c.clientID, "error", err)
			}
			return
		}
		if h.metrics != nil {
			h.metrics.IncrementWebSocketMessages()
		}

		switch msg.Type {
		case "PING":
			h.reply(c, WebSocketMessage{
				Type:      "PONG",
				ClientID:  c.clientID,
				Timestamp: time.Now().Unix(),
			})
		default:
			slog.Debug("unknown websocket message type", "client_id", c.clientID, "type", msg.Type)
		}
	}
}

func (h *Hub) reply(c *wsClient, msg WebSocketMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c.clientID] != c {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// Цикл отправки в WebSocket
func (h *Hub) writePump(c *wsClient) {
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
			if err := c.conn.WriteJSON(msg); err != nil {
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
