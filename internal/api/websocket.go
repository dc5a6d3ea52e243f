package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aitask/aitask/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WSHandler streams task lifecycle events to websocket clients. Every client
// receives every event; there is no per-task subscription protocol.
type WSHandler struct {
	upgrader  websocket.Upgrader
	publisher events.Publisher
	logger    *slog.Logger

	mu          sync.Mutex
	connections map[string]*wsConnection
}

type wsConnection struct {
	id     string
	conn   *websocket.Conn
	feed   <-chan events.Event
	done   chan struct{}
	closed sync.Once
}

// NewWSHandler creates the websocket handler.
func NewWSHandler(pub events.Publisher, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		publisher:   pub,
		logger:      logger,
		connections: make(map[string]*wsConnection),
	}
}

// ServeHTTP upgrades the request and starts the pumps.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConnection{
		id:   uuid.NewString(),
		conn: conn,
		feed: h.publisher.Subscribe(events.AllTasks),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "conn_id", c.id)

	go h.readPump(c)
	go h.writePump(c)
}

// readPump drains the client side; its only real job is noticing the close.
func (h *WSHandler) readPump(c *wsConnection) {
	defer h.closeConnection(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump forwards publisher events as JSON frames and keeps the
// connection alive with pings.
func (h *WSHandler) writePump(c *wsConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.closeConnection(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case e, ok := <-c.feed:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) closeConnection(c *wsConnection) {
	c.closed.Do(func() {
		close(c.done)
		h.publisher.Unsubscribe(events.AllTasks, c.feed)
		_ = c.conn.Close()

		h.mu.Lock()
		delete(h.connections, c.id)
		h.mu.Unlock()
		h.logger.Info("websocket client disconnected", "conn_id", c.id)
	})
}
