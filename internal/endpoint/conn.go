package endpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024 // 1MB
)

// Conn is a single accepted connection on an endpoint. Writes go through a
// buffered channel so a slow peer never blocks the router.
type Conn struct {
	ID       string
	endpoint *Endpoint
	ws       *websocket.Conn
	logger   *logger.Logger

	// mu guards send and closed: the channel may only be written or closed
	// while holding it, so a delivery racing a disconnect cannot hit a
	// closed channel.
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newConn(id string, ws *websocket.Conn, e *Endpoint, log *logger.Logger) *Conn {
	return &Conn{
		ID:       id,
		endpoint: e,
		ws:       ws,
		send:     make(chan []byte, 256),
		logger:   log.WithConnectionID(id),
	}
}

// readPump reads frames from the socket and hands parsed messages to the
// endpoint handler, preserving per-connection ordering.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.endpoint.removeConn(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("read error", zap.Error(err))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed frame", zap.Error(err))
			c.sendError("", protocol.CodeValidation, "Invalid message format", nil)
			continue
		}
		if msg.Type == "" {
			c.sendError(msg.ID, protocol.CodeValidation, "Message has no type", nil)
			continue
		}

		// Handled synchronously so message N+1 is not validated before the
		// reaction to message N finished.
		c.endpoint.handler.HandleMessage(ctx, c.endpoint.class, c.ID, &msg)
	}
}

// writePump drains the send channel to the socket and keeps the connection
// alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues raw bytes for delivery. A closed connection or a full
// buffer drops the message; backpressure at the message level is explicitly
// not provided.
func (c *Conn) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logger.Debug("dropping message for closed connection")
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping message")
	}
}

func (c *Conn) sendMessage(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Conn) sendError(requestID, code, text string, details map[string]interface{}) {
	c.sendMessage(protocol.NewError(requestID, code, text, details))
}

// close shuts the send channel exactly once. Enqueues observing the closed
// flag afterwards drop their message instead of panicking.
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
