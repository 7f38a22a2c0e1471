package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"casefile-backend/pkg/auth"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Send buffer size
	sendBufferSize = 256
)

// Client represents one websocket connection owned by an
// authenticated user.
type Client struct {
	id          string
	userID      string
	displayName string
	coordinator *Coordinator
	conn        *websocket.Conn
	send        chan []byte
	limiter     auth.RateLimiter
	logger      *zap.Logger
}

// NewClient wraps an upgraded connection. connectionID must already be
// bound in the registry.
func NewClient(connectionID, userID, displayName string, coordinator *Coordinator, conn *websocket.Conn, limiter auth.RateLimiter, logger *zap.Logger) *Client {
	return &Client{
		id:          connectionID,
		userID:      userID,
		displayName: displayName,
		coordinator: coordinator,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		limiter:     limiter,
		logger: logger.With(
			zap.String("userID", userID),
			zap.String("connectionID", connectionID),
		),
	}
}

// Start registers with the coordinator and begins the read and write
// pumps.
func (c *Client) Start() {
	c.coordinator.Register(c)
	go c.writePump()
	go c.readPump()
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// UserID returns the authenticated user's id.
func (c *Client) UserID() string {
	return c.userID
}

// trySend queues an outbound frame without blocking. A full buffer
// means the consumer is too slow and the frame is dropped.
func (c *Client) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// readPump pumps frames from the connection to the coordinator.
func (c *Client) readPump() {
	defer func() {
		c.coordinator.Disconnect(c)
		c.conn.Close()
		c.logger.Debug("Read pump stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Warn("Binary messages not supported")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.sendError("malformed message", "VALIDATION", "")
			continue
		}
		if env.Event == "" {
			c.sendError("event name required", "VALIDATION", "")
			continue
		}

		if c.limiter != nil {
			allowed, err := c.limiter.Allow(context.Background(), c.id)
			if err != nil || !allowed {
				c.sendError("rate limit exceeded", "VALIDATION", "")
				continue
			}
		}

		c.coordinator.Dispatch(c, env)
	}
}

// writePump pumps queued frames to the connection and keeps it alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("Write pump stopped")
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
				c.logger.Warn("Failed to write message", zap.Error(err))
				return
			}

			// Drain queued messages into the same write cycle
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					c.logger.Warn("Failed to write batched message", zap.Error(err))
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError emits an error event directly from the read pump, before
// the message reaches the coordinator.
func (c *Client) sendError(message, code, commandID string) {
	data, err := marshalEnvelope(EventError, ErrorPayload{
		Message:   message,
		Code:      code,
		CommandID: commandID,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}
