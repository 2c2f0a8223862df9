package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"messenger/internal/models"
)

// FrameHandler processes one client frame to completion and returns the ack
// to send back, or nil when the frame expects none.
type FrameHandler interface {
	HandleFrame(ctx context.Context, c *Client, frame models.Envelope) *models.Ack
}

type Options struct {
	SendBuffer       int
	MaxFrameBytes    int64
	OperationTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:       256,
		MaxFrameBytes:    8192,
		OperationTimeout: 10 * time.Second,
		PingInterval:     54 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = d.MaxFrameBytes
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	return o
}

// Client is one live websocket connection of an authenticated user.
type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   string
	username string
	rooms    map[string]struct{}
	handler  FrameHandler
	opts     Options
	base     context.Context
	logger   *zap.Logger

	closeOnce sync.Once
}

// NewClient wraps conn. base bounds every operation the client runs; it is
// usually the server's lifetime context rather than the upgrade request's.
func NewClient(base context.Context, hub *Hub, conn *websocket.Conn, userID, username string, handler FrameHandler, opts Options) *Client {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Client{
		id:       id,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, opts.SendBuffer),
		userID:   userID,
		username: username,
		rooms:    make(map[string]struct{}),
		handler:  handler,
		opts:     opts,
		base:     base,
		logger:   hub.logger.With(zap.String("client_id", id), zap.String("user_id", userID)),
	}
}

func (c *Client) ID() string       { return c.id }
func (c *Client) UserID() string   { return c.userID }
func (c *Client) Username() string { return c.username }

// InRoom reports whether the client currently listens on room.
func (c *Client) InRoom(room string) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// Ack answers the frame identified by ackID.
func (c *Client) Ack(ackID string, ack models.Ack) {
	raw, err := json.Marshal(ack)
	if err != nil {
		c.logger.Error("failed to marshal ack", zap.Error(err))
		return
	}
	data, err := json.Marshal(models.Envelope{Type: models.EventAck, AckID: ackID, Payload: raw})
	if err != nil {
		c.logger.Error("failed to marshal ack envelope", zap.Error(err))
		return
	}
	c.hub.deliver(c, data)
}

func (c *Client) setupReadConnection() {
	c.conn.SetReadLimit(c.opts.MaxFrameBytes)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
}

// ReadPump reads frames one at a time. Each frame is handled to completion,
// including persistence and fan-out, before the next one is read, so a
// client's submissions are acknowledged in the order it sent them.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeConn()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		var frame models.Envelope
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
			c.logger.Debug("invalid frame", zap.Error(err))
			c.Ack("", models.Ack{OK: false, Error: "malformed frame", Code: "invalid_argument"})
			continue
		}

		c.handle(frame)
	}
}

func (c *Client) handle(frame models.Envelope) {
	ctx, cancel := context.WithTimeout(c.base, c.opts.OperationTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered from panic while handling frame",
				zap.String("type", frame.Type), zap.Any("panic", r))
			c.Ack(frame.AckID, models.Ack{OK: false, Error: "internal error", Code: "unavailable"})
		}
	}()

	ack := c.handler.HandleFrame(ctx, c, frame)
	if ack == nil {
		return
	}
	if frame.AckID != "" || !ack.OK {
		c.Ack(frame.AckID, *ack)
	}
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", zap.Int64("max_bytes", c.opts.MaxFrameBytes))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.logger.Debug("websocket read ended", zap.Error(err))
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
