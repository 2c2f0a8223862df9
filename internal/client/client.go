// Package client is a websocket client for the chat protocol. It keeps one
// reconciled timeline per conversation and correlates acks with the frames
// that asked for them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"messenger/internal/models"
	"messenger/internal/reconcile"
)

var (
	// ErrAckTimeout means the server did not answer in time. The request may
	// or may not have been applied; resending with the same client token is
	// safe.
	ErrAckTimeout = errors.New("timed out waiting for ack")
	ErrClosed     = errors.New("connection closed")
)

// AckError is a request the server rejected.
type AckError struct {
	Code   string
	Reason string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

type Options struct {
	// UserID is the authenticated user; provisional rows are attributed to it.
	UserID      string
	AckTimeout  time.Duration
	EventBuffer int
	Logger      *zap.Logger
}

type Client struct {
	conn   *websocket.Conn
	opts   Options
	logger *zap.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan models.Ack
	timelines map[string]*reconcile.Timeline

	events chan models.Envelope
	done   chan struct{}
	err    error
}

// Dial connects to url with the bearer token and starts reading events.
func Dial(ctx context.Context, url, token string, opts Options) (*Client, error) {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:      conn,
		opts:      opts,
		logger:    opts.Logger,
		pending:   make(map[string]chan models.Ack),
		timelines: make(map[string]*reconcile.Timeline),
		events:    make(chan models.Envelope, opts.EventBuffer),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events yields every frame the server pushes, acks excluded. Frames are
// dropped when the buffer is full; timelines are updated regardless.
func (c *Client) Events() <-chan models.Envelope {
	return c.events
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Timeline returns the reconciled view of a conversation.
func (c *Client) Timeline(conversationID string) *reconcile.Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl, ok := c.timelines[conversationID]
	if !ok {
		tl = reconcile.NewTimeline()
		c.timelines[conversationID] = tl
	}
	return tl
}

func (c *Client) Join(ctx context.Context, conversationID string) error {
	_, err := c.request(ctx, models.FrameJoinConversation, models.ConversationRequest{ConversationID: conversationID})
	return err
}

func (c *Client) Leave(ctx context.Context, conversationID string) error {
	_, err := c.request(ctx, models.FrameLeaveConversation, models.ConversationRequest{ConversationID: conversationID})
	return err
}

// Send submits body with a fresh client token.
func (c *Client) Send(ctx context.Context, conversationID, body string) (models.Message, error) {
	return c.SendWithToken(ctx, conversationID, body, uuid.NewString())
}

// SendWithToken renders body provisionally, submits it and reconciles the
// provisional row with the server's answer. On any failure the provisional
// row is removed; if the message was stored after all, its broadcast or a
// resend with the same token brings it back exactly once.
func (c *Client) SendWithToken(ctx context.Context, conversationID, body, clientToken string) (models.Message, error) {
	tl := c.Timeline(conversationID)
	tempID := tl.AddProvisional(c.opts.UserID, body, time.Now())

	ack, err := c.request(ctx, models.FrameSendMessage, models.SendMessageRequest{
		ConversationID: conversationID,
		Body:           body,
		ClientToken:    clientToken,
	})
	if err != nil {
		tl.Fail(tempID)
		return models.Message{}, err
	}
	if ack.Message == nil {
		tl.Fail(tempID)
		return models.Message{}, fmt.Errorf("ack for %s carried no message", tempID)
	}

	tl.Confirm(tempID, *ack.Message)
	return *ack.Message, nil
}

func (c *Client) Delete(ctx context.Context, conversationID, messageID string) error {
	_, err := c.request(ctx, models.FrameDeleteMessage, models.DeleteMessageRequest{
		ConversationID: conversationID,
		MessageID:      messageID,
	})
	return err
}

// Typing is fire-and-forget.
func (c *Client) Typing(conversationID string, isTyping bool) error {
	return c.write(models.FrameTyping, "", models.TypingRequest{ConversationID: conversationID, IsTyping: isTyping})
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return c.conn.Close()
}

func (c *Client) request(ctx context.Context, frameType string, payload any) (models.Ack, error) {
	ackID := uuid.NewString()
	ch := make(chan models.Ack, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return models.Ack{}, ErrClosed
	}
	c.pending[ackID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ackID)
		c.mu.Unlock()
	}()

	if err := c.write(frameType, ackID, payload); err != nil {
		return models.Ack{}, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ch:
		if !ok {
			return models.Ack{}, ErrClosed
		}
		if !ack.OK {
			return ack, &AckError{Code: ack.Code, Reason: ack.Error}
		}
		return ack, nil
	case <-timer.C:
		return models.Ack{}, ErrAckTimeout
	case <-ctx.Done():
		return models.Ack{}, ctx.Err()
	}
}

func (c *Client) write(frameType, ackID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	data, err := json.Marshal(models.Envelope{Type: frameType, AckID: ackID, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frameType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", frameType, err)
	}
	return nil
}

func (c *Client) readLoop() {
	var readErr error
	defer func() {
		c.mu.Lock()
		c.err = readErr
		if c.err == nil {
			c.err = ErrClosed
		}
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.events)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed server frame", zap.Error(err))
			continue
		}

		if env.Type == models.EventAck {
			c.resolveAck(env)
			continue
		}

		c.apply(env)

		select {
		case c.events <- env:
		default:
			c.logger.Debug("event buffer full; dropping event", zap.String("type", env.Type))
		}
	}
}

func (c *Client) resolveAck(env models.Envelope) {
	var ack models.Ack
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		c.logger.Warn("malformed ack", zap.Error(err))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[env.AckID]
	c.mu.Unlock()
	if !ok {
		if !ack.OK {
			c.logger.Debug("server rejected a frame", zap.String("code", ack.Code), zap.String("error", ack.Error))
		}
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (c *Client) apply(env models.Envelope) {
	switch env.Type {
	case models.EventMessageCreated:
		var evt models.MessageCreatedEvent
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			c.logger.Warn("malformed message event", zap.Error(err))
			return
		}
		c.Timeline(evt.ConversationID).ApplyCreated(evt.Message)
	case models.EventMessageDeleted:
		var evt models.MessageDeletedEvent
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			c.logger.Warn("malformed delete event", zap.Error(err))
			return
		}
		c.Timeline(evt.ConversationID).ApplyDeleted(evt.MessageID)
	}
}
