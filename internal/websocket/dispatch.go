package websocket

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"messenger/internal/chat"
	"messenger/internal/models"
)

// Dispatcher turns client frames into chat operations. A submission is
// persisted, then fanned out, then acknowledged.
type Dispatcher struct {
	service     *chat.Service
	broadcaster *chat.Broadcaster
	hub         *Hub
	validate    *validator.Validate
	logger      *zap.Logger
}

func NewDispatcher(service *chat.Service, broadcaster *chat.Broadcaster, hub *Hub, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		service:     service,
		broadcaster: broadcaster,
		hub:         hub,
		validate:    validator.New(),
		logger:      logger,
	}
}

func (d *Dispatcher) HandleFrame(ctx context.Context, c *Client, frame models.Envelope) *models.Ack {
	switch frame.Type {
	case models.FrameJoinConversation:
		var req models.ConversationRequest
		if ack := d.decode(frame, &req); ack != nil {
			return ack
		}
		d.hub.JoinRoom(ctx, c, req.ConversationID)
		return &models.Ack{OK: true}

	case models.FrameLeaveConversation:
		var req models.ConversationRequest
		if ack := d.decode(frame, &req); ack != nil {
			return ack
		}
		d.hub.LeaveRoom(c, req.ConversationID)
		return &models.Ack{OK: true}

	case models.FrameSendMessage:
		var req models.SendMessageRequest
		if ack := d.decode(frame, &req); ack != nil {
			return ack
		}
		return d.sendMessage(ctx, c, req)

	case models.FrameDeleteMessage:
		var req models.DeleteMessageRequest
		if ack := d.decode(frame, &req); ack != nil {
			return ack
		}
		return d.deleteMessage(ctx, c, req)

	case models.FrameTyping:
		var req models.TypingRequest
		if ack := d.decode(frame, &req); ack != nil {
			return ack
		}
		room := models.ConversationRoom(req.ConversationID)
		if req.ConversationID != "" && c.InRoom(room) {
			d.hub.Emit(room, models.EventTyping, models.TypingEvent{
				UserID:         c.userID,
				ConversationID: req.ConversationID,
				IsTyping:       req.IsTyping,
			})
		}
		return nil

	default:
		d.logger.Debug("unknown frame type", zap.String("type", frame.Type), zap.String("user_id", c.userID))
		return &models.Ack{OK: false, Error: "unknown frame type " + frame.Type, Code: chat.KindInvalidArgument.String()}
	}
}

func (d *Dispatcher) sendMessage(ctx context.Context, c *Client, req models.SendMessageRequest) *models.Ack {
	msg, err := d.service.SubmitMessage(ctx, c.userID, req.ConversationID, req.Body, req.ClientToken)
	if err != nil {
		return errorAck(err)
	}
	d.broadcaster.MessageCreated(ctx, msg)
	return &models.Ack{OK: true, Message: &msg}
}

func (d *Dispatcher) deleteMessage(ctx context.Context, c *Client, req models.DeleteMessageRequest) *models.Ack {
	result, err := d.service.DeleteMessage(ctx, c.userID, req.ConversationID, req.MessageID)
	if err != nil {
		return errorAck(err)
	}
	d.broadcaster.MessageDeleted(ctx, result)
	return &models.Ack{OK: true}
}

func (d *Dispatcher) decode(frame models.Envelope, dst any) *models.Ack {
	if len(frame.Payload) == 0 {
		return &models.Ack{OK: false, Error: "missing payload", Code: chat.KindInvalidArgument.String()}
	}
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		return &models.Ack{OK: false, Error: "malformed payload", Code: chat.KindInvalidArgument.String()}
	}
	if err := d.validate.Struct(dst); err != nil {
		return &models.Ack{OK: false, Error: err.Error(), Code: chat.KindInvalidArgument.String()}
	}
	return nil
}

func errorAck(err error) *models.Ack {
	return &models.Ack{
		OK:    false,
		Error: chat.ReasonOf(err),
		Code:  chat.KindOf(err).String(),
	}
}
