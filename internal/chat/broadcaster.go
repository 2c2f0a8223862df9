//go:generate go run go.uber.org/mock/mockgen -source=broadcaster.go -destination=../mocks/mock_broadcaster.go -package=mocks
package chat

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"messenger/internal/models"
)

// Emitter delivers an event to every connection in a room. Absent rooms drop
// the event.
type Emitter interface {
	Emit(room, eventType string, payload any)
}

type ParticipantLister interface {
	ListParticipants(ctx context.Context, conversationID string) ([]string, error)
}

// Broadcaster fans committed changes out to the conversation room and to the
// personal room of every participant.
type Broadcaster struct {
	participants ParticipantLister
	emitter      Emitter
	logger       *zap.Logger
}

func NewBroadcaster(participants ParticipantLister, emitter Emitter, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		participants: participants,
		emitter:      emitter,
		logger:       logger,
	}
}

// Fan-out runs after commit and does not fail. A participant lookup error
// skips only the personal rooms.
func (b *Broadcaster) MessageCreated(ctx context.Context, msg models.Message) {
	payload := models.MessageCreatedEvent{Message: msg, ConversationID: msg.ConversationID}
	b.fanOut(ctx, msg.ConversationID, models.EventMessageCreated, payload)
}

func (b *Broadcaster) MessageDeleted(ctx context.Context, result DeleteResult) {
	payload := models.MessageDeletedEvent(result)
	b.fanOut(ctx, result.ConversationID, models.EventMessageDeleted, payload)
}

// ConversationCreated tells every participant their conversation list
// changed, and announces the initial message when there is one.
func (b *Broadcaster) ConversationCreated(ctx context.Context, conv models.Conversation) {
	if conv.LastMessage != nil {
		b.MessageCreated(ctx, *conv.LastMessage)
		return
	}
	ids := lo.Map(conv.Participants, func(u models.User, _ int) string { return u.ID })
	for _, id := range distinct(ids) {
		b.emitter.Emit(models.UserRoom(id), models.EventConversationListChanged,
			models.ConversationListChangedEvent{ConversationID: conv.ID})
	}
}

func (b *Broadcaster) fanOut(ctx context.Context, conversationID, eventType string, payload any) {
	b.emitter.Emit(models.ConversationRoom(conversationID), eventType, payload)

	// The sender hanging up must not cut the lookup short.
	ids, err := b.participants.ListParticipants(context.WithoutCancel(ctx), conversationID)
	if err != nil {
		b.logger.Error("failed to resolve participants, personal rooms skipped",
			zap.String("conversation_id", conversationID),
			zap.String("event", eventType),
			zap.Error(err))
		return
	}

	listChanged := models.ConversationListChangedEvent{ConversationID: conversationID}
	recipients := distinct(ids)
	for _, id := range recipients {
		room := models.UserRoom(id)
		b.emitter.Emit(room, eventType, payload)
		b.emitter.Emit(room, models.EventConversationListChanged, listChanged)
	}

	b.logger.Debug("event fanned out",
		zap.String("conversation_id", conversationID),
		zap.String("event", eventType),
		zap.Int("participants", len(recipients)))
}

func distinct(ids []string) []string {
	return lo.Uniq(lo.Filter(ids, func(id string, _ int) bool {
		return strings.TrimSpace(id) != ""
	}))
}
