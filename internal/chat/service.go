// Package chat is the message ingress: it authorizes and persists message
// submissions and deletions, and exposes the read side the HTTP API needs.
// Broadcasting is left to Broadcaster so that nothing is emitted before the
// store transaction has committed.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"messenger/internal/db"
	"messenger/internal/models"
)

const (
	DefaultMaxBodyLength  = 4000
	DefaultPageSize       = 20
	MaxClientTokenLength  = 64
	MinSearchQueryLength  = 2
	SearchResultLimit     = 10
	reasonAccessDenied    = "access denied"
	reasonMessageNotFound = "message not found"
	reasonNotOwner        = "you can only delete your own messages"
)

type Options struct {
	MaxBodyLength int
	PageSize      int
}

// DeleteResult carries the state of a conversation after a deletion. It is
// exactly the payload of the message:deleted event.
type DeleteResult struct {
	ConversationID string          `json:"conversationId"`
	MessageID      string          `json:"messageId"`
	LastMessage    *models.Message `json:"lastMessage"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type Service struct {
	store  db.Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store db.Store, opts Options, logger *zap.Logger) *Service {
	if opts.MaxBodyLength <= 0 {
		opts.MaxBodyLength = DefaultMaxBodyLength
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Service{
		store:  store,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// RegisterIdentity records the verified caller so messages can embed the
// sender's name and email.
func (s *Service) RegisterIdentity(ctx context.Context, user models.User) error {
	if user.ID == "" {
		return newError(KindUnauthenticated, "authentication required")
	}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return unavailable("failed to record user", err)
	}
	return nil
}

// SubmitMessage persists a message from userID into conversationID. The
// membership check, the insert and the conversation timestamp bump commit
// together. A repeated clientToken returns the message stored the first time.
func (s *Service) SubmitMessage(ctx context.Context, userID, conversationID, body, clientToken string) (models.Message, error) {
	if userID == "" {
		return models.Message{}, newError(KindUnauthenticated, "authentication required")
	}
	body = strings.TrimSpace(body)
	if err := s.validateBody(conversationID, body); err != nil {
		return models.Message{}, err
	}
	if len(clientToken) > MaxClientTokenLength {
		return models.Message{}, newError(KindInvalidArgument,
			fmt.Sprintf("clientToken exceeds %d characters", MaxClientTokenLength))
	}

	var msg models.Message
	err := s.store.WithinTx(ctx, func(tx db.Store) error {
		if err := s.requireMember(ctx, tx, conversationID, userID); err != nil {
			return err
		}

		var inserted bool
		var err error
		msg, inserted, err = tx.InsertMessage(ctx, conversationID, userID, body, clientToken)
		if err != nil {
			return unavailable("failed to save message", err)
		}
		if !inserted {
			return nil
		}

		if _, err := tx.UpdateConversationTimestamp(ctx, conversationID, msg.CreatedAt); err != nil {
			return unavailable("failed to update conversation", err)
		}
		return nil
	})
	if err != nil {
		return models.Message{}, s.classify(err, "submit message",
			zap.String("conversation_id", conversationID), zap.String("user_id", userID))
	}
	return msg, nil
}

func (s *Service) validateBody(conversationID, body string) error {
	if conversationID == "" {
		return newError(KindInvalidArgument, "conversationId is required")
	}
	if body == "" {
		return newError(KindInvalidArgument, "message body is required")
	}
	if utf8.RuneCountInString(body) > s.opts.MaxBodyLength {
		return newError(KindInvalidArgument,
			fmt.Sprintf("message body exceeds %d characters", s.opts.MaxBodyLength))
	}
	return nil
}

// DeleteMessage removes a message its sender owns and recomputes the
// conversation's latest message and timestamp.
func (s *Service) DeleteMessage(ctx context.Context, userID, conversationID, messageID string) (DeleteResult, error) {
	if userID == "" {
		return DeleteResult{}, newError(KindUnauthenticated, "authentication required")
	}
	if conversationID == "" || messageID == "" {
		return DeleteResult{}, newError(KindInvalidArgument, "conversationId and messageId are required")
	}

	var result DeleteResult
	err := s.store.WithinTx(ctx, func(tx db.Store) error {
		if err := s.requireMember(ctx, tx, conversationID, userID); err != nil {
			return err
		}

		msg, err := tx.GetMessage(ctx, messageID)
		if errors.Is(err, db.ErrNotFound) || (err == nil && msg.ConversationID != conversationID) {
			return newError(KindNotFound, reasonMessageNotFound)
		}
		if err != nil {
			return unavailable("failed to load message", err)
		}
		if msg.SenderID != userID {
			return newError(KindForbidden, reasonNotOwner)
		}

		if err := tx.DeleteMessage(ctx, messageID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return newError(KindNotFound, reasonMessageNotFound)
			}
			return unavailable("failed to delete message", err)
		}

		latest, err := tx.FindLatestMessage(ctx, conversationID)
		if err != nil {
			return unavailable("failed to load latest message", err)
		}
		updatedAt := s.now().UTC()
		if latest != nil {
			updatedAt = latest.CreatedAt
		}
		if _, err := tx.UpdateConversationTimestamp(ctx, conversationID, updatedAt); err != nil {
			return unavailable("failed to update conversation", err)
		}

		result = DeleteResult{
			ConversationID: conversationID,
			MessageID:      messageID,
			LastMessage:    latest,
			UpdatedAt:      updatedAt,
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, s.classify(err, "delete message",
			zap.String("conversation_id", conversationID), zap.String("message_id", messageID))
	}
	return result, nil
}

func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	if userID == "" {
		return nil, newError(KindUnauthenticated, "authentication required")
	}
	conversations, err := s.store.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, s.classify(unavailable("failed to fetch conversations", err), "list conversations")
	}
	return conversations, nil
}

// SearchUsers finds people to start a conversation with. Queries shorter than
// MinSearchQueryLength after trimming return no users.
func (s *Service) SearchUsers(ctx context.Context, userID, query string) ([]models.User, error) {
	if userID == "" {
		return nil, newError(KindUnauthenticated, "authentication required")
	}
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < MinSearchQueryLength {
		return []models.User{}, nil
	}
	users, err := s.store.SearchUsers(ctx, query, userID, SearchResultLimit)
	if err != nil {
		return nil, s.classify(unavailable("failed to search users", err), "search users")
	}
	return users, nil
}

// CreateConversation creates a conversation between the creator and
// participantIDs. The optional initial message is stored in the same
// transaction and returned as the conversation's LastMessage.
func (s *Service) CreateConversation(ctx context.Context, userID string, participantIDs []string, title, initialMessage string) (models.Conversation, error) {
	if userID == "" {
		return models.Conversation{}, newError(KindUnauthenticated, "authentication required")
	}

	ids := lo.Map(participantIDs, func(id string, _ int) string { return strings.TrimSpace(id) })
	if len(lo.Compact(ids)) == 0 {
		return models.Conversation{}, newError(KindInvalidArgument, "at least one participant is required")
	}
	ids = lo.Uniq(append([]string{userID}, lo.Compact(ids)...))

	var titlePtr *string
	if t := strings.TrimSpace(title); t != "" {
		titlePtr = &t
	}

	initialMessage = strings.TrimSpace(initialMessage)
	if initialMessage != "" && utf8.RuneCountInString(initialMessage) > s.opts.MaxBodyLength {
		return models.Conversation{}, newError(KindInvalidArgument,
			fmt.Sprintf("message body exceeds %d characters", s.opts.MaxBodyLength))
	}

	var conv models.Conversation
	err := s.store.WithinTx(ctx, func(tx db.Store) error {
		created, err := tx.CreateConversation(ctx, titlePtr, ids)
		if err != nil {
			return unavailable("failed to create conversation", err)
		}
		conv = created
		if initialMessage == "" {
			return nil
		}

		msg, _, err := tx.InsertMessage(ctx, created.ID, userID, initialMessage, "")
		if err != nil {
			return unavailable("failed to save message", err)
		}
		if _, err := tx.UpdateConversationTimestamp(ctx, created.ID, msg.CreatedAt); err != nil {
			return unavailable("failed to update conversation", err)
		}
		conv.LastMessage = &msg
		conv.UpdatedAt = msg.CreatedAt
		return nil
	})
	if err != nil {
		return models.Conversation{}, s.classify(err, "create conversation", zap.String("user_id", userID))
	}
	return conv, nil
}

// ListMessages returns one page of history, oldest first. An empty cursor
// starts from the newest message.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID, cursor string) (models.MessagePage, error) {
	if userID == "" {
		return models.MessagePage{}, newError(KindUnauthenticated, "authentication required")
	}
	if conversationID == "" {
		return models.MessagePage{}, newError(KindInvalidArgument, "conversationId is required")
	}
	if err := s.requireMember(ctx, s.store, conversationID, userID); err != nil {
		return models.MessagePage{}, s.classify(err, "list messages")
	}

	messages, next, err := s.store.ListMessages(ctx, conversationID, cursor, s.opts.PageSize)
	if errors.Is(err, db.ErrNotFound) {
		return models.MessagePage{}, newError(KindInvalidArgument, "unknown cursor")
	}
	if err != nil {
		return models.MessagePage{}, s.classify(unavailable("failed to fetch messages", err), "list messages")
	}

	page := models.MessagePage{Messages: messages}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	if next != "" {
		page.NextCursor = &next
	}
	return page, nil
}

func (s *Service) requireMember(ctx context.Context, store db.Store, conversationID, userID string) error {
	member, err := store.FindMembership(ctx, conversationID, userID)
	if err != nil {
		return unavailable("failed to check membership", err)
	}
	if member == nil {
		return newError(KindForbidden, reasonAccessDenied)
	}
	return nil
}

// classify makes sure every error leaving the service is a *Error and logs
// the ones the caller cannot fix.
func (s *Service) classify(err error, op string, fields ...zap.Field) error {
	var e *Error
	if !errors.As(err, &e) {
		e = unavailable("service unavailable", err)
	}
	if e.Kind == KindUnavailable {
		s.logger.Error("operation failed", append(fields, zap.String("op", op), zap.Error(err))...)
	}
	return e
}
