// Package db holds the conversation store: the durable record of users,
// conversations, participants and messages, with SQLite and Badger backends.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"messenger/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("transaction conflict")
)

// Store is the narrow persistence surface the chat core depends on.
//
// FindMembership and FindLatestMessage return nil, nil when nothing matches;
// lookups by id return ErrNotFound.
type Store interface {
	// WithinTx runs fn against a transactional view of the store. Calls made
	// on the Store handed to fn commit or roll back together.
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	FindMembership(ctx context.Context, conversationID, userID string) (*models.Participant, error)
	// InsertMessage stores a message with a server-assigned id and timestamp.
	// When clientToken matches a message already stored by the same sender in
	// the same conversation, that message is returned with inserted == false.
	InsertMessage(ctx context.Context, conversationID, senderID, body, clientToken string) (msg models.Message, inserted bool, err error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	FindLatestMessage(ctx context.Context, conversationID string) (*models.Message, error)
	// ListMessages returns up to limit messages older than the cursor message
	// (or the newest ones when cursor is empty), oldest first, plus the cursor
	// for the next page or "" when the history is exhausted.
	ListMessages(ctx context.Context, conversationID, cursor string, limit int) ([]models.Message, string, error)
	UpdateConversationTimestamp(ctx context.Context, conversationID string, ts time.Time) ([]string, error)
	ListParticipants(ctx context.Context, conversationID string) ([]string, error)

	UpsertUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, userID string) (models.User, error)
	// SearchUsers matches query case-insensitively against name and email,
	// skips excludeID and returns at most limit users, newest first.
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]models.User, error)
	CreateConversation(ctx context.Context, title *string, participantIDs []string) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	ListUserConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	ListUserConversationIDs(ctx context.Context, userID string) ([]string, error)

	// ExpireClientTokens forgets idempotency tokens of messages created before
	// the cutoff and reports how many were cleared.
	ExpireClientTokens(ctx context.Context, before time.Time) (int64, error)
	// Maintain runs backend housekeeping (statistics, value-log GC).
	Maintain(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

type Options struct {
	// TokenTTL bounds how long an idempotency token is honored by backends
	// that expire entries themselves.
	TokenTTL time.Duration
}

// Open creates the directory for path and opens the store for driver.
func Open(driver, path string, opts Options, logger *zap.Logger) (Store, error) {
	dir := path
	if driver == DriverSQLite {
		dir = filepath.Dir(path)
	}
	if path != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	switch driver {
	case DriverSQLite:
		return NewSQLiteStore(path, logger)
	case DriverBadger:
		return NewBadgerStore(path, opts, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// nextTimestamp keeps message timestamps strictly increasing within a
// conversation even when the wall clock stalls or steps back.
func nextTimestamp(now time.Time, latest *models.Message) time.Time {
	now = now.UTC()
	if latest != nil && !now.After(latest.CreatedAt) {
		return latest.CreatedAt.Add(time.Nanosecond)
	}
	return now
}

func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store call aborted: %w", err)
	}
	return nil
}
