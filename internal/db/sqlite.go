package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"messenger/internal/db/migrations"
	"messenger/internal/models"
)

// SQLiteStore implements Store on a single-writer SQLite database.
type SQLiteStore struct {
	db     *sqlx.DB
	q      sqlx.ExtContext
	inTx   bool
	logger *zap.Logger
}

type userRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Email     string `db:"email"`
	CreatedAt int64  `db:"created_at"`
}

type conversationRow struct {
	ID        string         `db:"id"`
	Title     sql.NullString `db:"title"`
	IsGroup   bool           `db:"is_group"`
	CreatedAt int64          `db:"created_at"`
	UpdatedAt int64          `db:"updated_at"`
}

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	SenderID       string         `db:"sender_id"`
	Body           string         `db:"body"`
	CreatedAt      int64          `db:"created_at"`
	SenderName     sql.NullString `db:"sender_name"`
	SenderEmail    sql.NullString `db:"sender_email"`
}

type participantRow struct {
	ConversationID string `db:"conversation_id"`
	UserID         string `db:"user_id"`
	JoinedAt       int64  `db:"joined_at"`
}

const selectMessage = `
	SELECT m.id, m.conversation_id, m.sender_id, m.body, m.created_at,
		u.name AS sender_name, u.email AS sender_email
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id`

func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)
	conn, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// One connection serializes writers; transactions never interleave.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := applyMigrations(conn.DB); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	logger.Info("sqlite store ready", zap.String("path", path))
	return &SQLiteStore{db: conn, q: conn, logger: logger}, nil
}

func applyMigrations(conn *sql.DB) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(conn, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite3 migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteStore{db: s.db, q: tx, inTx: true, logger: s.logger}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindMembership(ctx context.Context, conversationID, userID string) (*models.Participant, error) {
	var row participantRow
	err := sqlx.GetContext(ctx, s.q, &row, `
		SELECT conversation_id, user_id, joined_at
		FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query membership: %w", err)
	}
	return &models.Participant{
		ConversationID: row.ConversationID,
		UserID:         row.UserID,
		JoinedAt:       fromNanos(row.JoinedAt),
	}, nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, conversationID, senderID, body, clientToken string) (models.Message, bool, error) {
	if clientToken != "" {
		var row messageRow
		err := sqlx.GetContext(ctx, s.q, &row, selectMessage+`
			WHERE m.conversation_id = ? AND m.sender_id = ? AND m.client_token = ?
		`, conversationID, senderID, clientToken)
		switch {
		case err == nil:
			return row.toModel(), false, nil
		case !errors.Is(err, sql.ErrNoRows):
			return models.Message{}, false, fmt.Errorf("failed to look up client token: %w", err)
		}
	}

	latest, err := s.FindLatestMessage(ctx, conversationID)
	if err != nil {
		return models.Message{}, false, err
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      nextTimestamp(time.Now(), latest),
	}

	var token sql.NullString
	if clientToken != "" {
		token = sql.NullString{String: clientToken, Valid: true}
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, client_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Body, token, msg.CreatedAt.UnixNano())
	if err != nil {
		return models.Message{}, false, fmt.Errorf("failed to save message: %w", err)
	}

	sender, err := s.GetUser(ctx, senderID)
	switch {
	case err == nil:
		msg.Sender = &sender
	case errors.Is(err, ErrNotFound):
		msg.Sender = &models.User{ID: senderID}
	default:
		return models.Message{}, false, err
	}
	return msg, true, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var row messageRow
	err := sqlx.GetContext(ctx, s.q, &row, selectMessage+` WHERE m.id = ?`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to get message: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, messageID string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count deleted rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) FindLatestMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	var row messageRow
	err := sqlx.GetContext(ctx, s.q, &row, selectMessage+`
		WHERE m.conversation_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1
	`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest message: %w", err)
	}
	msg := row.toModel()
	return &msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID, cursor string, limit int) ([]models.Message, string, error) {
	var rows []messageRow
	var err error
	if cursor == "" {
		err = sqlx.SelectContext(ctx, s.q, &rows, selectMessage+`
			WHERE m.conversation_id = ?
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT ?
		`, conversationID, limit+1)
	} else {
		anchor, getErr := s.GetMessage(ctx, cursor)
		if getErr != nil {
			return nil, "", getErr
		}
		if anchor.ConversationID != conversationID {
			return nil, "", ErrNotFound
		}
		ts := anchor.CreatedAt.UnixNano()
		err = sqlx.SelectContext(ctx, s.q, &rows, selectMessage+`
			WHERE m.conversation_id = ?
				AND (m.created_at < ? OR (m.created_at = ? AND m.id < ?))
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT ?
		`, conversationID, ts, ts, anchor.ID, limit+1)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to list messages: %w", err)
	}

	return pageFromNewest(rowsToMessages(rows), limit)
}

func (s *SQLiteStore) UpdateConversationTimestamp(ctx context.Context, conversationID string, ts time.Time) ([]string, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		ts.UTC().UnixNano(), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to count updated rows: %w", err)
	} else if n == 0 {
		return nil, ErrNotFound
	}
	return s.ListParticipants(ctx, conversationID)
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, s.q, &ids, `
		SELECT user_id
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY joined_at, user_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, user models.User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, name, email, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email
	`, user.ID, user.Name, user.Email, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (models.User, error) {
	var row userRow
	err := sqlx.GetContext(ctx, s.q, &row,
		`SELECT id, name, email, created_at FROM users WHERE id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return row.toModel(), nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *SQLiteStore) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]models.User, error) {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(query)) + "%"
	var rows []userRow
	err := sqlx.SelectContext(ctx, s.q, &rows, `
		SELECT id, name, email, created_at
		FROM users
		WHERE id <> ?
			AND (lower(name) LIKE ? ESCAPE '\' OR lower(email) LIKE ? ESCAPE '\')
		ORDER BY created_at DESC, id
		LIMIT ?
	`, excludeID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}

	users := make([]models.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toModel())
	}
	return users, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, title *string, participantIDs []string) (models.Conversation, error) {
	id := uuid.NewString()
	create := func(tx Store) error {
		ts := tx.(*SQLiteStore)
		now := time.Now().UTC().UnixNano()

		var t sql.NullString
		if title != nil {
			t = sql.NullString{String: *title, Valid: true}
		}
		_, err := ts.q.ExecContext(ctx, `
			INSERT INTO conversations (id, title, is_group, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, t, len(participantIDs) > 2, now, now)
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}

		for _, userID := range participantIDs {
			_, err = ts.q.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
				VALUES (?, ?, ?)
			`, id, userID, now)
			if err != nil {
				return fmt.Errorf("failed to add participant %s: %w", userID, err)
			}
		}
		return nil
	}

	if err := s.WithinTx(ctx, create); err != nil {
		return models.Conversation{}, err
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var row conversationRow
	err := sqlx.GetContext(ctx, s.q, &row, `
		SELECT id, title, is_group, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	return s.hydrate(ctx, row)
}

func (s *SQLiteStore) hydrate(ctx context.Context, row conversationRow) (models.Conversation, error) {
	conv := row.toModel()

	var users []userRow
	err := sqlx.SelectContext(ctx, s.q, &users, `
		SELECT cp.user_id AS id,
			COALESCE(u.name, '') AS name,
			COALESCE(u.email, '') AS email,
			COALESCE(u.created_at, 0) AS created_at
		FROM conversation_participants cp
		LEFT JOIN users u ON u.id = cp.user_id
		WHERE cp.conversation_id = ?
		ORDER BY cp.joined_at, cp.user_id
	`, conv.ID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to load participants: %w", err)
	}
	conv.Participants = make([]models.User, 0, len(users))
	for _, u := range users {
		conv.Participants = append(conv.Participants, u.toModel())
	}

	conv.LastMessage, err = s.FindLatestMessage(ctx, conv.ID)
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (s *SQLiteStore) ListUserConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var rows []conversationRow
	err := sqlx.SelectContext(ctx, s.q, &rows, `
		SELECT c.id, c.title, c.is_group, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants cp ON c.id = cp.conversation_id
		WHERE cp.user_id = ?
		ORDER BY c.updated_at DESC, c.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	conversations := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		conv, err := s.hydrate(ctx, row)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

func (s *SQLiteStore) ListUserConversationIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, s.q, &ids,
		`SELECT conversation_id FROM conversation_participants WHERE user_id = ? ORDER BY conversation_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) ExpireClientTokens(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE messages SET client_token = NULL
		WHERE client_token IS NOT NULL AND created_at < ?
	`, before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to expire client tokens: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) Maintain(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return fmt.Errorf("failed to optimize database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

func (r messageRow) toModel() models.Message {
	sender := &models.User{ID: r.SenderID}
	if r.SenderName.Valid {
		sender.Name = r.SenderName.String
	}
	if r.SenderEmail.Valid {
		sender.Email = r.SenderEmail.String
	}
	return models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Body:           r.Body,
		CreatedAt:      fromNanos(r.CreatedAt),
		Sender:         sender,
	}
}

func (r userRow) toModel() models.User {
	u := models.User{ID: r.ID, Name: r.Name, Email: r.Email}
	if r.CreatedAt != 0 {
		u.CreatedAt = fromNanos(r.CreatedAt)
	}
	return u
}

func (r conversationRow) toModel() models.Conversation {
	conv := models.Conversation{
		ID:        r.ID,
		IsGroup:   r.IsGroup,
		CreatedAt: fromNanos(r.CreatedAt),
		UpdatedAt: fromNanos(r.UpdatedAt),
	}
	if r.Title.Valid && strings.TrimSpace(r.Title.String) != "" {
		title := r.Title.String
		conv.Title = &title
	}
	return conv
}

func rowsToMessages(rows []messageRow) []models.Message {
	messages := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, r.toModel())
	}
	return messages
}

// pageFromNewest turns up to limit+1 newest-first messages into an
// oldest-first page and the cursor of its oldest entry when more remain.
func pageFromNewest(newest []models.Message, limit int) ([]models.Message, string, error) {
	next := ""
	if len(newest) > limit {
		newest = newest[:limit]
		next = newest[len(newest)-1].ID
	}
	page := make([]models.Message, len(newest))
	for i, m := range newest {
		page[len(newest)-1-i] = m
	}
	return page, next, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
