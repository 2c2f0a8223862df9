package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"messenger/internal/models"
)

const maxConflictRetries = 64

// BadgerStore implements Store on an embedded Badger key-value database.
//
// Key layout:
//
//	user:{id}                          -> storedUser
//	conv:{id}                          -> storedConversation
//	member:{conv}:{user}               -> storedParticipant
//	usermember:{user}:{conv}           -> storedParticipant
//	msg:{conv}:{nanos %019d}:{id}      -> storedMessage
//	msgid:{id}                         -> msg key
//	token:{conv}:{sender}:{token}      -> storedToken (expires after TokenTTL)
//	head:{conv}                        -> newest timestamp ever issued
//
// Every insert reads and rewrites head:{conv}, so concurrent inserts into
// one conversation conflict and retry instead of sharing a timestamp.
type BadgerStore struct {
	db     *badger.DB
	txn    *badger.Txn
	opts   Options
	logger *zap.Logger
}

type storedUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt int64  `json:"createdAt"`
}

type storedConversation struct {
	ID        string  `json:"id"`
	Title     *string `json:"title,omitempty"`
	IsGroup   bool    `json:"isGroup"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
}

type storedParticipant struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	JoinedAt       int64  `json:"joinedAt"`
}

type storedMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	ClientToken    string `json:"clientToken,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

type storedToken struct {
	MessageID string `json:"messageId"`
	CreatedAt int64  `json:"createdAt"`
}

// NewBadgerStore opens a Badger database at path. An empty path keeps the
// whole database in memory.
func NewBadgerStore(path string, opts Options, logger *zap.Logger) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{logger.Sugar().Named("badger")}).
		WithLoggingLevel(badger.WARNING)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	}

	conn, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	logger.Info("badger store ready", zap.String("path", path), zap.Bool("in_memory", path == ""))
	return &BadgerStore{db: conn, opts: opts, logger: logger}, nil
}

// badgerLogger routes Badger's own logging into zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

func userKey(id string) []byte { return []byte("user:" + id) }

var userPrefix = []byte("user:")

func convKey(id string) []byte { return []byte("conv:" + id) }

func memberKey(convID, userID string) []byte {
	return []byte("member:" + convID + ":" + userID)
}

func memberPrefix(convID string) []byte { return []byte("member:" + convID + ":") }

func userMemberKey(userID, convID string) []byte {
	return []byte("usermember:" + userID + ":" + convID)
}

func userMemberPrefix(userID string) []byte { return []byte("usermember:" + userID + ":") }

func msgKey(convID string, createdAt int64, id string) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", convID, createdAt, id))
}

func msgPrefix(convID string) []byte { return []byte("msg:" + convID + ":") }
func msgIDKey(id string) []byte      { return []byte("msgid:" + id) }

func tokenKey(convID, senderID, token string) []byte {
	return []byte("token:" + convID + ":" + senderID + ":" + token)
}

var tokenPrefix = []byte("token:")

func headKey(convID string) []byte { return []byte("head:" + convID) }

func (s *BadgerStore) view(fn func(txn *badger.Txn) error) error {
	if s.txn != nil {
		return fn(s.txn)
	}
	return s.db.View(fn)
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	if s.txn != nil {
		return fn(s.txn)
	}
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrConflict, err)
}

func (s *BadgerStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.txn != nil {
		return fn(s)
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := checkCtx(ctx); err != nil {
			return err
		}

		txn := s.db.NewTransaction(true)
		if err := fn(&BadgerStore{db: s.db, txn: txn, opts: s.opts, logger: s.logger}); err != nil {
			txn.Discard()
			return err
		}
		err := txn.Commit()
		txn.Discard()
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.logger.Debug("retrying conflicted transaction", zap.Int("attempt", attempt+1))
	}
	return ErrConflict
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return txn.Set(key, data)
}

// scan visits every value under prefix. Iterators are closed before scan
// returns, so callers may issue further reads or writes on the same txn.
func scan(txn *badger.Txn, prefix []byte, reverse bool, visit func(key, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	start := prefix
	if reverse {
		start = append(append([]byte{}, prefix...), 0xFF)
	}
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		more, err := visit(key, val)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (s *BadgerStore) FindMembership(ctx context.Context, conversationID, userID string) (*models.Participant, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var p storedParticipant
	err := s.view(func(txn *badger.Txn) error {
		return getJSON(txn, memberKey(conversationID, userID), &p)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query membership: %w", err)
	}
	return &models.Participant{
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		JoinedAt:       fromNanos(p.JoinedAt),
	}, nil
}

func (s *BadgerStore) InsertMessage(ctx context.Context, conversationID, senderID, body, clientToken string) (models.Message, bool, error) {
	if err := checkCtx(ctx); err != nil {
		return models.Message{}, false, err
	}

	var (
		stored   storedMessage
		inserted bool
	)
	err := s.update(func(txn *badger.Txn) error {
		inserted = false
		if clientToken != "" {
			var tok storedToken
			err := getJSON(txn, tokenKey(conversationID, senderID, clientToken), &tok)
			if err == nil {
				found, err := s.messageIn(txn, tok.MessageID)
				if err == nil {
					stored = found
					return nil
				}
				if !errors.Is(err, ErrNotFound) {
					return err
				}
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		var head int64
		if item, err := txn.Get(headKey(conversationID)); err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &head)
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		var latestMsg *models.Message
		if head != 0 {
			latestMsg = &models.Message{CreatedAt: fromNanos(head)}
		}

		stored = storedMessage{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       senderID,
			Body:           body,
			ClientToken:    clientToken,
			CreatedAt:      nextTimestamp(time.Now(), latestMsg).UnixNano(),
		}
		if err := setJSON(txn, headKey(conversationID), stored.CreatedAt); err != nil {
			return err
		}
		key := msgKey(conversationID, stored.CreatedAt, stored.ID)
		if err := setJSON(txn, key, stored); err != nil {
			return err
		}
		if err := txn.Set(msgIDKey(stored.ID), key); err != nil {
			return err
		}
		if clientToken != "" {
			data, err := json.Marshal(storedToken{MessageID: stored.ID, CreatedAt: stored.CreatedAt})
			if err != nil {
				return err
			}
			entry := badger.NewEntry(tokenKey(conversationID, senderID, clientToken), data)
			if s.opts.TokenTTL > 0 {
				entry = entry.WithTTL(s.opts.TokenTTL)
			}
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		inserted = true
		return nil
	})
	if err != nil {
		return models.Message{}, false, fmt.Errorf("failed to save message: %w", err)
	}

	msg, err := s.withSender(stored)
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, inserted, nil
}

func (s *BadgerStore) messageIn(txn *badger.Txn, messageID string) (storedMessage, error) {
	item, err := txn.Get(msgIDKey(messageID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storedMessage{}, ErrNotFound
	}
	if err != nil {
		return storedMessage{}, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return storedMessage{}, err
	}
	var m storedMessage
	if err := getJSON(txn, key, &m); err != nil {
		return storedMessage{}, err
	}
	return m, nil
}

func (s *BadgerStore) latestIn(txn *badger.Txn, conversationID string) (*storedMessage, error) {
	var latest *storedMessage
	err := scan(txn, msgPrefix(conversationID), true, func(_, val []byte) (bool, error) {
		var m storedMessage
		if err := json.Unmarshal(val, &m); err != nil {
			return false, err
		}
		latest = &m
		return false, nil
	})
	return latest, err
}

func (s *BadgerStore) withSender(m storedMessage) (models.Message, error) {
	msg := m.toModel()
	user, err := s.GetUser(context.Background(), m.SenderID)
	switch {
	case err == nil:
		msg.Sender = &user
	case errors.Is(err, ErrNotFound):
		msg.Sender = &models.User{ID: m.SenderID}
	default:
		return models.Message{}, err
	}
	return msg, nil
}

func (s *BadgerStore) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if err := checkCtx(ctx); err != nil {
		return models.Message{}, err
	}
	var m storedMessage
	err := s.view(func(txn *badger.Txn) error {
		var err error
		m, err = s.messageIn(txn, messageID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to get message: %w", err)
	}
	return s.withSender(m)
}

func (s *BadgerStore) DeleteMessage(ctx context.Context, messageID string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := s.update(func(txn *badger.Txn) error {
		m, err := s.messageIn(txn, messageID)
		if err != nil {
			return err
		}
		if err := txn.Delete(msgKey(m.ConversationID, m.CreatedAt, m.ID)); err != nil {
			return err
		}
		if err := txn.Delete(msgIDKey(m.ID)); err != nil {
			return err
		}
		if m.ClientToken != "" {
			return txn.Delete(tokenKey(m.ConversationID, m.SenderID, m.ClientToken))
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (s *BadgerStore) FindLatestMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var latest *storedMessage
	err := s.view(func(txn *badger.Txn) error {
		var err error
		latest, err = s.latestIn(txn, conversationID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find latest message: %w", err)
	}
	if latest == nil {
		return nil, nil
	}
	msg, err := s.withSender(*latest)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *BadgerStore) ListMessages(ctx context.Context, conversationID, cursor string, limit int) ([]models.Message, string, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, "", err
	}

	var newest []storedMessage
	err := s.view(func(txn *badger.Txn) error {
		var anchor []byte
		if cursor != "" {
			m, err := s.messageIn(txn, cursor)
			if err != nil {
				return err
			}
			if m.ConversationID != conversationID {
				return ErrNotFound
			}
			anchor = msgKey(m.ConversationID, m.CreatedAt, m.ID)
		}

		prefix := msgPrefix(conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		opts.PrefetchSize = limit + 1
		it := txn.NewIterator(opts)
		defer it.Close()

		start := append(append([]byte{}, prefix...), 0xFF)
		if anchor != nil {
			start = anchor
		}
		for it.Seek(start); it.ValidForPrefix(prefix) && len(newest) <= limit; it.Next() {
			item := it.Item()
			if anchor != nil && bytes.Equal(item.Key(), anchor) {
				continue
			}
			var m storedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			newest = append(newest, m)
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]models.Message, 0, len(newest))
	for _, m := range newest {
		msg, err := s.withSender(m)
		if err != nil {
			return nil, "", err
		}
		messages = append(messages, msg)
	}
	return pageFromNewest(messages, limit)
}

func (s *BadgerStore) UpdateConversationTimestamp(ctx context.Context, conversationID string, ts time.Time) ([]string, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	err := s.update(func(txn *badger.Txn) error {
		var c storedConversation
		if err := getJSON(txn, convKey(conversationID), &c); err != nil {
			return err
		}
		c.UpdatedAt = ts.UTC().UnixNano()
		return setJSON(txn, convKey(conversationID), c)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	return s.ListParticipants(ctx, conversationID)
}

func (s *BadgerStore) participantsIn(txn *badger.Txn, conversationID string) ([]storedParticipant, error) {
	var members []storedParticipant
	err := scan(txn, memberPrefix(conversationID), false, func(_, val []byte) (bool, error) {
		var p storedParticipant
		if err := json.Unmarshal(val, &p); err != nil {
			return false, err
		}
		if p.ConversationID == conversationID {
			members = append(members, p)
		}
		return true, nil
	})
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt != members[j].JoinedAt {
			return members[i].JoinedAt < members[j].JoinedAt
		}
		return members[i].UserID < members[j].UserID
	})
	return members, err
}

func (s *BadgerStore) ListParticipants(ctx context.Context, conversationID string) ([]string, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var members []storedParticipant
	err := s.view(func(txn *badger.Txn) error {
		var err error
		members, err = s.participantsIn(txn, conversationID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	ids := make([]string, 0, len(members))
	for _, p := range members {
		ids = append(ids, p.UserID)
	}
	return ids, nil
}

func (s *BadgerStore) UpsertUser(ctx context.Context, user models.User) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := s.update(func(txn *badger.Txn) error {
		var existing storedUser
		err := getJSON(txn, userKey(user.ID), &existing)
		createdAt := time.Now().UTC().UnixNano()
		switch {
		case err == nil:
			createdAt = existing.CreatedAt
		case !errors.Is(err, ErrNotFound):
			return err
		}
		return setJSON(txn, userKey(user.ID), storedUser{
			ID:        user.ID,
			Name:      user.Name,
			Email:     user.Email,
			CreatedAt: createdAt,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *BadgerStore) GetUser(ctx context.Context, userID string) (models.User, error) {
	if err := checkCtx(ctx); err != nil {
		return models.User{}, err
	}
	var u storedUser
	err := s.view(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(userID), &u)
	})
	if errors.Is(err, ErrNotFound) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return u.toModel(), nil
}

func (s *BadgerStore) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]models.User, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	var matches []storedUser
	err := s.view(func(txn *badger.Txn) error {
		return scan(txn, userPrefix, false, func(_, val []byte) (bool, error) {
			var u storedUser
			if err := json.Unmarshal(val, &u); err != nil {
				return false, err
			}
			if u.ID != excludeID && (strings.Contains(strings.ToLower(u.Name), needle) ||
				strings.Contains(strings.ToLower(u.Email), needle)) {
				matches = append(matches, u)
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt != matches[j].CreatedAt {
			return matches[i].CreatedAt > matches[j].CreatedAt
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	users := make([]models.User, 0, len(matches))
	for _, u := range matches {
		users = append(users, u.toModel())
	}
	return users, nil
}

func (s *BadgerStore) CreateConversation(ctx context.Context, title *string, participantIDs []string) (models.Conversation, error) {
	if err := checkCtx(ctx); err != nil {
		return models.Conversation{}, err
	}

	now := time.Now().UTC().UnixNano()
	conv := storedConversation{
		ID:        uuid.NewString(),
		IsGroup:   len(participantIDs) > 2,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if title != nil && strings.TrimSpace(*title) != "" {
		t := *title
		conv.Title = &t
	}

	err := s.update(func(txn *badger.Txn) error {
		if err := setJSON(txn, convKey(conv.ID), conv); err != nil {
			return err
		}
		for _, userID := range participantIDs {
			p := storedParticipant{ConversationID: conv.ID, UserID: userID, JoinedAt: now}
			if err := setJSON(txn, memberKey(conv.ID, userID), p); err != nil {
				return err
			}
			if err := setJSON(txn, userMemberKey(userID, conv.ID), p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return s.GetConversation(ctx, conv.ID)
}

func (s *BadgerStore) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	if err := checkCtx(ctx); err != nil {
		return models.Conversation{}, err
	}
	var (
		c       storedConversation
		members []storedParticipant
	)
	err := s.view(func(txn *badger.Txn) error {
		if err := getJSON(txn, convKey(conversationID), &c); err != nil {
			return err
		}
		var err error
		members, err = s.participantsIn(txn, conversationID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return models.Conversation{}, ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to fetch conversation: %w", err)
	}

	conv := c.toModel()
	conv.Participants = make([]models.User, 0, len(members))
	for _, p := range members {
		user, err := s.GetUser(ctx, p.UserID)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			user = models.User{ID: p.UserID}
		default:
			return models.Conversation{}, err
		}
		conv.Participants = append(conv.Participants, user)
	}

	conv.LastMessage, err = s.FindLatestMessage(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (s *BadgerStore) ListUserConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	ids, err := s.ListUserConversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	conversations := make([]models.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		a, b := conversations[i], conversations[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	return conversations, nil
}

func (s *BadgerStore) ListUserConversationIDs(ctx context.Context, userID string) ([]string, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var ids []string
	err := s.view(func(txn *badger.Txn) error {
		return scan(txn, userMemberPrefix(userID), false, func(_, val []byte) (bool, error) {
			var p storedParticipant
			if err := json.Unmarshal(val, &p); err != nil {
				return false, err
			}
			// user ids are opaque; a longer id sharing this prefix is skipped
			if p.UserID == userID {
				ids = append(ids, p.ConversationID)
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *BadgerStore) ExpireClientTokens(ctx context.Context, before time.Time) (int64, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}

	cutoff := before.UTC().UnixNano()
	var expired [][]byte
	err := s.view(func(txn *badger.Txn) error {
		return scan(txn, tokenPrefix, false, func(key, val []byte) (bool, error) {
			var tok storedToken
			if err := json.Unmarshal(val, &tok); err != nil {
				return false, err
			}
			if tok.CreatedAt < cutoff {
				expired = append(expired, key)
			}
			return true, nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan client tokens: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if s.txn != nil {
		for _, key := range expired {
			if err := s.txn.Delete(key); err != nil {
				return 0, fmt.Errorf("failed to expire client token: %w", err)
			}
		}
		return int64(len(expired)), nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range expired {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("failed to expire client token: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush token expiry: %w", err)
	}
	return int64(len(expired)), nil
}

func (s *BadgerStore) Maintain(ctx context.Context) error {
	for {
		if err := checkCtx(ctx); err != nil {
			return err
		}
		err := s.db.RunValueLogGC(0.5)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite),
			errors.Is(err, badger.ErrRejected),
			errors.Is(err, badger.ErrGCInMemoryMode):
			return nil
		default:
			return fmt.Errorf("value log gc failed: %w", err)
		}
	}
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("badger store is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if s.txn != nil {
		return nil
	}
	return s.db.Close()
}

func (m storedMessage) toModel() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		CreatedAt:      fromNanos(m.CreatedAt),
	}
}

func (u storedUser) toModel() models.User {
	return models.User{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		CreatedAt: fromNanos(u.CreatedAt),
	}
}

func (c storedConversation) toModel() models.Conversation {
	return models.Conversation{
		ID:        c.ID,
		Title:     c.Title,
		IsGroup:   c.IsGroup,
		CreatedAt: fromNanos(c.CreatedAt),
		UpdatedAt: fromNanos(c.UpdatedAt),
	}
}
