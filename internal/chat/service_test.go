package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"messenger/internal/db"
	"messenger/internal/models"
)

func forEachStore(t *testing.T, fn func(t *testing.T, store db.Store)) {
	t.Run("sqlite", func(t *testing.T) {
		store, err := db.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
	t.Run("badger", func(t *testing.T) {
		store, err := db.NewBadgerStore("", db.Options{TokenTTL: time.Hour}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
}

type fixture struct {
	svc   *Service
	store db.Store
	conv  models.Conversation
}

func newFixture(t *testing.T, store db.Store) fixture {
	t.Helper()
	ctx := context.Background()
	svc := NewService(store, Options{}, zap.NewNop())
	for _, u := range []models.User{
		{ID: "alice", Name: "Alice", Email: "alice@example.com"},
		{ID: "bob", Name: "Bob", Email: "bob@example.com"},
		{ID: "mallory", Name: "Mallory", Email: "mallory@example.com"},
	} {
		require.NoError(t, svc.RegisterIdentity(ctx, u))
	}
	conv, err := svc.CreateConversation(ctx, "alice", []string{"bob"}, "", "")
	require.NoError(t, err)
	return fixture{svc: svc, store: store, conv: conv}
}

func messageCount(t *testing.T, store db.Store, conversationID string) int {
	t.Helper()
	page, _, err := store.ListMessages(context.Background(), conversationID, "", 1000)
	require.NoError(t, err)
	return len(page)
}

func TestSubmitMessage_NonMemberForbidden(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		req := require.New(t)
		f := newFixture(t, store)
		ctx := context.Background()

		_, err := f.svc.SubmitMessage(ctx, "mallory", f.conv.ID, "let me in", "")
		req.ErrorIs(err, ErrForbidden)
		req.Equal("access denied", ReasonOf(err))
		req.Zero(messageCount(t, store, f.conv.ID))

		before, err := store.GetConversation(ctx, f.conv.ID)
		req.NoError(err)
		req.True(before.UpdatedAt.Equal(f.conv.UpdatedAt))
	})
}

func TestSubmitMessage_UnknownConversationForbidden(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		f := newFixture(t, store)
		_, err := f.svc.SubmitMessage(context.Background(), "alice", "no-such-conversation", "hi", "")
		require.ErrorIs(t, err, ErrForbidden)
	})
}

func TestSubmitMessage_InvalidInput(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		f := newFixture(t, store)
		ctx := context.Background()

		cases := []struct {
			name   string
			userID string
			convID string
			body   string
			token  string
			kind   Kind
		}{
			{name: "whitespace body", userID: "alice", convID: f.conv.ID, body: "   \n\t ", kind: KindInvalidArgument},
			{name: "empty body", userID: "alice", convID: f.conv.ID, body: "", kind: KindInvalidArgument},
			{name: "missing conversation", userID: "alice", convID: "", body: "hi", kind: KindInvalidArgument},
			{name: "too long", userID: "alice", convID: f.conv.ID, body: strings.Repeat("é", DefaultMaxBodyLength+1), kind: KindInvalidArgument},
			{name: "long token", userID: "alice", convID: f.conv.ID, body: "hi", token: strings.Repeat("t", 65), kind: KindInvalidArgument},
			{name: "anonymous", userID: "", convID: f.conv.ID, body: "hi", kind: KindUnauthenticated},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := f.svc.SubmitMessage(ctx, tc.userID, tc.convID, tc.body, tc.token)
				require.Error(t, err)
				require.Equal(t, tc.kind, KindOf(err))
				require.False(t, KindOf(err).Retryable())
			})
		}
		require.Zero(t, messageCount(t, store, f.conv.ID))
	})
}

func TestSubmitMessage_RoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		req := require.New(t)
		f := newFixture(t, store)
		ctx := context.Background()

		msg, err := f.svc.SubmitMessage(ctx, "alice", f.conv.ID, "  hello  ", "")
		req.NoError(err)
		req.Equal("hello", msg.Body)
		req.Equal("alice", msg.SenderID)
		req.NotNil(msg.Sender)
		req.Equal("Alice", msg.Sender.Name)
		req.Equal("alice@example.com", msg.Sender.Email)

		latest, err := store.FindLatestMessage(ctx, f.conv.ID)
		req.NoError(err)
		req.NotNil(latest)
		req.Equal("hello", latest.Body)
		req.Equal("alice", latest.SenderID)

		conv, err := store.GetConversation(ctx, f.conv.ID)
		req.NoError(err)
		req.True(conv.UpdatedAt.Equal(latest.CreatedAt))
		req.True(conv.UpdatedAt.Equal(msg.CreatedAt))
	})
}

func TestSubmitMessage_ClientTokenIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		req := require.New(t)
		f := newFixture(t, store)
		ctx := context.Background()

		first, err := f.svc.SubmitMessage(ctx, "alice", f.conv.ID, "retry me", "token-1")
		req.NoError(err)
		second, err := f.svc.SubmitMessage(ctx, "alice", f.conv.ID, "retry me", "token-1")
		req.NoError(err)

		req.Equal(first.ID, second.ID)
		req.Equal(1, messageCount(t, store, f.conv.ID))
	})
}

func TestDeleteMessage_NonMemberForbidden(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		req := require.New(t)
		f := newFixture(t, store)
		ctx := context.Background()

		msg, err := f.svc.SubmitMessage(ctx, "alice", f.conv.ID, "mine", "")
		req.NoError(err)
		before, err := store.GetConversation(ctx, f.conv.ID)
		req.NoError(err)

		_, err = f.svc.DeleteMessage(ctx, "mallory", f.conv.ID, msg.ID)
		req.ErrorIs(err, ErrForbidden)
		req.Equal("access denied", ReasonOf(err))

		_, err = store.GetMessage(ctx, msg.ID)
		req.NoError(err)
		req.Equal(1, messageCount(t, store, f.conv.ID))

		after, err := store.GetConversation(ctx, f.conv.ID)
		req.NoError(err)
		req.True(before.UpdatedAt.Equal(after.UpdatedAt), "a rejected delete leaves the conversation timestamp alone")
		req.NotNil(after.LastMessage)
		req.Equal(msg.ID, after.LastMessage.ID)
	})
}

func TestSearchUsers(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		req := require.New(t)
		f := newFixture(t, store)
		ctx := context.Background()

		users, err := f.svc.SearchUsers(ctx, "alice", "  example.COM ")
		req.NoError(err)
		req.Len(users, 2)
		for _, u := range users {
			req.NotEqual("alice", u.ID)
		}

		users, err = f.svc.SearchUsers(ctx, "alice", " b ")
		req.NoError(err)
		req.NotNil(users)
		req.Empty(users, "queries shorter than two characters match nothing")

		_, err = f.svc.SearchUsers(ctx, "", "bob")
		req.ErrorIs(err, ErrUnauthenticated)
	})
}

func TestDeleteMessage_OwnershipRequired(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		req := require.New(t)
		f := newFixture(t, store)
		ctx := context.Background()

		msg, err := f.svc.SubmitMessage(ctx, "alice", f.conv.ID, "mine", "")
		req.NoError(err)

		_, err = f.svc.DeleteMessage(ctx, "bob", f.conv.ID, msg.ID)
		req.ErrorIs(err, ErrForbidden)
		req.Equal("you can only delete your own messages", ReasonOf(err))

		stored, err := store.GetMessage(ctx, msg.ID)
		req.NoError(err)
		req.Equal(msg.ID, stored.ID)
	})
}

func TestDeleteMessage_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		req := require.New(t)
		f := newFixture(t, store)
		ctx := context.Background()

		_, err := f.svc.DeleteMessage(ctx, "alice", f.conv.ID, "missing")
		req.ErrorIs(err, ErrNotFound)
		req.Equal("message not found", ReasonOf(err))

		// A message from another conversation is not found here either.
		other, err := f.svc.CreateConversation(ctx, "alice", []string{"mallory"}, "", "")
		req.NoError(err)
		foreign, err := f.svc.SubmitMessage(ctx, "alice", other.ID, "elsewhere", "")
		req.NoError(err)

		_, err = f.svc.DeleteMessage(ctx, "alice", f.conv.ID, foreign.ID)
		req.ErrorIs(err, ErrNotFound)
	})
}

func TestDeleteMessage_RecomputesLatest(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		req := require.New(t)
		f := newFixture(t, store)
		ctx := context.Background()

		m1, err := f.svc.SubmitMessage(ctx, "alice", f.conv.ID, "first", "")
		req.NoError(err)
		m2, err := f.svc.SubmitMessage(ctx, "alice", f.conv.ID, "second", "")
		req.NoError(err)
		req.True(models.Less(m1, m2))

		result, err := f.svc.DeleteMessage(ctx, "alice", f.conv.ID, m2.ID)
		req.NoError(err)
		req.Equal(f.conv.ID, result.ConversationID)
		req.Equal(m2.ID, result.MessageID)
		req.NotNil(result.LastMessage)
		req.Equal(m1.ID, result.LastMessage.ID)
		req.True(result.UpdatedAt.Equal(m1.CreatedAt))

		conv, err := store.GetConversation(ctx, f.conv.ID)
		req.NoError(err)
		req.True(conv.UpdatedAt.Equal(m1.CreatedAt))

		deletedAt := time.Now().UTC()
		f.svc.now = func() time.Time { return deletedAt }

		result, err = f.svc.DeleteMessage(ctx, "alice", f.conv.ID, m1.ID)
		req.NoError(err)
		req.Nil(result.LastMessage)
		req.True(result.UpdatedAt.Equal(deletedAt))

		latest, err := store.FindLatestMessage(ctx, f.conv.ID)
		req.NoError(err)
		req.Nil(latest)

		conv, err = store.GetConversation(ctx, f.conv.ID)
		req.NoError(err)
		req.False(conv.UpdatedAt.Before(deletedAt))
	})
}

func TestCreateConversation(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		req := require.New(t)
		f := newFixture(t, store)
		ctx := context.Background()

		_, err := f.svc.CreateConversation(ctx, "alice", nil, "", "")
		req.ErrorIs(err, ErrInvalidArgument)
		_, err = f.svc.CreateConversation(ctx, "alice", []string{" ", ""}, "", "")
		req.ErrorIs(err, ErrInvalidArgument)

		group, err := f.svc.CreateConversation(ctx, "alice", []string{"bob", "mallory", "bob", "alice"}, "  Team  ", "")
		req.NoError(err)
		req.True(group.IsGroup)
		req.Len(group.Participants, 3)
		req.NotNil(group.Title)
		req.Equal("Team", *group.Title)

		withMessage, err := f.svc.CreateConversation(ctx, "bob", []string{"mallory"}, "", "hey there")
		req.NoError(err)
		req.False(withMessage.IsGroup)
		req.NotNil(withMessage.LastMessage)
		req.Equal("hey there", withMessage.LastMessage.Body)
		req.True(withMessage.UpdatedAt.Equal(withMessage.LastMessage.CreatedAt))
	})
}

func TestListConversations_OrderedByActivity(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		req := require.New(t)
		f := newFixture(t, store)
		ctx := context.Background()

		later, err := f.svc.CreateConversation(ctx, "alice", []string{"mallory"}, "", "")
		req.NoError(err)
		_, err = f.svc.SubmitMessage(ctx, "bob", f.conv.ID, "bump", "")
		req.NoError(err)

		convs, err := f.svc.ListConversations(ctx, "alice")
		req.NoError(err)
		req.Len(convs, 2)
		req.Equal(f.conv.ID, convs[0].ID)
		req.Equal(later.ID, convs[1].ID)
		req.NotNil(convs[0].LastMessage)
		req.Equal("bump", convs[0].LastMessage.Body)
	})
}

func TestListMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, store db.Store) {
		req := require.New(t)
		f := newFixture(t, store)
		ctx := context.Background()

		for i := 0; i < DefaultPageSize+5; i++ {
			_, err := f.svc.SubmitMessage(ctx, "alice", f.conv.ID, "msg", "")
			req.NoError(err)
		}

		page, err := f.svc.ListMessages(ctx, "bob", f.conv.ID, "")
		req.NoError(err)
		req.Len(page.Messages, DefaultPageSize)
		req.NotNil(page.NextCursor)

		older, err := f.svc.ListMessages(ctx, "bob", f.conv.ID, *page.NextCursor)
		req.NoError(err)
		req.Len(older.Messages, 5)
		req.Nil(older.NextCursor)
		req.True(models.Less(older.Messages[4], page.Messages[0]))

		_, err = f.svc.ListMessages(ctx, "mallory", f.conv.ID, "")
		req.ErrorIs(err, ErrForbidden)

		_, err = f.svc.ListMessages(ctx, "bob", f.conv.ID, "bogus")
		req.ErrorIs(err, ErrInvalidArgument)
	})
}

func TestErrorKinds(t *testing.T) {
	req := require.New(t)

	err := newError(KindForbidden, "access denied")
	req.ErrorIs(err, ErrForbidden)
	req.NotErrorIs(err, ErrNotFound)
	req.Equal(KindForbidden, KindOf(err))

	wrapped := unavailable("store down", errors.New("disk full"))
	req.ErrorIs(wrapped, ErrUnavailable)
	req.True(KindOf(wrapped).Retryable())
	req.Contains(wrapped.Error(), "disk full")

	req.Equal(KindUnavailable, KindOf(errors.New("plain")))
	req.Equal("service unavailable", ReasonOf(errors.New("plain")))
	req.Equal("not_found", KindNotFound.String())
}
