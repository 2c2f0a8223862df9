package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"messenger/internal/models"
)

// forEachStore runs fn against a fresh SQLite file and an in-memory Badger DB.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("badger", func(t *testing.T) {
		s, err := NewBadgerStore("", Options{TokenTTL: time.Hour}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func seedConversation(t *testing.T, s Store, userIDs ...string) models.Conversation {
	t.Helper()
	ctx := context.Background()
	for _, id := range userIDs {
		require.NoError(t, s.UpsertUser(ctx, models.User{ID: id, Name: "User " + id, Email: id + "@example.com"}))
	}
	conv, err := s.CreateConversation(ctx, nil, userIDs)
	require.NoError(t, err)
	return conv
}

func TestStore_CreateAndGetConversation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()

		conv := seedConversation(t, s, "alice", "bob")
		req.NotEmpty(conv.ID)
		req.False(conv.IsGroup)
		req.Nil(conv.Title)
		req.Nil(conv.LastMessage)
		req.Len(conv.Participants, 2)

		got, err := s.GetConversation(ctx, conv.ID)
		req.NoError(err)
		req.Equal(conv.ID, got.ID)
		req.ElementsMatch([]string{"alice", "bob"}, []string{got.Participants[0].ID, got.Participants[1].ID})

		_, err = s.GetConversation(ctx, "missing")
		req.ErrorIs(err, ErrNotFound)
	})
}

func TestStore_Membership(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		conv := seedConversation(t, s, "alice", "bob")

		p, err := s.FindMembership(ctx, conv.ID, "alice")
		req.NoError(err)
		req.NotNil(p)
		req.Equal("alice", p.UserID)

		p, err = s.FindMembership(ctx, conv.ID, "mallory")
		req.NoError(err)
		req.Nil(p)

		ids, err := s.ListParticipants(ctx, conv.ID)
		req.NoError(err)
		req.ElementsMatch([]string{"alice", "bob"}, ids)
	})
}

func TestStore_InsertMessageOrdersStrictly(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		conv := seedConversation(t, s, "alice", "bob")

		var prev models.Message
		for i := 0; i < 25; i++ {
			msg, inserted, err := s.InsertMessage(ctx, conv.ID, "alice", "hello", "")
			req.NoError(err)
			req.True(inserted)
			req.NotNil(msg.Sender)
			req.Equal("User alice", msg.Sender.Name)
			if i > 0 {
				req.True(msg.CreatedAt.After(prev.CreatedAt), "timestamps must strictly increase")
			}
			prev = msg
		}

		latest, err := s.FindLatestMessage(ctx, conv.ID)
		req.NoError(err)
		req.NotNil(latest)
		req.Equal(prev.ID, latest.ID)
	})
}

func TestStore_InsertMessageClientToken(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		conv := seedConversation(t, s, "alice", "bob")

		first, inserted, err := s.InsertMessage(ctx, conv.ID, "alice", "hi", "tok-1")
		req.NoError(err)
		req.True(inserted)

		again, inserted, err := s.InsertMessage(ctx, conv.ID, "alice", "hi", "tok-1")
		req.NoError(err)
		req.False(inserted)
		req.Equal(first.ID, again.ID)

		// Same token from another sender is a different message.
		other, inserted, err := s.InsertMessage(ctx, conv.ID, "bob", "hi", "tok-1")
		req.NoError(err)
		req.True(inserted)
		req.NotEqual(first.ID, other.ID)

		page, _, err := s.ListMessages(ctx, conv.ID, "", 20)
		req.NoError(err)
		req.Len(page, 2)
	})
}

func TestStore_ExpireClientTokens(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		conv := seedConversation(t, s, "alice", "bob")

		first, _, err := s.InsertMessage(ctx, conv.ID, "alice", "hi", "tok-1")
		req.NoError(err)

		n, err := s.ExpireClientTokens(ctx, time.Now().Add(time.Minute))
		req.NoError(err)
		req.EqualValues(1, n)

		// Once forgotten, the token no longer deduplicates.
		second, inserted, err := s.InsertMessage(ctx, conv.ID, "alice", "hi", "tok-1")
		req.NoError(err)
		req.True(inserted)
		req.NotEqual(first.ID, second.ID)
	})
}

func TestStore_DeleteMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		conv := seedConversation(t, s, "alice", "bob")

		first, _, err := s.InsertMessage(ctx, conv.ID, "alice", "one", "")
		req.NoError(err)
		second, _, err := s.InsertMessage(ctx, conv.ID, "bob", "two", "")
		req.NoError(err)

		req.NoError(s.DeleteMessage(ctx, second.ID))
		req.ErrorIs(s.DeleteMessage(ctx, second.ID), ErrNotFound)

		_, err = s.GetMessage(ctx, second.ID)
		req.ErrorIs(err, ErrNotFound)

		latest, err := s.FindLatestMessage(ctx, conv.ID)
		req.NoError(err)
		req.Equal(first.ID, latest.ID)

		req.NoError(s.DeleteMessage(ctx, first.ID))
		latest, err = s.FindLatestMessage(ctx, conv.ID)
		req.NoError(err)
		req.Nil(latest)
	})
}

func TestStore_ListMessagesPagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		conv := seedConversation(t, s, "alice", "bob")

		var all []models.Message
		for i := 0; i < 45; i++ {
			msg, _, err := s.InsertMessage(ctx, conv.ID, "alice", "m", "")
			req.NoError(err)
			all = append(all, msg)
		}

		// Walk backwards page by page and stitch the history together.
		var stitched []models.Message
		cursor := ""
		pages := 0
		for {
			page, next, err := s.ListMessages(ctx, conv.ID, cursor, 20)
			req.NoError(err)
			for i := 1; i < len(page); i++ {
				req.True(models.Less(page[i-1], page[i]), "page must be oldest first")
			}
			stitched = append(page, stitched...)
			pages++
			if next == "" {
				break
			}
			req.Equal(page[0].ID, next)
			cursor = next
		}

		req.Equal(3, pages)
		req.Len(stitched, len(all))
		for i := range all {
			req.Equal(all[i].ID, stitched[i].ID)
		}
	})
}

func TestStore_ListMessagesExactPage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		conv := seedConversation(t, s, "alice", "bob")

		for i := 0; i < 20; i++ {
			_, _, err := s.InsertMessage(ctx, conv.ID, "alice", "m", "")
			req.NoError(err)
		}
		page, next, err := s.ListMessages(ctx, conv.ID, "", 20)
		req.NoError(err)
		req.Len(page, 20)
		req.Empty(next)
	})
}

func TestStore_ListMessagesUnknownCursor(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := seedConversation(t, s, "alice", "bob")
		other := seedConversation(t, s, "alice", "carol")

		foreign, _, err := s.InsertMessage(ctx, other.ID, "alice", "elsewhere", "")
		require.NoError(t, err)

		_, _, err = s.ListMessages(ctx, conv.ID, "nope", 20)
		require.ErrorIs(t, err, ErrNotFound)
		_, _, err = s.ListMessages(ctx, conv.ID, foreign.ID, 20)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListUserConversationsByRecency(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		older := seedConversation(t, s, "alice", "bob")
		newer := seedConversation(t, s, "alice", "carol")
		seedConversation(t, s, "bob", "carol")

		_, err := s.UpdateConversationTimestamp(ctx, older.ID, time.Now().Add(time.Hour))
		req.NoError(err)

		convs, err := s.ListUserConversations(ctx, "alice")
		req.NoError(err)
		req.Len(convs, 2)
		req.Equal(older.ID, convs[0].ID)
		req.Equal(newer.ID, convs[1].ID)

		ids, err := s.ListUserConversationIDs(ctx, "alice")
		req.NoError(err)
		req.ElementsMatch([]string{older.ID, newer.ID}, ids)

		_, err = s.UpdateConversationTimestamp(ctx, "missing", time.Now())
		req.ErrorIs(err, ErrNotFound)
	})
}

func TestStore_SearchUsers(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()

		for _, u := range []models.User{
			{ID: "alice", Name: "Alice Liddell", Email: "alice@example.com"},
			{ID: "alfred", Name: "Alfred", Email: "butler@manor.example"},
			{ID: "bob", Name: "Bob", Email: "bob@alpha.example"},
			{ID: "axb", Name: "Axb", Email: "axb@example.com"},
		} {
			req.NoError(s.UpsertUser(ctx, u))
			time.Sleep(time.Millisecond)
		}

		users, err := s.SearchUsers(ctx, "AL", "alice", 10)
		req.NoError(err)
		ids := make([]string, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		req.Equal([]string{"bob", "alfred"}, ids, "newest first, caller excluded, email matches too")

		users, err = s.SearchUsers(ctx, "al", "", 1)
		req.NoError(err)
		req.Len(users, 1)
		req.Equal("bob", users[0].ID)

		users, err = s.SearchUsers(ctx, "a_b", "", 10)
		req.NoError(err)
		req.Empty(users, "LIKE wildcards in the query match literally")
	})
}

func TestStore_WithinTxRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		conv := seedConversation(t, s, "alice", "bob")

		boom := errors.New("boom")
		err := s.WithinTx(ctx, func(tx Store) error {
			_, _, err := tx.InsertMessage(ctx, conv.ID, "alice", "never", "")
			req.NoError(err)
			return boom
		})
		req.ErrorIs(err, boom)

		latest, err := s.FindLatestMessage(ctx, conv.ID)
		req.NoError(err)
		req.Nil(latest)
	})
}

func TestStore_ConcurrentInsertsKeepTotalOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		req := require.New(t)
		ctx := context.Background()
		conv := seedConversation(t, s, "alice", "bob")

		var wg sync.WaitGroup
		errs := make(chan error, 40)
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sender := "alice"
				if i%2 == 0 {
					sender = "bob"
				}
				errs <- s.WithinTx(ctx, func(tx Store) error {
					_, _, err := tx.InsertMessage(ctx, conv.ID, sender, "race", "")
					return err
				})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			req.NoError(err)
		}

		page, next, err := s.ListMessages(ctx, conv.ID, "", 50)
		req.NoError(err)
		req.Empty(next)
		req.Len(page, 40)
		for i := 1; i < len(page); i++ {
			req.True(page[i].CreatedAt.After(page[i-1].CreatedAt))
		}
	})
}

func TestNextTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	require.Equal(t, now, nextTimestamp(now, nil))

	latest := &models.Message{CreatedAt: now.Add(time.Second)}
	require.Equal(t, latest.CreatedAt.Add(time.Nanosecond), nextTimestamp(now, latest))

	latest = &models.Message{CreatedAt: now}
	require.Equal(t, now.Add(time.Nanosecond), nextTimestamp(now, latest))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x"), Options{}, zap.NewNop())
	require.Error(t, err)
}
