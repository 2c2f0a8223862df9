package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"messenger/internal/auth"
	"messenger/internal/chat"
	"messenger/internal/db"
	"messenger/internal/models"
	"messenger/internal/websocket"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testIssuer = "messenger-test"
	testOrigin = "http://localhost:3000"
)

type testServer struct {
	srv   *httptest.Server
	store db.Store
	hub   *websocket.Hub
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithParticipants(t, func(s db.Store) chat.ParticipantLister { return s })
}

// brokenParticipants fails every participant lookup, as a store outage
// right after a commit would.
type brokenParticipants struct{}

func (brokenParticipants) ListParticipants(context.Context, string) ([]string, error) {
	return nil, errors.New("participants unavailable")
}

func newTestServerWithParticipants(t *testing.T, participants func(db.Store) chat.ParticipantLister) *testServer {
	t.Helper()
	logger := zap.NewNop()

	store, err := db.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), logger)
	require.NoError(t, err)

	svc := chat.NewService(store, chat.Options{}, logger)
	hub := websocket.NewHub(store, logger)
	broadcaster := chat.NewBroadcaster(participants(store), hub, logger)
	dispatcher := websocket.NewDispatcher(svc, broadcaster, hub, logger)

	base, cancel := context.WithCancel(context.Background())
	h := NewHandlers(base, svc, broadcaster, hub, dispatcher,
		auth.NewVerifier(testSecret, testIssuer), store,
		Options{AllowedOrigins: []string{testOrigin}, WebSocket: websocket.DefaultOptions()},
		logger)

	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		srv.Close()
		cancel()
		_ = store.Close()
	})
	return &testServer{srv: srv, store: store, hub: hub}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.Sign(testSecret, testIssuer, auth.Identity{UserID: userID, Name: userID}, time.Hour)
	require.NoError(t, err)
	return token
}

// call performs an authenticated request (userID "" sends no credentials)
// and decodes the JSON answer into out when out is non-nil.
func (ts *testServer) call(t *testing.T, method, path, userID string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) createConversation(t *testing.T, creator string, others ...string) models.Conversation {
	t.Helper()
	var out models.ConversationResponse
	status := ts.call(t, http.MethodPost, "/api/conversations", creator,
		models.CreateConversationRequest{ParticipantIDs: others}, &out)
	require.Equal(t, http.StatusCreated, status)
	return out.Conversation
}

func (ts *testServer) sendMessage(t *testing.T, path, userID string, body models.SendMessageRequest) models.Message {
	t.Helper()
	var out models.MessageResponse
	require.Equal(t, http.StatusCreated, ts.call(t, http.MethodPost, path, userID, body, &out))
	return out.Message
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	var body healthResponse
	status := ts.call(t, http.MethodGet, "/api/health", "", nil, &body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body.Status)
	require.Zero(t, body.Clients)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	var body errorResponse
	status := ts.call(t, http.MethodGet, "/api/conversations", "", nil, &body)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "unauthenticated", body.Code)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCookieCredentials(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/conversations", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: tokenFor(t, "alice")})
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out models.ConversationsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Conversations)
	require.Empty(t, out.Conversations)
}

func TestConversationsLifecycle(t *testing.T) {
	ts := newTestServer(t)

	conv := ts.createConversation(t, "alice", "bob")
	require.False(t, conv.IsGroup)
	require.Len(t, conv.Participants, 2)

	var bobs models.ConversationsResponse
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/api/conversations", "bob", nil, &bobs))
	require.Len(t, bobs.Conversations, 1)
	require.Equal(t, conv.ID, bobs.Conversations[0].ID)

	var malloryList models.ConversationsResponse
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/api/conversations", "mallory", nil, &malloryList))
	require.Empty(t, malloryList.Conversations)

	var bad errorResponse
	status := ts.call(t, http.MethodPost, "/api/conversations", "alice", models.CreateConversationRequest{}, &bad)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_argument", bad.Code)
}

func TestCreateConversationWithInitialMessage(t *testing.T) {
	ts := newTestServer(t)

	var out models.ConversationResponse
	status := ts.call(t, http.MethodPost, "/api/conversations", "alice", models.CreateConversationRequest{
		ParticipantIDs: []string{"bob", "carol"},
		Title:          "planning",
		InitialMessage: "  kickoff  ",
	}, &out)
	require.Equal(t, http.StatusCreated, status)
	conv := out.Conversation
	require.True(t, conv.IsGroup)
	require.NotNil(t, conv.Title)
	require.Equal(t, "planning", *conv.Title)
	require.NotNil(t, conv.LastMessage)
	require.Equal(t, "kickoff", conv.LastMessage.Body)

	var page models.MessagePage
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", "carol", nil, &page))
	require.Len(t, page.Messages, 1)
}

func TestSearchUsers(t *testing.T) {
	ts := newTestServer(t)

	// Users become searchable once they have made an authenticated request.
	for _, id := range []string{"alice", "alfred", "albert", "bob"} {
		require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/api/conversations", id, nil, nil))
		time.Sleep(time.Millisecond)
	}

	var out models.UsersResponse
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/api/users/search?query=AL", "alice", nil, &out))
	require.Len(t, out.Users, 2)
	require.Equal(t, "albert", out.Users[0].ID)
	require.Equal(t, "alfred", out.Users[1].ID)

	out = models.UsersResponse{}
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/api/users/search?query=%20a%20", "alice", nil, &out))
	require.NotNil(t, out.Users)
	require.Empty(t, out.Users)

	require.Equal(t, http.StatusUnauthorized, ts.call(t, http.MethodGet, "/api/users/search?query=al", "", nil, nil))
}

func TestMessagesOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.createConversation(t, "alice", "bob")
	path := "/api/conversations/" + conv.ID + "/messages"

	first := ts.sendMessage(t, path, "alice", models.SendMessageRequest{Body: " hello ", ClientToken: "tok-1"})
	require.Equal(t, "hello", first.Body)
	require.Equal(t, "alice", first.SenderID)

	again := ts.sendMessage(t, path, "alice", models.SendMessageRequest{Body: "hello", ClientToken: "tok-1"})
	require.Equal(t, first.ID, again.ID, "a repeated client token returns the stored message")

	reply := ts.sendMessage(t, path, "bob", models.SendMessageRequest{Body: "hi"})

	var page models.MessagePage
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, path, "bob", nil, &page))
	require.Len(t, page.Messages, 2)
	require.Equal(t, first.ID, page.Messages[0].ID)
	require.Equal(t, reply.ID, page.Messages[1].ID)
	require.Nil(t, page.NextCursor)

	var e errorResponse
	require.Equal(t, http.StatusForbidden, ts.call(t, http.MethodGet, path, "mallory", nil, &e))
	require.Equal(t, "access denied", e.Error)

	require.Equal(t, http.StatusForbidden, ts.call(t, http.MethodPost, path, "mallory", models.SendMessageRequest{Body: "x"}, &e))

	require.Equal(t, http.StatusBadRequest, ts.call(t, http.MethodPost, path, "alice", models.SendMessageRequest{Body: "   "}, &e))
	require.Equal(t, "invalid_argument", e.Code)

	require.Equal(t, http.StatusBadRequest, ts.call(t, http.MethodGet, path+"?cursor=nope", "alice", nil, &e))
}

func TestSendMessageSucceedsWhenParticipantLookupFails(t *testing.T) {
	ts := newTestServerWithParticipants(t, func(db.Store) chat.ParticipantLister { return brokenParticipants{} })
	conv := ts.createConversation(t, "alice", "bob")
	path := "/api/conversations/" + conv.ID + "/messages"

	msg := ts.sendMessage(t, path, "alice", models.SendMessageRequest{Body: "stored", ClientToken: "tok-1"})
	require.Equal(t, "stored", msg.Body)

	stored, err := ts.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, msg.ID, stored.ID)

	again := ts.sendMessage(t, path, "alice", models.SendMessageRequest{Body: "stored", ClientToken: "tok-1"})
	require.Equal(t, msg.ID, again.ID)

	var result chat.DeleteResult
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodDelete, path+"/"+msg.ID, "alice", nil, &result))
	require.Equal(t, msg.ID, result.MessageID)
}

func TestDeleteMessageOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.createConversation(t, "alice", "bob")
	path := "/api/conversations/" + conv.ID + "/messages"

	older := ts.sendMessage(t, path, "alice", models.SendMessageRequest{Body: "older"})
	newer := ts.sendMessage(t, path, "alice", models.SendMessageRequest{Body: "newer"})

	var e errorResponse
	require.Equal(t, http.StatusForbidden, ts.call(t, http.MethodDelete, path+"/"+newer.ID, "bob", nil, &e))
	require.Equal(t, "you can only delete your own messages", e.Error)

	require.Equal(t, http.StatusNotFound, ts.call(t, http.MethodDelete, path+"/missing", "alice", nil, &e))
	require.Equal(t, "message not found", e.Error)

	var result chat.DeleteResult
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodDelete, path+"/"+newer.ID, "alice", nil, &result))
	require.Equal(t, newer.ID, result.MessageID)
	require.NotNil(t, result.LastMessage)
	require.Equal(t, older.ID, result.LastMessage.ID)

	require.Equal(t, http.StatusNotFound, ts.call(t, http.MethodDelete, path+"/"+newer.ID, "alice", nil, &e))
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.srv.URL+"/api/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, testOrigin, resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp, err = ts.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := map[chat.Kind]int{
		chat.KindUnauthenticated: http.StatusUnauthorized,
		chat.KindInvalidArgument: http.StatusBadRequest,
		chat.KindForbidden:       http.StatusForbidden,
		chat.KindNotFound:        http.StatusNotFound,
		chat.KindUnavailable:     http.StatusServiceUnavailable,
	}
	for kind, want := range tests {
		require.Equal(t, want, statusFor(kind), kind.String())
	}

	rec := httptest.NewRecorder()
	respondError(rec, io.ErrUnexpectedEOF)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"error":"service unavailable","code":"unavailable"}`, rec.Body.String())
}
