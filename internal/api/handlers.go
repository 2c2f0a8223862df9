package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"messenger/internal/auth"
	"messenger/internal/chat"
	"messenger/internal/models"
)

const maxRequestBody = 64 << 10

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Clients: h.hub.ClientCount()})
		return
	}
	respondJSON(w, http.StatusOK, healthResponse{Status: "ok", Clients: h.hub.ClientCount()})
}

func (h *Handlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	conversations, err := h.service.ListConversations(r.Context(), id.UserID)
	if err != nil {
		respondError(w, err)
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	respondJSON(w, http.StatusOK, models.ConversationsResponse{Conversations: conversations})
}

func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	var req models.CreateConversationRequest
	if !h.decode(w, r, &req) {
		return
	}

	conv, err := h.service.CreateConversation(r.Context(), id.UserID, req.ParticipantIDs, req.Title, req.InitialMessage)
	if err != nil {
		respondError(w, err)
		return
	}
	h.broadcaster.ConversationCreated(r.Context(), conv)
	respondJSON(w, http.StatusCreated, models.ConversationResponse{Conversation: conv})
}

func (h *Handlers) HandleSearchUsers(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	users, err := h.service.SearchUsers(r.Context(), id.UserID, r.URL.Query().Get("query"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.UsersResponse{Users: users})
}

func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	page, err := h.service.ListMessages(r.Context(), id.UserID, chi.URLParam(r, "id"), r.URL.Query().Get("cursor"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// HandleSendMessage is the HTTP twin of the message:send frame: persist,
// broadcast, then answer.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	var req models.SendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg, err := h.service.SubmitMessage(r.Context(), id.UserID, chi.URLParam(r, "id"), req.Body, req.ClientToken)
	if err != nil {
		respondError(w, err)
		return
	}
	h.broadcaster.MessageCreated(r.Context(), msg)
	respondJSON(w, http.StatusCreated, models.MessageResponse{Message: msg})
}

func (h *Handlers) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	result, err := h.service.DeleteMessage(r.Context(), id.UserID, chi.URLParam(r, "id"), chi.URLParam(r, "messageId"))
	if err != nil {
		respondError(w, err)
		return
	}
	h.broadcaster.MessageDeleted(r.Context(), result)
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, &chat.Error{Kind: chat.KindInvalidArgument, Reason: "invalid request body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondError(w, &chat.Error{Kind: chat.KindInvalidArgument, Reason: err.Error()})
		return false
	}
	return true
}

// identity is only called behind WithAuth.
func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}
