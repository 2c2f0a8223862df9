// Package api exposes the chat service over HTTP and upgrades /ws requests
// to websocket connections served by the hub.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"messenger/internal/auth"
	"messenger/internal/chat"
	"messenger/internal/websocket"
)

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	AllowedOrigins []string
	WebSocket      websocket.Options
}

type Handlers struct {
	// base outlives individual requests; websocket clients run under it.
	base        context.Context
	service     *chat.Service
	broadcaster *chat.Broadcaster
	hub         *websocket.Hub
	frames      websocket.FrameHandler
	verifier    *auth.Verifier
	store       Pinger
	validate    *validator.Validate
	upgrader    gorilla.Upgrader
	origins     map[string]struct{}
	opts        Options
	logger      *zap.Logger
}

func NewHandlers(
	base context.Context,
	service *chat.Service,
	broadcaster *chat.Broadcaster,
	hub *websocket.Hub,
	frames websocket.FrameHandler,
	verifier *auth.Verifier,
	store Pinger,
	opts Options,
	logger *zap.Logger,
) *Handlers {
	h := &Handlers{
		base:        base,
		service:     service,
		broadcaster: broadcaster,
		hub:         hub,
		frames:      frames,
		verifier:    verifier,
		store:       store,
		validate:    validator.New(),
		origins:     make(map[string]struct{}, len(opts.AllowedOrigins)),
		opts:        opts,
		logger:      logger.Named("api"),
	}
	for _, origin := range opts.AllowedOrigins {
		h.origins[origin] = struct{}{}
	}
	h.upgrader = gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Router wires every route. Everything but the health check requires a
// verified identity.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequest)
	r.Use(middleware.Recoverer)
	r.Use(h.WithCORS)

	r.Get("/api/health", h.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.WithAuth)

		r.Get("/ws", h.HandleWebSocket)

		r.Get("/api/users/search", h.HandleSearchUsers)

		r.Route("/api/conversations", func(r chi.Router) {
			r.Get("/", h.HandleListConversations)
			r.Post("/", h.HandleCreateConversation)
			r.Get("/{id}/messages", h.HandleListMessages)
			r.Post("/{id}/messages", h.HandleSendMessage)
			r.Delete("/{id}/messages/{messageId}", h.HandleDeleteMessage)
		})
	})

	return r
}

// checkOrigin admits non-browser clients, which send no Origin, and the
// configured browser origins.
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}
