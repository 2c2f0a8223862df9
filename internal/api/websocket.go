package api

import (
	"net/http"

	"go.uber.org/zap"

	"messenger/internal/websocket"
)

// HandleWebSocket upgrades an authenticated request and hands the connection
// to the hub. The client lives under the server's context, not the request's.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn("websocket upgrade failed",
			zap.String("user_id", id.UserID), zap.String("origin", r.Header.Get("Origin")), zap.Error(err))
		return
	}

	client := websocket.NewClient(h.base, h.hub, conn, id.UserID, id.Name, h.frames, h.opts.WebSocket)
	h.hub.Serve(r.Context(), client)
}
