package api

import (
	"encoding/json"
	"net/http"

	"messenger/internal/chat"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	kind := chat.KindOf(err)
	respondJSON(w, statusFor(kind), errorResponse{Error: chat.ReasonOf(err), Code: kind.String()})
}

func statusFor(kind chat.Kind) int {
	switch kind {
	case chat.KindUnauthenticated:
		return http.StatusUnauthorized
	case chat.KindInvalidArgument:
		return http.StatusBadRequest
	case chat.KindForbidden:
		return http.StatusForbidden
	case chat.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}
