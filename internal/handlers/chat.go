package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/services"
)

type chatRelay interface {
	Relay(ctx context.Context, sessionID, userText string) services.RelayResult
}

type ChatHandler struct {
	relay chatRelay
}

func NewChatHandler(relay chatRelay) *ChatHandler {
	return &ChatHandler{relay: relay}
}

// Chat runs one relay cycle. Every relay outcome, including upstream
// failures, is a 200 with a reply; only malformed requests get an error.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	if req.UserInput == nil {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"user_input": "user_input is required"}, r))
		return
	}

	if req.SessionID != "" && !models.ValidSessionID(req.SessionID) {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"session_id": "session_id must be 1-64 letters, digits, '-' or '_'"}, r))
		return
	}

	// A client disconnect does not abort the upstream attempt.
	res := h.relay.Relay(context.WithoutCancel(r.Context()), req.SessionID, *req.UserInput)

	writeJSON(w, http.StatusOK, models.ChatResponse{
		Reply:     res.Reply,
		Status:    string(res.Status),
		SessionID: res.SessionID,
	})
}
