package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatrelay-backend/internal/models"
)

type sessionService interface {
	Transcript(ctx context.Context, sessionID string) ([]models.Turn, error)
	Reset(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]models.SessionInfo, error)
}

type SessionHandler struct {
	sessions sessionService
}

func NewSessionHandler(sessions sessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Create hands out a fresh session id. The session exists once its first
// turn is recorded.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": uuid.NewString()})
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.Sessions(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list sessions")
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to list sessions", r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *SessionHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !models.ValidSessionID(id) {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session ID", r))
		return
	}

	turns, err := h.sessions.Transcript(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("failed to read transcript")
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to read transcript", r))
		return
	}
	writeJSON(w, http.StatusOK, models.TranscriptResponse{SessionID: id, Turns: turns})
}

func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !models.ValidSessionID(id) {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session ID", r))
		return
	}

	if err := h.sessions.Reset(r.Context(), id); err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("failed to reset session")
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to reset session", r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
