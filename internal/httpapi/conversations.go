package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/recall/internal/history"
)

type createConversationRequest struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	SystemPrompt string `json:"system_prompt"`
}

type appendMessageRequest struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), history.Conversation{
		ID:           strings.TrimSpace(req.ID),
		UserID:       strings.TrimSpace(req.UserID),
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.log.Info().Str("conversation_id", conv.ID).Str("user_id", conv.UserID).Msg("conversation created")
	respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.log.Info().Str("conversation_id", id).Msg("conversation deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	defer s.observe("append_message", time.Now())

	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	var req appendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	msg, err := s.recorder.Append(r.Context(), id, history.Role(req.Role), req.Content, req.Metadata)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "missing conversation id")
		return "", false
	}
	return id, true
}
