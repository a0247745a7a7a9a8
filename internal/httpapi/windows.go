package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/recall/internal/history"
)

type keywordWindowRequest struct {
	Keywords      []string `json:"keywords"`
	IncludeSystem bool     `json:"include_system"`
	Limit         *int     `json:"limit"`
	MatchMode     string   `json:"match_mode"`
}

type windowResponse struct {
	Messages []history.Message `json:"messages"`
	Count    int               `json:"count"`
}

func newWindowResponse(items []history.Message) windowResponse {
	if items == nil {
		items = []history.Message{}
	}
	return windowResponse{Messages: items, Count: len(items)}
}

func (s *Server) handleRecentWindow(w http.ResponseWriter, r *http.Request) {
	defer s.observe("recent_window", time.Now())

	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	includeSystem := false
	if raw := strings.TrimSpace(q.Get("include_system")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "include_system must be a boolean")
			return
		}
		includeSystem = v
	}

	items, err := s.windows.RecentWindow(r.Context(), id, limit, includeSystem)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newWindowResponse(items))
}

func (s *Server) handleKeywordWindow(w http.ResponseWriter, r *http.Request) {
	defer s.observe("keyword_window", time.Now())

	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	req, mode, limit, ok := decodeKeywordWindow(w, r)
	if !ok {
		return
	}

	items, err := s.windows.KeywordWindow(r.Context(), id, req.Keywords, req.IncludeSystem, limit, mode)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newWindowResponse(items))
}

func (s *Server) handleUserKeywordWindow(w http.ResponseWriter, r *http.Request) {
	defer s.observe("user_keyword_window", time.Now())

	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	req, mode, limit, ok := decodeKeywordWindow(w, r)
	if !ok {
		return
	}

	items, err := s.windows.KeywordWindowByUser(r.Context(), userID, req.Keywords, req.IncludeSystem, limit, mode)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newWindowResponse(items))
}

// decodeKeywordWindow validates a keyword window body. Keywords are mandatory
// here even though the engine accepts an empty list.
func decodeKeywordWindow(w http.ResponseWriter, r *http.Request) (keywordWindowRequest, history.MatchMode, int, bool) {
	var req keywordWindowRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return req, history.MatchAny, 0, false
	}

	kws := make([]string, 0, len(req.Keywords))
	for _, kw := range req.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			kws = append(kws, kw)
		}
	}
	if len(kws) == 0 {
		respondError(w, http.StatusBadRequest, "missing_keywords", "keywords are required")
		return req, history.MatchAny, 0, false
	}
	req.Keywords = kws

	limit := 0
	if req.Limit != nil {
		if *req.Limit <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return req, history.MatchAny, 0, false
		}
		limit = *req.Limit
	}
	mode, err := history.ParseMatchMode(req.MatchMode)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_match_mode", err.Error())
		return req, history.MatchAny, 0, false
	}
	return req, mode, limit, true
}
