package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/history"
	"github.com/ent0n29/recall/internal/observability"
	"github.com/ent0n29/recall/internal/recorder"
	"github.com/ent0n29/recall/internal/retrieval"
)

// Windows answers window reads. *retrieval.Engine satisfies it.
type Windows interface {
	RecentWindow(ctx context.Context, conversationID string, limit int, includeSystem bool) ([]history.Message, error)
	KeywordWindow(ctx context.Context, conversationID string, kws []string, includeSystem bool, limit int, mode history.MatchMode) ([]history.Message, error)
	KeywordWindowByUser(ctx context.Context, userID string, kws []string, includeSystem bool, limit int, mode history.MatchMode) ([]history.Message, error)
}

// Recorder is the write path. *recorder.Recorder satisfies it.
type Recorder interface {
	Append(ctx context.Context, conversationID string, role history.Role, content string, metadata map[string]any) (history.Message, error)
}

type Deps struct {
	Store        history.Store
	StoreBackend string
	Windows      Windows
	Recorder     Recorder
	Metrics      *observability.Metrics
	Log          zerolog.Logger
}

type Server struct {
	cfg      config.Config
	store    history.Store
	backend  string
	windows  Windows
	recorder Recorder
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		backend:  deps.StoreBackend,
		windows:  deps.Windows,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		log:      deps.Log.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only stream conversations from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/conversations", s.handleCreateConversation)
	r.Get("/v1/conversations/{id}", s.handleGetConversation)
	r.Delete("/v1/conversations/{id}", s.handleDeleteConversation)
	r.Post("/v1/conversations/{id}/messages", s.handleAppendMessage)
	r.Get("/v1/conversations/{id}/window", s.handleRecentWindow)
	r.Post("/v1/conversations/{id}/window/keywords", s.handleKeywordWindow)
	r.Get("/v1/conversations/{id}/ws", s.handleConversationWS)
	r.Post("/v1/users/{id}/window/keywords", s.handleUserKeywordWindow)

	return r
}

// instrument counts requests by route pattern and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
			if websocket.IsWebSocketUpgrade(r) {
				status = http.StatusSwitchingProtocols
			}
		}
		s.metrics.ObserveHTTP(route, status)
		s.log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil || s.windows == nil || s.recorder == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "service dependencies are not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"store_backend": s.backend,
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.ActivitySnapshot())
}

func (s *Server) observe(operation string, start time.Time) {
	s.metrics.ObserveOperation(operation, time.Since(start))
}

// respondServiceError maps domain errors onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	status, code, retryable := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("code", code).Bool("retryable", retryable).Msg("request failed")
	}
	respondError(w, status, code, err.Error())
}

func classify(err error) (status int, code string, retryable bool) {
	switch {
	case errors.Is(err, retrieval.ErrNotFound), errors.Is(err, history.ErrConversationNotFound):
		return http.StatusNotFound, "conversation_not_found", false
	case errors.Is(err, history.ErrConversationExists):
		return http.StatusConflict, "conversation_exists", false
	case errors.Is(err, retrieval.ErrInvalidArgument),
		errors.Is(err, history.ErrInvalidRole),
		errors.Is(err, recorder.ErrEmptyContent):
		return http.StatusBadRequest, "invalid_argument", false
	case errors.Is(err, retrieval.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "timeout", true
	default:
		return http.StatusInternalServerError, "internal_error", true
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		// A truncated document yields io.ErrUnexpectedEOF and stays an error.
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
