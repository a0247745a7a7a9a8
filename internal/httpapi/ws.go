package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/recall/internal/history"
	"github.com/ent0n29/recall/internal/protocol"
)

const (
	wsReadLimit    = 1 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsQueueSize    = 64
)

func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.log.With().Str("conversation_id", conv.ID).Logger()
	log.Debug().Msg("ws connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, wsQueueSize)
	outbound := make(chan any, wsQueueSize)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		s.runConnection(ctx, conv, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, outbound, log)
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
				log.Warn().Msg("ws outbound queue full, error event dropped")
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWS("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	log.Debug().Msg("ws disconnected")
}

// frameWriter is the write half of a websocket connection.
type frameWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
	Close() error
}

// writeLoop is the only writer on conn. A failed write closes conn so the
// reader blocked in ReadMessage returns at once.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn frameWriter, outbound <-chan any, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("ws write failed")
				cancel()
				_ = conn.Close()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWS("outbound", string(t))
			}
		}
	}
}

// runConnection answers frames in arrival order so a window request always
// observes the appends sent before it.
func (s *Server) runConnection(ctx context.Context, conv history.Conversation, inbound <-chan any, outbound chan<- any) {
	for msg := range inbound {
		var reply any
		switch m := msg.(type) {
		case protocol.AppendMessage:
			reply = s.wsAppend(ctx, conv, m)
		case protocol.WindowRequest:
			reply = s.wsWindow(ctx, conv, m)
		default:
			continue
		}
		select {
		case <-ctx.Done():
			return
		case outbound <- reply:
		}
	}
}

func (s *Server) wsAppend(ctx context.Context, conv history.Conversation, m protocol.AppendMessage) any {
	defer s.observe("append_message", time.Now())

	msg, err := s.recorder.Append(ctx, conv.ID, history.Role(m.Role), m.Content, m.Metadata)
	if err != nil {
		return s.errorEvent(m.RequestID, err)
	}
	return protocol.MessageAppended{
		Type:      protocol.TypeMessageAppended,
		RequestID: m.RequestID,
		Message:   msg,
	}
}

func (s *Server) wsWindow(ctx context.Context, conv history.Conversation, m protocol.WindowRequest) any {
	mode, err := history.ParseMatchMode(m.MatchMode)
	if err != nil {
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			RequestID: m.RequestID,
			Code:      "invalid_match_mode",
			Detail:    err.Error(),
		}
	}
	limit := 0
	if m.Limit != nil {
		limit = *m.Limit
	}

	var items []history.Message
	switch {
	case m.Scope == protocol.ScopeUser:
		if strings.TrimSpace(conv.UserID) == "" {
			return protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				RequestID: m.RequestID,
				Code:      "invalid_argument",
				Detail:    "conversation has no user",
			}
		}
		defer s.observe("user_keyword_window", time.Now())
		items, err = s.windows.KeywordWindowByUser(ctx, conv.UserID, m.Keywords, m.IncludeSystem, limit, mode)
	case len(m.Keywords) == 0:
		defer s.observe("recent_window", time.Now())
		items, err = s.windows.RecentWindow(ctx, conv.ID, limit, m.IncludeSystem)
	default:
		defer s.observe("keyword_window", time.Now())
		items, err = s.windows.KeywordWindow(ctx, conv.ID, m.Keywords, m.IncludeSystem, limit, mode)
	}
	if err != nil {
		return s.errorEvent(m.RequestID, err)
	}
	if items == nil {
		items = []history.Message{}
	}
	return protocol.WindowResult{
		Type:      protocol.TypeWindowResult,
		RequestID: m.RequestID,
		Scope:     m.Scope,
		Messages:  items,
		Count:     len(items),
	}
}

func (s *Server) errorEvent(requestID string, err error) protocol.ErrorEvent {
	status, code, retryable := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("code", code).Msg("ws request failed")
	}
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		RequestID: requestID,
		Code:      code,
		Retryable: retryable,
		Detail:    err.Error(),
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.AppendMessage:
		return m.Type, true
	case protocol.WindowRequest:
		return m.Type, true
	case protocol.MessageAppended:
		return m.Type, true
	case protocol.WindowResult:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
