// Package protocol defines the websocket frames exchanged on a conversation
// stream.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/recall/internal/history"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAppendMessage   MessageType = "append_message"
	TypeWindowRequest   MessageType = "window_request"
	TypeMessageAppended MessageType = "message_appended"
	TypeWindowResult    MessageType = "window_result"
	TypeErrorEvent      MessageType = "error_event"
)

// Window request scopes.
const (
	ScopeConversation = "conversation"
	ScopeUser         = "user"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type AppendMessage struct {
	Type      MessageType    `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WindowRequest asks for a window. Empty keywords yield the recency window;
// scope "user" searches all conversations of the stream's owner.
type WindowRequest struct {
	Type          MessageType `json:"type"`
	RequestID     string      `json:"request_id,omitempty"`
	Keywords      []string    `json:"keywords,omitempty"`
	IncludeSystem bool        `json:"include_system"`
	Limit         *int        `json:"limit,omitempty"`
	MatchMode     string      `json:"match_mode,omitempty"`
	Scope         string      `json:"scope,omitempty"`
}

type MessageAppended struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Message   history.Message `json:"message"`
}

type WindowResult struct {
	Type      MessageType       `json:"type"`
	RequestID string            `json:"request_id,omitempty"`
	Scope     string            `json:"scope"`
	Messages  []history.Message `json:"messages"`
	Count     int               `json:"count"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAppendMessage:
		var msg AppendMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Role) == "" || strings.TrimSpace(msg.Content) == "" {
			return nil, errors.New("invalid append_message")
		}
		return msg, nil
	case TypeWindowRequest:
		var msg WindowRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Limit != nil && *msg.Limit <= 0 {
			return nil, errors.New("invalid window_request: limit must be positive")
		}
		switch msg.Scope {
		case "":
			msg.Scope = ScopeConversation
		case ScopeConversation, ScopeUser:
		default:
			return nil, fmt.Errorf("invalid window_request: unknown scope %q", msg.Scope)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
