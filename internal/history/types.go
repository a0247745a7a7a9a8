package history

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/recall/internal/keywords"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a caller-supplied role.
func ParseRole(v string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(v))); r {
	case RoleSystem, RoleUser, RoleAssistant:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, v)
	}
}

// MatchMode selects how a keyword query is matched against annotations.
type MatchMode int

const (
	// MatchAny matches messages whose annotation shares at least one keyword.
	MatchAny MatchMode = iota
	// MatchAll matches messages whose annotation holds every keyword.
	MatchAll
)

func (m MatchMode) String() string {
	if m == MatchAll {
		return "all"
	}
	return "any"
}

// ParseMatchMode accepts "any", "all" or empty (any).
func ParseMatchMode(v string) (MatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "any":
		return MatchAny, nil
	case "all":
		return MatchAll, nil
	default:
		return MatchAny, fmt.Errorf("unsupported match mode %q", v)
	}
}

// Keywords is a message's keyword annotation in two languages.
type Keywords struct {
	Primary   []string `json:"primary"`
	Secondary []string `json:"secondary"`
}

// NewKeywords normalizes both lists.
func NewKeywords(primary, secondary []string) Keywords {
	return Keywords{
		Primary:   nonNil(keywords.Normalize(primary)),
		Secondary: nonNil(keywords.Normalize(secondary)),
	}
}

// All returns the normalized union of both lists.
func (k Keywords) All() []string {
	return keywords.Normalize(append(append([]string(nil), k.Primary...), k.Secondary...))
}

// Empty reports whether the annotation carries no keyword.
func (k Keywords) Empty() bool {
	return len(k.Primary) == 0 && len(k.Secondary) == 0
}

// Matches applies mode to query, which must already be normalized.
func (k Keywords) Matches(query []string, mode MatchMode) bool {
	if len(query) == 0 {
		return false
	}
	have := make(map[string]struct{}, len(k.Primary)+len(k.Secondary))
	for _, kw := range k.All() {
		have[kw] = struct{}{}
	}
	for _, q := range query {
		_, ok := have[q]
		switch {
		case ok && mode == MatchAny:
			return true
		case !ok && mode == MatchAll:
			return false
		}
	}
	return mode == MatchAll
}

// Message is a single stored conversation message.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	// Keywords is nil until the message has been annotated.
	Keywords *Keywords `json:"keywords,omitempty"`
}

// Conversation owns an ordered sequence of messages.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Active       bool      `json:"active"`
	Deleted      bool      `json:"deleted"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
