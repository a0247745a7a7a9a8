// Package history stores conversations and their messages and answers the
// ordered, keyword-filtered queries the retrieval engine builds windows from.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists")
	ErrMessageNotFound      = errors.New("message not found")
	ErrInvalidRole          = errors.New("invalid message role")
)

// Store persists conversations and messages. Reads never return soft-removed
// messages or soft-deleted conversations, and every list is ordered by
// creation time ascending. A non-positive limit means no limit; a
// non-positive maxKeep disables trimming.
type Store interface {
	CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, conversationID string, role Role, content string, metadata map[string]any) (Message, error)
	SetKeywords(ctx context.Context, messageID string, kw Keywords) error

	// RecentNonSystem returns the newest limit non-system messages.
	RecentNonSystem(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// LatestSystemMessage returns nil when the conversation has none.
	LatestSystemMessage(ctx context.Context, conversationID string) (*Message, error)
	// KeywordFilteredNonSystem returns the oldest limit matching messages.
	KeywordFilteredNonSystem(ctx context.Context, conversationID string, keywords []string, mode MatchMode, limit int) ([]Message, error)
	// KeywordFilteredNonSystemByUser returns the newest limit matching messages
	// across the user's active conversations.
	KeywordFilteredNonSystemByUser(ctx context.Context, userID string, keywords []string, mode MatchMode, limit int) ([]Message, error)

	// TrimRetain soft-removes all but the newest maxKeep non-system messages
	// and returns how many were removed.
	TrimRetain(ctx context.Context, conversationID string, maxKeep int) (int, error)
	// MostRecentConversationForUser returns nil when the user has none.
	MostRecentConversationForUser(ctx context.Context, userID string) (*Conversation, error)

	Close() error
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Backend     string
	DatabaseURL string
	SQLitePath  string
	CacheTTL    time.Duration
}

// NewStore creates the configured backend. Backend "auto" picks postgres when
// a database URL is set, sqlite when a path is set, otherwise in-memory. A
// positive CacheTTL wraps the result in a CachedStore.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, string, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" || backend == "auto" {
		switch {
		case strings.TrimSpace(cfg.DatabaseURL) != "":
			backend = "postgres"
		case strings.TrimSpace(cfg.SQLitePath) != "":
			backend = "sqlite"
		default:
			backend = "memory"
		}
	}

	var (
		st  Store
		err error
	)
	switch backend {
	case "postgres":
		st, err = NewPostgresStore(ctx, cfg.DatabaseURL)
	case "sqlite":
		st, err = NewSQLiteStore(ctx, cfg.SQLitePath)
	case "memory":
		st = NewMemoryStore()
	default:
		return nil, "", fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, "", err
	}
	if cfg.CacheTTL > 0 {
		st = NewCachedStore(st, cfg.CacheTTL)
	}
	return st, backend, nil
}

// clock hands out strictly increasing timestamps.
type clock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}
