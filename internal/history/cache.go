package history

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedStore caches conversation metadata in front of another Store. Appends
// and deletes invalidate the entry; every message read goes to the backend.
type CachedStore struct {
	Store
	conversations *gocache.Cache
}

func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store:         inner,
		conversations: gocache.New(ttl, 2*ttl),
	}
}

func (s *CachedStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	created, err := s.Store.CreateConversation(ctx, conv)
	if err != nil {
		return Conversation{}, err
	}
	s.conversations.SetDefault(created.ID, created)
	return created, nil
}

func (s *CachedStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if v, ok := s.conversations.Get(id); ok {
		return v.(Conversation), nil
	}
	conv, err := s.Store.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	s.conversations.SetDefault(id, conv)
	return conv, nil
}

func (s *CachedStore) DeleteConversation(ctx context.Context, id string) error {
	// Invalidate after the backend delete so a concurrent read cannot
	// re-cache the conversation in between.
	err := s.Store.DeleteConversation(ctx, id)
	s.conversations.Delete(id)
	return err
}

func (s *CachedStore) AppendMessage(ctx context.Context, conversationID string, role Role, content string, metadata map[string]any) (Message, error) {
	msg, err := s.Store.AppendMessage(ctx, conversationID, role, content, metadata)
	s.conversations.Delete(conversationID)
	return msg, err
}

func (s *CachedStore) Close() error {
	s.conversations.Flush()
	return s.Store.Close()
}
