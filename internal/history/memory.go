package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/recall/internal/keywords"
)

type memoryMessage struct {
	msg     Message
	removed bool
}

// MemoryStore is an in-process store for local/dev use and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	clock         clock
	conversations map[string]*Conversation
	messages      map[string][]*memoryMessage
	byID          map[string]*memoryMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*memoryMessage),
		byID:          make(map[string]*memoryMessage),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv Conversation) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if _, exists := s.conversations[conv.ID]; exists {
		return Conversation{}, fmt.Errorf("%w: %s", ErrConversationExists, conv.ID)
	}
	now := s.clock.Now()
	conv.UserID = strings.TrimSpace(conv.UserID)
	conv.Active = true
	conv.Deleted = false
	conv.CreatedAt = now
	conv.UpdatedAt = now
	c := conv
	s.conversations[conv.ID] = &c
	return conv, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok || c.Deleted {
		return Conversation{}, ErrConversationNotFound
	}
	return *c, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.Deleted {
		return ErrConversationNotFound
	}
	c.Deleted = true
	c.Active = false
	c.UpdatedAt = s.clock.Now()
	for _, m := range s.messages[id] {
		m.removed = true
	}
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID string, role Role, content string, metadata map[string]any) (Message, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok || c.Deleted {
		return Message{}, ErrConversationNotFound
	}

	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.clock.Now(),
		Metadata:       cloneMetadata(metadata),
	}
	stored := &memoryMessage{msg: msg}
	s.messages[conversationID] = append(s.messages[conversationID], stored)
	s.byID[msg.ID] = stored

	if role == RoleSystem {
		c.SystemPrompt = content
	}
	c.UpdatedAt = msg.CreatedAt
	return cloneMessage(msg), nil
}

func (s *MemoryStore) SetKeywords(_ context.Context, messageID string, kw Keywords) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	normalized := NewKeywords(kw.Primary, kw.Secondary)
	m.msg.Keywords = &normalized
	return nil
}

func (s *MemoryStore) RecentNonSystem(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.liveNonSystemLocked(conversationID)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return cloneMessages(all), nil
}

func (s *MemoryStore) LatestSystemMessage(_ context.Context, conversationID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[conversationID]
	for i := len(arr) - 1; i >= 0; i-- {
		if arr[i].removed || arr[i].msg.Role != RoleSystem {
			continue
		}
		m := cloneMessage(arr[i].msg)
		return &m, nil
	}
	return nil, nil
}

func (s *MemoryStore) KeywordFilteredNonSystem(_ context.Context, conversationID string, kws []string, mode MatchMode, limit int) ([]Message, error) {
	query := keywords.Normalize(kws)
	if len(query) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.liveNonSystemLocked(conversationID) {
		if m.Keywords == nil || !m.Keywords.Matches(query, mode) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return cloneMessages(out), nil
}

func (s *MemoryStore) KeywordFilteredNonSystemByUser(_ context.Context, userID string, kws []string, mode MatchMode, limit int) ([]Message, error) {
	query := keywords.Normalize(kws)
	userID = strings.TrimSpace(userID)
	if len(query) == 0 || userID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for id, c := range s.conversations {
		if c.UserID != userID || !c.Active || c.Deleted {
			continue
		}
		for _, m := range s.liveNonSystemLocked(id) {
			if m.Keywords != nil && m.Keywords.Matches(query, mode) {
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return cloneMessages(out), nil
}

func (s *MemoryStore) TrimRetain(_ context.Context, conversationID string, maxKeep int) (int, error) {
	if maxKeep <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []*memoryMessage
	for _, m := range s.messages[conversationID] {
		if !m.removed && m.msg.Role != RoleSystem {
			live = append(live, m)
		}
	}
	excess := len(live) - maxKeep
	if excess <= 0 {
		return 0, nil
	}
	for _, m := range live[:excess] {
		m.removed = true
	}
	return excess, nil
}

func (s *MemoryStore) MostRecentConversationForUser(_ context.Context, userID string) (*Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Conversation
	for _, c := range s.conversations {
		if c.UserID != userID || !c.Active || c.Deleted {
			continue
		}
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) ||
			(c.UpdatedAt.Equal(best.UpdatedAt) && c.CreatedAt.After(best.CreatedAt)) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) liveNonSystemLocked(conversationID string) []Message {
	arr := s.messages[conversationID]
	out := make([]Message, 0, len(arr))
	for _, m := range arr {
		if m.removed || m.msg.Role == RoleSystem {
			continue
		}
		out = append(out, m.msg)
	}
	return out
}

func cloneMessages(in []Message) []Message {
	if len(in) == 0 {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m Message) Message {
	out := m
	out.Metadata = cloneMetadata(m.Metadata)
	if m.Keywords != nil {
		kw := Keywords{
			Primary:   append([]string(nil), m.Keywords.Primary...),
			Secondary: append([]string(nil), m.Keywords.Secondary...),
		}
		out.Keywords = &kw
	}
	return out
}

func cloneMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
