package conversations

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fableverse/gateway/internal/apierr"
)

// MemoryStore is an in-process Store used in tests and DSN-less local runs.
// It honours the same ownership and ordering guarantees as the SQL store.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*Conversation
	messages      map[uuid.UUID][]Message
	base          time.Time
	clock         int64
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[uuid.UUID]*Conversation),
		messages:      make(map[uuid.UUID][]Message),
		base:          time.Now(),
	}
}

// tick returns strictly increasing timestamps so ordering by created_at is
// total even for appends within the same nanosecond.
func (s *MemoryStore) tick() time.Time {
	s.clock++
	return s.base.Add(time.Duration(s.clock) * time.Microsecond)
}

func (s *MemoryStore) CreateConversation(_ context.Context, owner string, title *string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := &Conversation{
		ID:             uuid.New(),
		OwnerSubjectID: owner,
		Title:          title,
		CreatedAt:      s.tick(),
	}
	s.conversations[conv.ID] = conv
	return cloneConversation(conv), nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID uuid.UUID, msg NewMessage) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "conversation not found")
	}

	m := Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Directives:     msg.Directives,
		Truncated:      msg.Truncated,
		CreatedAt:      s.tick(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	conv.MessageCount++
	return &m, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id uuid.UUID, owner string) (*Conversation, []Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.OwnerSubjectID != owner {
		return nil, nil, apierr.New(apierr.KindNotFound, "conversation not found")
	}

	msgs := make([]Message, len(s.messages[id]))
	copy(msgs, s.messages[id])
	return cloneConversation(conv), msgs, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, owner string, cursor string, limit int) ([]Conversation, string, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []Conversation
	for _, c := range s.conversations {
		if c.OwnerSubjectID == owner {
			all = append(all, *cloneConversation(c))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if cursor != "" {
		before, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", apierr.New(apierr.KindNotFound, "unknown page cursor")
		}
		filtered := all[:0]
		for _, c := range all {
			if c.CreatedAt.Before(before) {
				filtered = append(filtered, c)
			}
		}
		all = filtered
	}

	var next string
	if len(all) > limit {
		all = all[:limit]
		next = encodeCursor(all[len(all)-1].CreatedAt)
	}
	return all, next, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.OwnerSubjectID != owner {
		return apierr.New(apierr.KindNotFound, "conversation not found")
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

// Ping always succeeds; the memory store has no connection to lose.
func (s *MemoryStore) Ping(context.Context) error { return nil }

func cloneConversation(c *Conversation) *Conversation {
	out := *c
	if c.Title != nil {
		t := *c.Title
		out.Title = &t
	}
	return &out
}
