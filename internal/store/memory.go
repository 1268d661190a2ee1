package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MemoryStore is a process-local Store. It follows the same conditional
// update rules as the Postgres implementation.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	conversations map[string]*Conversation
	byPair        map[[2]string]string
	messages      map[string][]*Message // conversation id -> messages in insert order
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*User),
		conversations: make(map[string]*Conversation),
		byPair:        make(map[[2]string]string),
		messages:      make(map[string][]*Message),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if _, ok := s.users[user.ID]; ok {
		return ErrConflict
	}
	for _, u := range s.users {
		if u.Username == user.Username {
			return ErrConflict
		}
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) FindUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpsertConversation(_ context.Context, userA, userB string) (*Conversation, error) {
	a, b := CanonicalPair(userA, userB)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[[2]string{a, b}]; ok {
		cp := *s.conversations[id]
		return &cp, nil
	}

	c := &Conversation{ID: uuid.NewString(), ParticipantA: a, ParticipantB: b, CreatedAt: time.Now().UTC()}
	s.conversations[c.ID] = c
	s.byPair[[2]string{a, b}] = c.ID
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) FindConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ConversationsFor(_ context.Context, userID string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := lo.FilterMap(lo.Values(s.conversations), func(c *Conversation, _ int) (*Conversation, bool) {
		if !c.HasParticipant(userID) {
			return nil, false
		}
		cp := *c
		return &cp, true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &cp)
	return nil
}

func (s *MemoryStore) FindMessages(_ context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	out := make([]*Message, 0, min(limit, len(msgs)))
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyMessage(msgs[i]))
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, conversationID, actingUserID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.messages[conversationID] {
		if m.SenderID == actingUserID || m.DeliveredAt != nil {
			continue
		}
		t := at
		m.DeliveredAt = &t
		n++
	}
	return n, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID, actingUserID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.messages[conversationID] {
		if m.SenderID == actingUserID || m.ReadAt != nil {
			continue
		}
		t := at
		if m.DeliveredAt != nil && m.DeliveredAt.After(t) {
			t = *m.DeliveredAt
		}
		m.ReadAt = &t
		if m.DeliveredAt == nil {
			d := at
			m.DeliveredAt = &d
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }

func copyMessage(m *Message) *Message {
	cp := *m
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		cp.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}
