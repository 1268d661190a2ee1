package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seedConversation(t *testing.T, s *MemoryStore) *Conversation {
	t.Helper()
	c, err := s.UpsertConversation(context.Background(), "bob", "alice")
	require.NoError(t, err)
	return c
}

func TestMemoryStore_UpsertConversation_Idempotent(t *testing.T) {
	req := require.New(t)
	s := NewMemoryStore()
	ctx := context.Background()

	c1, err := s.UpsertConversation(ctx, "bob", "alice")
	req.NoError(err)
	c2, err := s.UpsertConversation(ctx, "alice", "bob")
	req.NoError(err)

	req.Equal(c1.ID, c2.ID)
	req.Equal("alice", c1.ParticipantA)
	req.Equal("bob", c1.ParticipantB)
	req.Equal("bob", c1.Peer("alice"))
	req.Equal("", c1.Peer("mallory"))

	list, err := s.ConversationsFor(ctx, "alice")
	req.NoError(err)
	req.Len(list, 1)
}

func TestMemoryStore_ReceiptLifecycle(t *testing.T) {
	req := require.New(t)
	s := NewMemoryStore()
	ctx := context.Background()
	c := seedConversation(t, s)

	req.NoError(s.CreateMessage(ctx, &Message{ConversationID: c.ID, SenderID: "alice", Text: "hi"}))
	req.NoError(s.CreateMessage(ctx, &Message{ConversationID: c.ID, SenderID: "bob", Text: "yo"}))

	// The sender's own acknowledgement touches nothing of theirs.
	n, err := s.MarkDelivered(ctx, c.ID, "alice", time.Now())
	req.NoError(err)
	req.EqualValues(1, n) // bob's message

	delivered := time.Now()
	n, err = s.MarkDelivered(ctx, c.ID, "bob", delivered)
	req.NoError(err)
	req.EqualValues(1, n)

	n, err = s.MarkDelivered(ctx, c.ID, "bob", time.Now())
	req.NoError(err)
	req.EqualValues(0, n)

	n, err = s.MarkRead(ctx, c.ID, "bob", delivered.Add(time.Second))
	req.NoError(err)
	req.EqualValues(1, n)

	n, err = s.MarkRead(ctx, c.ID, "bob", time.Now())
	req.NoError(err)
	req.EqualValues(0, n)

	msgs, err := s.FindMessages(ctx, c.ID, 10)
	req.NoError(err)
	for _, m := range msgs {
		if m.ReadAt != nil {
			req.NotNil(m.DeliveredAt, "read implies delivered")
		}
		if m.SenderID == "alice" {
			req.True(m.DeliveredAt.Equal(delivered), "deliveredAt must not move")
		}
	}
}

func TestMemoryStore_MarkReadBackfillsDelivered(t *testing.T) {
	req := require.New(t)
	s := NewMemoryStore()
	ctx := context.Background()
	c := seedConversation(t, s)

	req.NoError(s.CreateMessage(ctx, &Message{ConversationID: c.ID, SenderID: "alice", Text: "hi"}))

	at := time.Now()
	n, err := s.MarkRead(ctx, c.ID, "bob", at)
	req.NoError(err)
	req.EqualValues(1, n)

	msgs, err := s.FindMessages(ctx, c.ID, 1)
	req.NoError(err)
	req.NotNil(msgs[0].DeliveredAt)
	req.True(msgs[0].DeliveredAt.Equal(at))
	req.True(msgs[0].ReadAt.Equal(at))
}

func TestMemoryStore_MarkReadNeverPrecedesDelivered(t *testing.T) {
	req := require.New(t)
	s := NewMemoryStore()
	ctx := context.Background()
	c := seedConversation(t, s)

	req.NoError(s.CreateMessage(ctx, &Message{ConversationID: c.ID, SenderID: "alice", Text: "hi"}))

	delivered := time.Now()
	_, err := s.MarkDelivered(ctx, c.ID, "bob", delivered)
	req.NoError(err)

	// Another process with a slower clock reads it.
	n, err := s.MarkRead(ctx, c.ID, "bob", delivered.Add(-time.Second))
	req.NoError(err)
	req.EqualValues(1, n)

	msgs, err := s.FindMessages(ctx, c.ID, 1)
	req.NoError(err)
	req.True(msgs[0].DeliveredAt.Equal(delivered))
	req.False(msgs[0].ReadAt.Before(*msgs[0].DeliveredAt))
}

func TestMemoryStore_FindMessages_NewestFirst(t *testing.T) {
	req := require.New(t)
	s := NewMemoryStore()
	ctx := context.Background()
	c := seedConversation(t, s)

	for _, text := range []string{"one", "two", "three"} {
		req.NoError(s.CreateMessage(ctx, &Message{ConversationID: c.ID, SenderID: "alice", Text: text}))
	}

	msgs, err := s.FindMessages(ctx, c.ID, 2)
	req.NoError(err)
	req.Len(msgs, 2)
	req.Equal("three", msgs[0].Text)
	req.Equal("two", msgs[1].Text)
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.FindConversation(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindUser(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	err = s.CreateMessage(ctx, &Message{ConversationID: "missing", SenderID: "a", Text: "x"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CreateUser_Conflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{ID: "u1", Username: "alice"}))
	require.ErrorIs(t, s.CreateUser(ctx, &User{ID: "u2", Username: "alice"}), ErrConflict)
}
