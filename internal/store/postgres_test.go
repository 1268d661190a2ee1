package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

// setupMockDB creates a PostgresStore over a sqlmock connection.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock, NewPostgresStore(db)
}

func TestPostgresStore_UpsertConversation_CanonicalOrder(t *testing.T) {
	_, mock, store := setupMockDB(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), "alice", "bob", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "participant_a", "participant_b", "created_at"}).
			AddRow("conv-1", "alice", "bob", now))

	c, err := store.UpsertConversation(context.Background(), "bob", "alice")
	if err != nil {
		t.Fatalf("UpsertConversation() error: %v", err)
	}
	if c.ID != "conv-1" || c.ParticipantA != "alice" || c.ParticipantB != "bob" {
		t.Errorf("unexpected conversation: %+v", c)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_FindConversation(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT id, participant_a, participant_b, created_at FROM conversations").
					WithArgs("conv-1").
					WillReturnRows(sqlmock.NewRows([]string{"id", "participant_a", "participant_b", "created_at"}).
						AddRow("conv-1", "alice", "bob", time.Now()))
			},
		},
		{
			name: "not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT id, participant_a, participant_b, created_at FROM conversations").
					WithArgs("conv-1").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t)
			tt.setupMock(mock)

			c, err := store.FindConversation(context.Background(), "conv-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !c.HasParticipant("bob") {
				t.Errorf("expected bob to be a participant")
			}
		})
	}
}

func TestPostgresStore_MarkDelivered(t *testing.T) {
	_, mock, store := setupMockDB(t)
	at := time.Now()

	mock.ExpectExec("UPDATE messages SET delivered_at").
		WithArgs("conv-1", "bob", at).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE messages SET delivered_at").
		WithArgs("conv-1", "bob", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := store.MarkDelivered(context.Background(), "conv-1", "bob", at)
	if err != nil || n != 3 {
		t.Fatalf("first MarkDelivered() = %d, %v; want 3, nil", n, err)
	}
	n, err = store.MarkDelivered(context.Background(), "conv-1", "bob", at)
	if err != nil || n != 0 {
		t.Fatalf("second MarkDelivered() = %d, %v; want 0, nil", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_MarkRead_BackfillsDelivered(t *testing.T) {
	_, mock, store := setupMockDB(t)
	at := time.Now()

	mock.ExpectExec(`UPDATE messages SET read_at = GREATEST\(\$3, delivered_at\), delivered_at = COALESCE\(delivered_at, \$3\)`).
		WithArgs("conv-1", "bob", at).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.MarkRead(context.Background(), "conv-1", "bob", at)
	if err != nil || n != 2 {
		t.Fatalf("MarkRead() = %d, %v; want 2, nil", n, err)
	}
}

func TestPostgresStore_MarkRead_Error(t *testing.T) {
	_, mock, store := setupMockDB(t)

	mock.ExpectExec("UPDATE messages SET read_at").
		WillReturnError(errors.New("connection reset"))

	if _, err := store.MarkRead(context.Background(), "conv-1", "bob", time.Now()); err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgresStore_CreateUser_Conflict(t *testing.T) {
	_, mock, store := setupMockDB(t)

	mock.ExpectExec("INSERT INTO users").
		WithArgs("u1", "alice", sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_username_key"})

	err := store.CreateUser(context.Background(), &User{ID: "u1", Username: "alice"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresStore_FindMessages_NullableReceipts(t *testing.T) {
	_, mock, store := setupMockDB(t)
	now := time.Now()

	mock.ExpectQuery("SELECT id, conversation_id, sender_id, text, created_at, delivered_at, read_at").
		WithArgs("conv-1", 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "sender_id", "text", "created_at", "delivered_at", "read_at"}).
			AddRow("m2", "conv-1", "alice", "there", now, now, nil).
			AddRow("m1", "conv-1", "alice", "hi", now, nil, nil))

	msgs, err := store.FindMessages(context.Background(), "conv-1", 0)
	if err != nil {
		t.Fatalf("FindMessages() error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].DeliveredAt == nil || msgs[0].ReadAt != nil {
		t.Errorf("m2: unexpected receipts %+v", msgs[0])
	}
	if msgs[1].DeliveredAt != nil {
		t.Errorf("m1: expected nil deliveredAt")
	}
}

func TestPostgresStore_CreateMessage_AssignsID(t *testing.T) {
	_, mock, store := setupMockDB(t)

	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "conv-1", "alice", "hi", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	msg := &Message{ConversationID: "conv-1", SenderID: "alice", Text: "hi"}
	if err := store.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Errorf("expected id and created_at to be assigned: %+v", msg)
	}
}
