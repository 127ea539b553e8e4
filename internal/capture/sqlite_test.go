package capture

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteForTest(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "capture.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := newSQLiteForTest(t)
	ctx := context.Background()

	conversation := &Conversation{
		ID:        "conv-1",
		UserID:    "user-1",
		Model:     "claude-sonnet-4-5",
		StartedAt: time.Now().UTC(),
	}
	if err := store.UpsertConversation(ctx, conversation); err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}

	input, output := 12, 4
	latency := int64(800)
	turns := []*Turn{
		{ID: "turn-1", ConversationID: "conv-1", Role: RoleUser, Content: "hi", CreatedAt: time.Now().UTC()},
		{
			ID:             "turn-2",
			ConversationID: "conv-1",
			Role:           RoleAssistant,
			Content:        "hello",
			TokensInput:    &input,
			TokensOutput:   &output,
			LatencyMS:      &latency,
			Metadata:       map[string]any{"stop_reason": "end_turn"},
			CreatedAt:      time.Now().UTC(),
		},
	}
	if err := store.InsertTurns(ctx, turns); err != nil {
		t.Fatalf("insert turns: %v", err)
	}

	var turnCount int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE conversation_id = ?`, "conv-1").Scan(&turnCount); err != nil {
		t.Fatalf("count turns: %v", err)
	}
	if turnCount != 2 {
		t.Fatalf("turn count = %d, want 2", turnCount)
	}

	var metadata string
	if err := store.db.QueryRowContext(ctx, `SELECT metadata FROM turns WHERE id = ?`, "turn-2").Scan(&metadata); err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if metadata != `{"stop_reason":"end_turn"}` {
		t.Fatalf("metadata = %s", metadata)
	}
}

func TestSQLiteStoreDuplicateConversationIgnored(t *testing.T) {
	t.Parallel()

	store := newSQLiteForTest(t)
	ctx := context.Background()

	conversation := &Conversation{ID: "conv-dup", Model: "claude-sonnet-4-5", StartedAt: time.Now().UTC()}
	if err := store.UpsertConversation(ctx, conversation); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertConversation(ctx, conversation); err != nil {
		t.Fatalf("second upsert must be a no-op, got: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, "conv-dup").Scan(&count); err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if count != 1 {
		t.Fatalf("conversation count = %d, want 1", count)
	}
}

func TestSQLiteStoreMigrationsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "capture.db")
	first, err := NewSQLiteStore(context.Background(), path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := NewSQLiteStore(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen with applied migrations: %v", err)
	}
	second.Close()
}
