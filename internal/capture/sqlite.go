package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/convolog/relay/migrations"
)

const sqliteBusyRetries = 3

// SQLiteStore persists conversations to a local SQLite database. modernc's
// driver is pure Go but single-writer, so writes are serialized through a
// mutex and retried on SQLITE_BUSY.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	if err := migrations.Apply(ctx, db, migrations.DialectSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) UpsertConversation(ctx context.Context, conversation *Conversation) error {
	if conversation == nil {
		return nil
	}
	err := s.write(ctx, `
		INSERT OR IGNORE INTO conversations (id, user_id, model, started_at)
		VALUES (?, ?, ?, ?)`,
		conversation.ID,
		nullableString(conversation.UserID),
		conversation.Model,
		conversation.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert conversation %s: %w", conversation.ID, err)
	}
	return nil
}

func (s *SQLiteStore) InsertTurns(ctx context.Context, turns []*Turn) error {
	for _, turn := range turns {
		metadata, err := encodeMetadata(turn.Metadata)
		if err != nil {
			return fmt.Errorf("encode turn %s metadata: %w", turn.ID, err)
		}
		err = s.write(ctx, `
			INSERT INTO turns (id, conversation_id, role, content, tokens_input, tokens_output, latency_ms, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			turn.ID,
			turn.ConversationID,
			turn.Role,
			turn.Content,
			turn.TokensInput,
			turn.TokensOutput,
			turn.LatencyMS,
			metadata,
			turn.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert turn %s: %w", turn.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) write(ctx context.Context, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	for attempt := 0; attempt <= sqliteBusyRetries; attempt++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func encodeMetadata(metadata map[string]any) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}
