package capture

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/convolog/relay/migrations"
)

// PostgresStore persists conversations to PostgreSQL through database/sql on
// top of the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres store: %w", err)
	}
	if err := migrations.Apply(ctx, db, migrations.DialectPostgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply postgres migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) UpsertConversation(ctx context.Context, conversation *Conversation) error {
	if conversation == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, model, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		conversation.ID,
		nullableString(conversation.UserID),
		conversation.Model,
		conversation.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert conversation %s: %w", conversation.ID, err)
	}
	return nil
}

func (s *PostgresStore) InsertTurns(ctx context.Context, turns []*Turn) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn insert: %w", err)
	}
	defer tx.Rollback()

	for _, turn := range turns {
		metadata, err := encodeMetadata(turn.Metadata)
		if err != nil {
			return fmt.Errorf("encode turn %s metadata: %w", turn.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO turns (id, conversation_id, role, content, tokens_input, tokens_output, latency_ms, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			turn.ID,
			turn.ConversationID,
			turn.Role,
			turn.Content,
			turn.TokensInput,
			turn.TokensOutput,
			turn.LatencyMS,
			metadata,
			turn.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert turn %s: %w", turn.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
