package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RESTStore writes conversation records through a PostgREST-style insert
// interface: one POST per table with a minimal-return preference, duplicate
// conversation ids resolved by ignoring the insert.
type RESTStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewRESTStore(baseURL, apiKey string) (*RESTStore, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("rest store url cannot be empty")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse rest store url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("rest store url must include scheme and host (got %q)", baseURL)
	}

	return &RESTStore{
		baseURL: trimmed,
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type conversationRow struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"user_id,omitempty"`
	Model     string    `json:"model"`
	StartedAt time.Time `json:"started_at"`
}

type turnRow struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	TokensInput    *int           `json:"tokens_input,omitempty"`
	TokensOutput   *int           `json:"tokens_output,omitempty"`
	LatencyMS      *int64         `json:"latency_ms,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (s *RESTStore) UpsertConversation(ctx context.Context, conversation *Conversation) error {
	if conversation == nil {
		return nil
	}
	row := conversationRow{
		ID:        conversation.ID,
		Model:     conversation.Model,
		StartedAt: conversation.StartedAt.UTC(),
	}
	if conversation.UserID != "" {
		userID := conversation.UserID
		row.UserID = &userID
	}
	// ignore-duplicates makes conversation creation idempotent across the
	// direct-write path and queue replays.
	return s.insert(ctx, "conversations", []conversationRow{row}, "return=minimal,resolution=ignore-duplicates")
}

func (s *RESTStore) InsertTurns(ctx context.Context, turns []*Turn) error {
	if len(turns) == 0 {
		return nil
	}
	rows := make([]turnRow, 0, len(turns))
	for _, turn := range turns {
		rows = append(rows, turnRow{
			ID:             turn.ID,
			ConversationID: turn.ConversationID,
			Role:           turn.Role,
			Content:        turn.Content,
			TokensInput:    turn.TokensInput,
			TokensOutput:   turn.TokensOutput,
			LatencyMS:      turn.LatencyMS,
			Metadata:       turn.Metadata,
			CreatedAt:      turn.CreatedAt.UTC(),
		})
	}
	return s.insert(ctx, "turns", rows, "return=minimal")
}

func (s *RESTStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *RESTStore) insert(ctx context.Context, table string, rows any, prefer string) error {
	body, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal %s rows: %w", table, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/"+table, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s insert request: %w", table, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", prefer)
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusConflict {
		return ErrDuplicateConversation
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("insert into %s: status %d: %s", table, resp.StatusCode, strings.TrimSpace(string(detail)))
}
