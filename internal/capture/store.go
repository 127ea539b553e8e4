package capture

import (
	"context"
	"errors"
)

// ErrDuplicateConversation reports that a conversation row already exists.
// Stores surface it so callers can treat replayed conversations as success;
// the SQL drivers absorb duplicates internally and never return it.
var ErrDuplicateConversation = errors.New("conversation already exists")

// Store is the durable destination for conversation records. Conversation
// creation is idempotent in intent: inserting an id that already exists must
// not fail, because the direct-write path and the queue consumer can both
// attempt it.
type Store interface {
	UpsertConversation(ctx context.Context, conversation *Conversation) error
	InsertTurns(ctx context.Context, turns []*Turn) error
	Close() error
}
