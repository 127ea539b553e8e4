// Package capture implements the telemetry pipeline behind the relay: the
// payload handed off by the proxy, the ephemeral queue, the durable stores,
// the fire-and-forget dispatcher, and the queue consumer.
package capture

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the inbound request's message list. Content keeps
// the raw JSON because the wire format allows either a plain string or a list
// of typed content blocks.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is the typed-block form of message content.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FlattenContent returns the message text: a plain string as-is, a block list
// as the concatenation of its text blocks. Anything unparseable flattens to
// the empty string.
func (m Message) FlattenContent() string {
	if len(m.Content) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		return plain
	}

	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range blocks {
		sb.WriteString(block.Text)
	}
	return sb.String()
}

// Usage holds token counters as reported by the upstream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the observed upstream response, assembled from either the whole
// body or the flushed stream parse state.
type Response struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// Payload is the in-flight, not-yet-persisted unit handed from the proxy to
// the dispatcher. The conversation id is its identity; the correlation id ties
// the persisted record back to the request the caller saw. Once dispatched it
// is either enqueued or persisted directly.
type Payload struct {
	ConversationID     string    `json:"conversation_id"`
	CorrelationID      string    `json:"correlation_id,omitempty"`
	UserID             string    `json:"user_id,omitempty"`
	Model              string    `json:"model"`
	Messages           []Message `json:"messages,omitempty"`
	Response           *Response `json:"response,omitempty"`
	LatencyMS          int64     `json:"latency_ms"`
	TimeToFirstTokenMS int64     `json:"ttft_ms,omitempty"`
	Streaming          bool      `json:"streaming,omitempty"`
	RequestedAt        time.Time `json:"requested_at"`
}

// NewConversationID returns an opaque identifier generated at request time,
// never reused.
func NewConversationID() string {
	return uuid.NewString()
}

// Conversation is one upstream exchange session; exactly one per inbound
// request handled by the relay.
type Conversation struct {
	ID        string
	UserID    string
	Model     string
	StartedAt time.Time
}

// Turn is one message within a conversation. Token counts and latency are
// present only on the assistant turn, and only when the upstream reported
// them.
type Turn struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	TokensInput    *int
	TokensOutput   *int
	LatencyMS      *int64
	Metadata       map[string]any
	CreatedAt      time.Time
}

// Records collapses the payload into the conversation row and its turns: the
// user turn derived from the request's user-role messages, and the assistant
// turn when a response was observed. The user turn is always ordered before
// the assistant turn.
func (p *Payload) Records(now time.Time) (*Conversation, []*Turn) {
	conversation := &Conversation{
		ID:        p.ConversationID,
		UserID:    p.UserID,
		Model:     p.Model,
		StartedAt: p.RequestedAt,
	}
	if conversation.StartedAt.IsZero() {
		conversation.StartedAt = now
	}

	turns := []*Turn{{
		ID:             uuid.NewString(),
		ConversationID: p.ConversationID,
		Role:           RoleUser,
		Content:        p.userContent(),
		CreatedAt:      now,
	}}

	if p.Response != nil {
		assistant := &Turn{
			ID:             uuid.NewString(),
			ConversationID: p.ConversationID,
			Role:           RoleAssistant,
			Content:        p.Response.Content,
			CreatedAt:      now,
		}
		if p.Response.Usage != nil {
			input := p.Response.Usage.InputTokens
			output := p.Response.Usage.OutputTokens
			assistant.TokensInput = &input
			assistant.TokensOutput = &output
		}
		if p.LatencyMS > 0 {
			latency := p.LatencyMS
			assistant.LatencyMS = &latency
		}
		metadata := make(map[string]any)
		if p.TimeToFirstTokenMS > 0 {
			metadata["ttft_ms"] = p.TimeToFirstTokenMS
		}
		if p.Streaming {
			metadata["streaming"] = true
		}
		if p.Response.StopReason != "" {
			metadata["stop_reason"] = p.Response.StopReason
		}
		if p.CorrelationID != "" {
			metadata["correlation_id"] = p.CorrelationID
		}
		if len(metadata) > 0 {
			assistant.Metadata = metadata
		}
		turns = append(turns, assistant)
	}

	return conversation, turns
}

func (p *Payload) userContent() string {
	parts := make([]string, 0, len(p.Messages))
	for _, message := range p.Messages {
		if message.Role != RoleUser {
			continue
		}
		if text := message.FlattenContent(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}
