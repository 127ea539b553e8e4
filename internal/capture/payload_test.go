package capture

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFlattenContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "plain string", content: `"hello"`, want: "hello"},
		{name: "single block", content: `[{"type":"text","text":"hello"}]`, want: "hello"},
		{name: "multiple blocks", content: `[{"type":"text","text":"one "},{"type":"text","text":"two"}]`, want: "one two"},
		{name: "empty", content: ``, want: ""},
		{name: "unparseable", content: `{"oops":true}`, want: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			message := Message{Role: RoleUser, Content: json.RawMessage(tt.content)}
			if got := message.FlattenContent(); got != tt.want {
				t.Fatalf("FlattenContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecordsBuildsConversationAndTurns(t *testing.T) {
	t.Parallel()

	requestedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := requestedAt.Add(800 * time.Millisecond)
	payload := &Payload{
		ConversationID: "conv-1",
		CorrelationID:  "corr-req-42",
		UserID:         "user-9",
		Model:          "claude-sonnet-4-5",
		Messages: []Message{
			{Role: "system", Content: json.RawMessage(`"ignored"`)},
			{Role: RoleUser, Content: json.RawMessage(`"first"`)},
			{Role: RoleAssistant, Content: json.RawMessage(`"not captured as user"`)},
			{Role: RoleUser, Content: json.RawMessage(`"second"`)},
		},
		Response: &Response{
			Content:    "hi there",
			StopReason: "end_turn",
			Usage:      &Usage{InputTokens: 12, OutputTokens: 4},
		},
		LatencyMS:          800,
		TimeToFirstTokenMS: 120,
		Streaming:          true,
		RequestedAt:        requestedAt,
	}

	conversation, turns := payload.Records(now)

	if conversation.ID != "conv-1" || conversation.UserID != "user-9" || conversation.Model != "claude-sonnet-4-5" {
		t.Fatalf("conversation = %+v", conversation)
	}
	if !conversation.StartedAt.Equal(requestedAt) {
		t.Fatalf("started_at = %s, want %s", conversation.StartedAt, requestedAt)
	}

	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	user, assistant := turns[0], turns[1]

	if user.Role != RoleUser {
		t.Fatalf("first turn role = %q, want user before assistant", user.Role)
	}
	if user.Content != "first\n\nsecond" {
		t.Fatalf("user content = %q", user.Content)
	}
	if user.TokensInput != nil || user.LatencyMS != nil {
		t.Fatal("user turn must not carry usage or latency")
	}

	if assistant.Role != RoleAssistant || assistant.Content != "hi there" {
		t.Fatalf("assistant turn = %+v", assistant)
	}
	if assistant.TokensInput == nil || *assistant.TokensInput != 12 {
		t.Fatalf("tokens_input = %v, want 12", assistant.TokensInput)
	}
	if assistant.TokensOutput == nil || *assistant.TokensOutput != 4 {
		t.Fatalf("tokens_output = %v, want 4", assistant.TokensOutput)
	}
	if assistant.LatencyMS == nil || *assistant.LatencyMS != 800 {
		t.Fatalf("latency_ms = %v, want 800", assistant.LatencyMS)
	}
	if assistant.Metadata["ttft_ms"] != int64(120) {
		t.Fatalf("metadata ttft_ms = %v", assistant.Metadata["ttft_ms"])
	}
	if assistant.Metadata["streaming"] != true {
		t.Fatalf("metadata streaming = %v", assistant.Metadata["streaming"])
	}
	if assistant.Metadata["stop_reason"] != "end_turn" {
		t.Fatalf("metadata stop_reason = %v", assistant.Metadata["stop_reason"])
	}
	if assistant.Metadata["correlation_id"] != "corr-req-42" {
		t.Fatalf("metadata correlation_id = %v, want the request correlation id", assistant.Metadata["correlation_id"])
	}
}

func TestRecordsWithoutResponse(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	payload := &Payload{
		ConversationID: "conv-2",
		Model:          "claude-sonnet-4-5",
		Messages:       []Message{{Role: RoleUser, Content: json.RawMessage(`"hi"`)}},
	}

	conversation, turns := payload.Records(now)
	if !conversation.StartedAt.Equal(now) {
		t.Fatalf("started_at = %s, want fallback %s", conversation.StartedAt, now)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want only the user turn", len(turns))
	}
}

func TestRecordsOmitsEmptyMetadata(t *testing.T) {
	t.Parallel()

	payload := &Payload{
		ConversationID: "conv-3",
		Model:          "claude-sonnet-4-5",
		Response:       &Response{Content: "ok"},
	}

	_, turns := payload.Records(time.Now().UTC())
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[1].Metadata != nil {
		t.Fatalf("metadata = %v, want nil", turns[1].Metadata)
	}
}

func TestNewConversationIDUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewConversationID()
		if id == "" {
			t.Fatal("empty conversation id")
		}
		if seen[id] {
			t.Fatalf("duplicate conversation id %q", id)
		}
		seen[id] = true
	}
}
