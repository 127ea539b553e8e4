package sse

import (
	"testing"
)

func feedAll(p *Parser, chunks ...string) {
	for _, chunk := range chunks {
		p.Feed([]byte(chunk))
	}
}

func TestParserAccumulatesStreamedMessage(t *testing.T) {
	t.Parallel()

	parser := NewParser()
	feedAll(parser,
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":5}}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	)

	result := parser.Flush()
	if result.Content != "Hello" {
		t.Fatalf("content = %q, want %q", result.Content, "Hello")
	}
	if result.StopReason != "end_turn" {
		t.Fatalf("stop_reason = %q, want %q", result.StopReason, "end_turn")
	}
	if result.Usage == nil {
		t.Fatal("usage is nil")
	}
	if result.Usage.InputTokens != 5 || result.Usage.OutputTokens != 2 {
		t.Fatalf("usage = %+v, want input=5 output=2", result.Usage)
	}
}

func TestParserReassemblesFrameSplitAcrossChunks(t *testing.T) {
	t.Parallel()

	parser := NewParser()
	frame := "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"split\"}}\n"
	feedAll(parser, frame[:20], frame[20:41], frame[41:])

	result := parser.Flush()
	if result.Content != "split" {
		t.Fatalf("content = %q, want %q", result.Content, "split")
	}
}

func TestParserFlushDrainsCarriedLine(t *testing.T) {
	t.Parallel()

	parser := NewParser()
	// No trailing newline: the final frame stays in the carry buffer until
	// Flush.
	parser.Feed([]byte("data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"tail\"}}"))

	result := parser.Flush()
	if result.Content != "tail" {
		t.Fatalf("content = %q, want %q", result.Content, "tail")
	}
}

func TestParserLaterUsageOverwritesEarlier(t *testing.T) {
	t.Parallel()

	parser := NewParser()
	feedAll(parser,
		"data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":10}}}\n",
		"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":3}}\n",
		"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":7}}\n",
	)

	result := parser.Flush()
	if result.Usage == nil {
		t.Fatal("usage is nil")
	}
	if result.Usage.InputTokens != 10 {
		t.Fatalf("input_tokens = %d, want 10 (partial update must not clear it)", result.Usage.InputTokens)
	}
	if result.Usage.OutputTokens != 7 {
		t.Fatalf("output_tokens = %d, want 7", result.Usage.OutputTokens)
	}
}

func TestParserSkipsNoiseWithoutFailing(t *testing.T) {
	t.Parallel()

	parser := NewParser()
	feedAll(parser,
		": comment line\n",
		"event: ping\n",
		"data: [DONE]\n",
		"data: not json at all\n",
		"data: {\"type\":\"unknown_event\",\"delta\":{\"text\":\"ignored\"}}\n",
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"ok\"}}\n",
	)

	result := parser.Flush()
	if result.Content != "ok" {
		t.Fatalf("content = %q, want %q", result.Content, "ok")
	}
}

func TestParserEmptyStream(t *testing.T) {
	t.Parallel()

	parser := NewParser()
	result := parser.Flush()
	if result.Content != "" || result.StopReason != "" || result.Usage != nil {
		t.Fatalf("empty stream result = %+v, want zero value", result)
	}
}
