// Package sse incrementally parses server-sent-event frames from an upstream
// message stream while the same bytes are being forwarded to the caller.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"
)

const dataPrefix = "data:"

// doneSentinel is the stream-termination line some providers emit; it carries
// no event and is skipped.
const doneSentinel = "[DONE]"

// Usage holds token counters reported by the upstream stream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the accumulated parse state returned by Flush. All fields are
// best-effort: a truncated or errored stream may leave any of them unset.
type Result struct {
	Content    string
	StopReason string
	Usage      *Usage
}

// Parser accumulates content deltas, usage counters, and the stop reason from
// raw transport chunks. Feed never fails: unparseable lines and unrecognized
// event types are skipped so the pass-through transform cannot be interrupted.
//
// A data line split across two transport chunks is reassembled: the trailing
// partial line of each chunk is carried into the next Feed call.
type Parser struct {
	carry      []byte
	content    strings.Builder
	stopReason string
	usage      *Usage
}

// event is the closed set of recognized stream event shapes, discriminated by
// the type field. Anything else decodes with Type set and the rest nil.
type event struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *usageFields `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *usageFields `json:"usage"`
}

// usageFields uses pointers so a later partial usage update (for example
// output tokens only) overwrites just the counters it carries.
type usageFields struct {
	InputTokens  *int `json:"input_tokens"`
	OutputTokens *int `json:"output_tokens"`
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one raw transport chunk. It is O(len(chunk)), performs no
// I/O, and never returns an error.
func (p *Parser) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	data := chunk
	if len(p.carry) > 0 {
		data = append(p.carry, chunk...)
		p.carry = nil
	}

	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		p.consumeLine(data[:idx])
		data = data[idx+1:]
	}
	if len(data) > 0 {
		p.carry = append([]byte(nil), data...)
	}
}

// Flush drains any carried partial line and returns the accumulated state.
func (p *Parser) Flush() Result {
	if len(p.carry) > 0 {
		p.consumeLine(p.carry)
		p.carry = nil
	}
	return Result{
		Content:    p.content.String(),
		StopReason: p.stopReason,
		Usage:      p.usage,
	}
}

func (p *Parser) consumeLine(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if !strings.HasPrefix(trimmed, dataPrefix) {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, dataPrefix))
	if payload == "" || payload == doneSentinel {
		return
	}

	var evt event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		// Expected for frames split at a chunk boundary racing Flush, and for
		// non-JSON payloads; the passthrough must not care.
		return
	}

	switch evt.Type {
	case "message_start":
		if evt.Message != nil && evt.Message.Usage != nil && evt.Message.Usage.InputTokens != nil {
			p.usage = &Usage{InputTokens: *evt.Message.Usage.InputTokens}
		}
	case "content_block_delta":
		if evt.Delta != nil {
			p.content.WriteString(evt.Delta.Text)
		}
	case "message_delta":
		if evt.Delta != nil && evt.Delta.StopReason != "" {
			p.stopReason = evt.Delta.StopReason
		}
		if evt.Usage != nil {
			p.applyUsage(evt.Usage)
		}
	default:
		// Unrecognized event types are a no-op.
	}
}

func (p *Parser) applyUsage(fields *usageFields) {
	if p.usage == nil {
		p.usage = &Usage{}
	}
	if fields.InputTokens != nil {
		p.usage.InputTokens = *fields.InputTokens
	}
	if fields.OutputTokens != nil {
		p.usage.OutputTokens = *fields.OutputTokens
	}
}
