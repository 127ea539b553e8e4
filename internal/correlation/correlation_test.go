package correlation

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnsureRequestGeneratesID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/", nil)
	req, id := EnsureRequest(req)

	if id == "" {
		t.Fatal("no correlation id generated")
	}
	if !strings.HasPrefix(id, "corr-") {
		t.Fatalf("generated id = %q, want corr- prefix", id)
	}
	if got := req.Header.Get(HeaderName); got != id {
		t.Fatalf("header = %q, want %q", got, id)
	}
	if got, ok := FromContext(req.Context()); !ok || got != id {
		t.Fatalf("context id = %q ok=%t, want %q", got, ok, id)
	}
}

func TestEnsureRequestPrefersInboundHeader(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderName, "corr-inbound")
	_, id := EnsureRequest(req)

	if id != "corr-inbound" {
		t.Fatalf("id = %q, want the inbound header value", id)
	}
}

func TestEnsureRequestStableAcrossCalls(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/", nil)
	req, first := EnsureRequest(req)
	_, second := EnsureRequest(req)

	if first != second {
		t.Fatalf("ids differ across calls: %q vs %q", first, second)
	}
}

func TestFromHeadersFallbacks(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	if got := FromHeaders(req.Header); got != "req-42" {
		t.Fatalf("FromHeaders = %q, want the X-Request-ID value", got)
	}
}

func TestFromHeadersPrefersRelayHeader(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "req-alias")
	req.Header.Set(HeaderName, "corr-own")
	if got := FromHeaders(req.Header); got != "corr-own" {
		t.Fatalf("FromHeaders = %q, want the relay header over aliases", got)
	}
}

func TestNormalizeIDRejectsUnsafeValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "simple", raw: "abc-123", want: "abc-123"},
		{name: "trimmed", raw: "  abc  ", want: "abc"},
		{name: "empty", raw: "", want: ""},
		{name: "control characters", raw: "abc\ndef", want: ""},
		{name: "spaces inside", raw: "a b", want: ""},
		{name: "truncated", raw: strings.Repeat("a", 200), want: strings.Repeat("a", 128)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := normalizeID(tt.raw); got != tt.want {
				t.Fatalf("normalizeID(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
