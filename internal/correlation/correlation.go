// Package correlation assigns each relayed request an identifier that is
// echoed to the caller, attached to every log line, and folded into the
// captured record, so one id follows a request across all three surfaces.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HeaderName is the relay's own correlation header. Inbound requests may
// instead carry one of the common aliases in fallbackHeaders.
const HeaderName = "X-Convolog-Correlation-ID"

// fallbackHeaders are inbound aliases accepted when the relay header is
// absent, in preference order. Header lookup is case-insensitive.
var fallbackHeaders = []string{
	"X-Request-Id",
	"X-Correlation-Id",
}

const maxIDLen = 128

type contextKey struct{}

var correlationContextKey contextKey

// EnsureRequest returns a request whose context and headers carry a
// correlation id: the one already in context, else an inbound one, else a
// freshly generated id. Calling it twice yields the same id.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	id, ok := FromContext(req.Context())
	if !ok {
		if id = FromHeaders(req.Header); id == "" {
			id = NewID()
		}
		req = req.WithContext(WithContext(req.Context(), id))
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderName, id)
	return req, id
}

// WithContext stores a normalized correlation id in ctx. Ids that normalize
// to empty leave ctx untouched.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalizeID(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey, normalized)
}

// FromContext reports the correlation id stored in ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(correlationContextKey).(string)
	if !ok {
		return "", false
	}
	if normalized := normalizeID(value); normalized != "" {
		return normalized, true
	}
	return "", false
}

// FromHeaders reads the correlation id from the relay header, then from the
// accepted aliases. Returns "" when none carries a usable value.
func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	if id := normalizeID(headers.Get(HeaderName)); id != "" {
		return id
	}
	for _, alias := range fallbackHeaders {
		if id := normalizeID(headers.Get(alias)); id != "" {
			return id
		}
	}
	return ""
}

// NewID generates a fresh correlation id. The corr- prefix makes
// relay-minted ids distinguishable from caller-supplied ones in logs.
func NewID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return fmt.Sprintf("corr-%d", time.Now().UnixNano())
	}
	return "corr-" + hex.EncodeToString(raw[:])
}

// normalizeID trims and caps the id, and rejects values containing anything
// outside the header-and-log-safe alphabet.
func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	if strings.IndexFunc(value, unsafeIDRune) >= 0 {
		return ""
	}
	return value
}

func unsafeIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case r == '-', r == '_', r == '.', r == ':':
		return false
	}
	return true
}
