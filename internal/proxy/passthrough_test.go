package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/convolog/relay/internal/capture"
	"github.com/convolog/relay/internal/config"
)

func TestPassthroughForwardsVerbatim(t *testing.T) {
	t.Parallel()

	var gotPath, gotMethod, gotAPIKey, gotAuthorization string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotAPIKey = r.Header.Get("x-api-key")
		gotAuthorization = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "upstream says hi")
	}))
	defer upstream.Close()

	handler, err := NewPassthroughHandler(config.UpstreamConfig{
		BaseURL:    upstream.URL,
		APIKey:     "relay-key",
		APIVersion: "2023-06-01",
	}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("new passthrough handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer caller-token")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", recorder.Code)
	}
	if recorder.Body.String() != "upstream says hi" {
		t.Fatalf("body = %q", recorder.Body.String())
	}
	if gotPath != "/v1/models" || gotMethod != http.MethodGet {
		t.Fatalf("upstream saw %s %s", gotMethod, gotPath)
	}
	if gotAPIKey != "relay-key" {
		t.Fatalf("upstream x-api-key = %q, want the relay credential", gotAPIKey)
	}
	if gotAuthorization != "" {
		t.Fatalf("caller Authorization leaked upstream: %q", gotAuthorization)
	}
}

func TestPassthroughUpstreamUnreachable(t *testing.T) {
	t.Parallel()

	handler, err := NewPassthroughHandler(config.UpstreamConfig{
		BaseURL: "http://127.0.0.1:1",
		APIKey:  "relay-key",
	}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("new passthrough handler: %v", err)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", recorder.Code)
	}
}

func TestNewHandlerRoutesMessagesSeparately(t *testing.T) {
	t.Parallel()

	var messagesHits, otherHits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == MessagesPath {
			messagesHits++
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"content":[],"usage":{"input_tokens":1,"output_tokens":1}}`)
			return
		}
		otherHits++
	}))
	defer upstream.Close()

	dispatcher := capture.NewDispatcher(capture.DispatcherOptions{Logger: discardLogger()})
	handler, err := NewHandler(HandlerOptions{
		Upstream:   config.UpstreamConfig{BaseURL: upstream.URL, APIKey: "relay-key"},
		Dispatcher: dispatcher,
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, MessagesPath, strings.NewReader(`{"model":"m"}`)))
	if recorder.Code != http.StatusOK {
		t.Fatalf("messages status = %d, want 200", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("models status = %d, want 200", recorder.Code)
	}

	if messagesHits != 1 || otherHits != 1 {
		t.Fatalf("upstream hits = messages:%d other:%d, want 1 and 1", messagesHits, otherHits)
	}
}

func TestNewHandlerRejectsBadUpstream(t *testing.T) {
	t.Parallel()

	_, err := NewHandler(HandlerOptions{
		Upstream: config.UpstreamConfig{BaseURL: "not-a-url"},
		Logger:   discardLogger(),
	})
	if err == nil {
		t.Fatal("expected error for upstream without scheme")
	}
}
