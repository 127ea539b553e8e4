package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/convolog/relay/internal/capture"
	"github.com/convolog/relay/internal/config"
	"github.com/convolog/relay/internal/correlation"
	"github.com/convolog/relay/internal/sse"
)

// MessagesPath is the one endpoint the relay understands well enough to
// capture. Everything else is blind passthrough.
const MessagesPath = "/v1/messages"

// LatencyHeader reports the relay-observed upstream latency on non-streaming
// responses.
const LatencyHeader = "X-Convolog-Latency-MS"

// ConversationHeader carries the capture conversation id back to the caller,
// so a relayed response can be joined to its persisted record later.
const ConversationHeader = "X-Convolog-Conversation-ID"

const streamReadBufferSize = 32 * 1024

type MessagesHandlerOptions struct {
	Upstream     config.UpstreamConfig
	UserIDHeader string
	Dispatcher   *capture.Dispatcher
	Logger       *slog.Logger
	// Transport overrides the upstream round tripper, for tests and
	// instrumentation.
	Transport http.RoundTripper
}

// MessagesHandler forwards messages-API requests byte-for-byte and hands the
// observed exchange to the capture dispatcher. Capture never alters what the
// caller receives: same status, same headers, same body bytes.
type MessagesHandler struct {
	upstream     *url.URL
	apiVersion   string
	resolveKey   func() (string, error)
	userIDHeader string
	dispatcher   *capture.Dispatcher
	logger       *slog.Logger
	client       *http.Client
}

func NewMessagesHandler(options MessagesHandlerOptions) (*MessagesHandler, error) {
	target, err := url.Parse(strings.TrimSpace(options.Upstream.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream base url must include scheme and host (got %q)", options.Upstream.BaseURL)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := options.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &MessagesHandler{
		upstream:     target,
		apiVersion:   options.Upstream.APIVersion,
		resolveKey:   options.Upstream.ResolveAPIKey,
		userIDHeader: options.UserIDHeader,
		dispatcher:   options.Dispatcher,
		logger:       logger,
		// No client timeout: streamed responses are open-ended. Lifetime is
		// bounded by the request context.
		client: &http.Client{Transport: transport},
	}, nil
}

// messagesRequest is the subset of the inbound body the relay inspects. The
// raw bytes are what get forwarded; this parse is observation only.
type messagesRequest struct {
	Model    string            `json:"model"`
	Stream   bool              `json:"stream"`
	Messages []capture.Message `json:"messages"`
	Metadata struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

// messagesResponse is the subset of a non-streaming response body the relay
// inspects.
type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *capture.Usage `json:"usage"`
}

func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	conversationID := capture.NewConversationID()
	correlationID, _ := correlation.FromContext(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeProxyError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body.Close()

	var parsed messagesRequest
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Forward it anyway; the upstream owns request validation.
		h.logger.DebugContext(r.Context(), "messages request body not parseable", "correlation_id", correlationID, "error", err)
	}
	userID := parsed.Metadata.UserID
	if userID == "" && h.userIDHeader != "" {
		userID = r.Header.Get(h.userIDHeader)
	}

	apiKey, err := h.resolveKey()
	if err != nil {
		h.logger.ErrorContext(r.Context(), "upstream credential unavailable", "correlation_id", correlationID, "error", err)
		h.writeProxyError(w, http.StatusInternalServerError, err.Error())
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.upstream.JoinPath(MessagesPath).String(), bytes.NewReader(body))
	if err != nil {
		h.writeProxyError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	copyForwardHeaders(upstreamReq.Header, r.Header)
	upstreamReq.Header.Set("x-api-key", apiKey)
	if h.apiVersion != "" && upstreamReq.Header.Get("anthropic-version") == "" {
		upstreamReq.Header.Set("anthropic-version", h.apiVersion)
	}
	upstreamReq.Host = h.upstream.Host

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "upstream request failed", "correlation_id", correlationID, "error", err)
		h.writeProxyError(w, http.StatusInternalServerError, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if isSSE(resp.Header.Get("Content-Type")) {
		h.relayStream(w, r, resp, &parsed, conversationID, userID, start)
		return
	}
	h.relayBody(w, r, resp, &parsed, conversationID, userID, start)
}

// relayBody forwards a buffered (non-streaming) upstream response verbatim
// and captures the exchange when the upstream reported success.
func (h *MessagesHandler) relayBody(w http.ResponseWriter, r *http.Request, resp *http.Response, parsed *messagesRequest, conversationID, userID string, start time.Time) {
	respBody, readErr := io.ReadAll(resp.Body)
	latency := time.Since(start).Milliseconds()

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set(ConversationHeader, conversationID)
	w.Header().Set(LatencyHeader, strconv.FormatInt(latency, 10))
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)

	if readErr != nil {
		h.logger.ErrorContext(r.Context(), "upstream body read failed", "error", readErr)
		return
	}
	if resp.StatusCode != http.StatusOK {
		return
	}

	var response messagesResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		h.logger.WarnContext(r.Context(), "upstream response body not parseable; skipping capture", "error", err)
		return
	}
	var content strings.Builder
	for _, block := range response.Content {
		content.WriteString(block.Text)
	}

	correlationID, _ := correlation.FromContext(r.Context())
	h.dispatcher.Dispatch(&capture.Payload{
		ConversationID: conversationID,
		CorrelationID:  correlationID,
		UserID:         userID,
		Model:          parsed.Model,
		Messages:       parsed.Messages,
		Response: &capture.Response{
			Content:    content.String(),
			StopReason: response.StopReason,
			Usage:      response.Usage,
		},
		LatencyMS:   latency,
		RequestedAt: start.UTC(),
	})
}

// relayStream forwards upstream SSE chunks as they arrive, flushing after
// every write, while an incremental parser accumulates the assistant reply on
// the side. Forwarding always happens before parsing: a malformed frame can
// never delay or mutate what the caller sees.
func (h *MessagesHandler) relayStream(w http.ResponseWriter, r *http.Request, resp *http.Response, parsed *messagesRequest, conversationID, userID string, start time.Time) {
	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set(ConversationHeader, conversationID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	parser := sse.NewParser()
	buf := make([]byte, streamReadBufferSize)
	var ttft int64
	clientGone := false

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !clientGone {
				if _, writeErr := w.Write(chunk); writeErr != nil {
					// The caller hung up. Keep draining the upstream so the
					// partial reply is still captured.
					clientGone = true
					h.logger.InfoContext(r.Context(), "client disconnected mid-stream", "conversation_id", conversationID)
				} else if flusher != nil {
					flusher.Flush()
				}
			}
			if ttft == 0 {
				ttft = time.Since(start).Milliseconds()
				if ttft == 0 {
					ttft = 1
				}
			}
			parser.Feed(chunk)
		}
		if readErr != nil {
			if readErr != io.EOF {
				h.logger.WarnContext(r.Context(), "upstream stream ended with error", "conversation_id", conversationID, "error", readErr)
			}
			break
		}
	}

	if resp.StatusCode != http.StatusOK {
		return
	}

	result := parser.Flush()
	correlationID, _ := correlation.FromContext(r.Context())
	h.dispatcher.Dispatch(&capture.Payload{
		ConversationID: conversationID,
		CorrelationID:  correlationID,
		UserID:         userID,
		Model:          parsed.Model,
		Messages:       parsed.Messages,
		Response: &capture.Response{
			Content:    result.Content,
			StopReason: result.StopReason,
			Usage:      (*capture.Usage)(result.Usage),
		},
		LatencyMS:          time.Since(start).Milliseconds(),
		TimeToFirstTokenMS: ttft,
		Streaming:          true,
		RequestedAt:        start.UTC(),
	})
}

func (h *MessagesHandler) writeProxyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    "proxy_error",
			"message": message,
		},
	})
}

func isSSE(contentType string) bool {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	return strings.EqualFold(mediaType, "text/event-stream")
}

// hopByHopHeaders are stripped when copying headers in either direction, per
// RFC 9110 section 7.6.1.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyForwardHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		switch http.CanonicalHeaderKey(name) {
		case "Host", "X-Api-Key", "Authorization", "Content-Length":
			// Credentials are substituted with the relay's own; the caller's
			// never reach the upstream.
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
