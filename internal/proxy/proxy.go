// Package proxy is the relay's HTTP surface: a transparent forwarder for an
// upstream messages API. The messages endpoint gets the capturing handler;
// every other path falls through to a blind reverse proxy.
package proxy

import (
	"log/slog"
	"net/http"

	"github.com/convolog/relay/internal/capture"
	"github.com/convolog/relay/internal/config"
)

type HandlerOptions struct {
	Upstream     config.UpstreamConfig
	UserIDHeader string
	Dispatcher   *capture.Dispatcher
	Logger       *slog.Logger
	Transport    http.RoundTripper
}

func NewHandler(options HandlerOptions) (http.Handler, error) {
	messages, err := NewMessagesHandler(MessagesHandlerOptions{
		Upstream:     options.Upstream,
		UserIDHeader: options.UserIDHeader,
		Dispatcher:   options.Dispatcher,
		Logger:       options.Logger,
		Transport:    options.Transport,
	})
	if err != nil {
		return nil, err
	}

	passthrough, err := NewPassthroughHandler(options.Upstream, options.Logger, options.Transport)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+MessagesPath, messages)
	mux.Handle("/", passthrough)
	return mux, nil
}
