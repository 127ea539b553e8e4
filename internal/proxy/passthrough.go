package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/convolog/relay/internal/config"
)

// NewPassthroughHandler builds the catch-all reverse proxy for every upstream
// path the relay does not capture. Bodies and status codes pass through
// untouched; only credentials are substituted.
func NewPassthroughHandler(upstream config.UpstreamConfig, logger *slog.Logger, transport http.RoundTripper) (http.Handler, error) {
	target, err := url.Parse(strings.TrimSpace(upstream.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream base url must include scheme and host (got %q)", upstream.BaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	if transport != nil {
		proxy.Transport = transport
	}
	baseDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		baseDirector(req)
		req.Host = target.Host
		req.Header.Del("Authorization")
		if apiKey, keyErr := upstream.ResolveAPIKey(); keyErr == nil {
			req.Header.Set("x-api-key", apiKey)
		} else {
			req.Header.Del("x-api-key")
		}
		if upstream.APIVersion != "" && req.Header.Get("anthropic-version") == "" {
			req.Header.Set("anthropic-version", upstream.APIVersion)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, proxyErr error) {
		logger.Error("passthrough request failed", "path", req.URL.Path, "error", proxyErr)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
	}

	return proxy, nil
}
