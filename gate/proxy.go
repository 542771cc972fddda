package gate

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"
)

// NewUpstreamProxy builds the handler the validator fronts. With a target
// configured it reverse-proxies to the application, forwarding the
// validated subject; without one it serves a minimal status page, which is
// enough for development.
func NewUpstreamProxy(cfg UpstreamConfig, logger *slog.Logger) (http.Handler, error) {
	if cfg.Target == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"path":    r.URL.Path,
				"subject": SubjectFromContext(r.Context()),
			})
		}), nil
	}

	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream target: %w", err)
	}

	timeout := parseDuration(cfg.Timeout, DefaultUpstreamTimeout)

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)

		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}

		// Identity headers for the upstream. The upstream trusts the gate,
		// so any inbound copies are dropped first.
		req.Header.Del("X-Auth-Subject")
		if sub := SubjectFromContext(req.Context()); sub != "" {
			req.Header.Set("X-Auth-Subject", sub)
		}
		if reqID := RequestIDFromContext(req.Context()); reqID != "" {
			req.Header.Set("X-Request-ID", reqID)
		}

		if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			prior := req.Header.Get("X-Forwarded-For")
			if prior != "" {
				clientIP = prior + ", " + clientIP
			}
			req.Header.Set("X-Forwarded-For", clientIP)
		}
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("upstream proxy error", "target", cfg.Target, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
	}

	return proxy, nil
}
