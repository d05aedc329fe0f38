package checks

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"github.com/leozw/uptime-engine/internal/config"
	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
)

type HTTPChecker struct {
	timeout      time.Duration
	userAgent    string
	maxBodyBytes int64
	maxRedirects int
	resolver     *net.Resolver
}

type HTTPOption func(*HTTPChecker)

// WithResolver overrides the resolver used when dialing.
func WithResolver(r *net.Resolver) HTTPOption {
	return func(h *HTTPChecker) {
		h.resolver = r
	}
}

func NewHTTPChecker(cfg config.ExecutorConfig, opts ...HTTPOption) *HTTPChecker {
	h := &HTTPChecker{
		timeout:      cfg.DefaultTimeout,
		userAgent:    cfg.UserAgent,
		maxBodyBytes: cfg.MaxBodyBytes,
		maxRedirects: cfg.MaxRedirects,
		resolver:     nameserverResolver(cfg.Nameserver),
	}
	if h.timeout <= 0 {
		h.timeout = 30 * time.Second
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = 1024 * 1024
	}
	if h.maxRedirects <= 0 {
		h.maxRedirects = 10
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPChecker) Check(ctx context.Context, monitor *db.Monitor) *core.CheckResult {
	cfg := monitor.Config

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout(h.timeout))
	defer cancel()

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}

	trace := newRequestTrace()
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace.clientTrace()), method, cfg.URL, body)
	if err != nil {
		return core.NewFailure(core.StatusFailure, core.ErrorTypeRequest, fmt.Sprintf("failed to create request: %v", err), 0)
	}

	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = h.userAgent
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	if cfg.Auth != nil {
		switch cfg.Auth.Type {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+cfg.Auth.Token)
		default:
			req.SetBasicAuth(cfg.Auth.Username, cfg.Auth.Password)
		}
	}

	transport := h.transport(cfg.IPVersion)
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport:     transport,
		CheckRedirect: h.redirectPolicy(cfg.ShouldFollowRedirects(), trace),
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		status, errType := classifyError(err)
		result := core.NewFailure(status, errType, err.Error(), time.Since(start))
		result.Timing = trace.timing()
		return result
	}
	defer resp.Body.Close()

	limited, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodyBytes))
	size := int64(len(limited))
	if err == nil {
		var rest int64
		rest, err = io.Copy(io.Discard, resp.Body)
		size += rest
	}
	trace.finish()
	elapsed := time.Since(start)

	if err != nil {
		status, errType := classifyError(err)
		result := core.NewFailure(status, errType, fmt.Sprintf("failed to read response body: %v", err), elapsed)
		result.StatusCode = resp.StatusCode
		result.Timing = trace.timing()
		return result
	}

	return &core.CheckResult{
		Status:         core.StatusSuccess,
		ResponseTimeMs: core.DurationMs(elapsed),
		StatusCode:     resp.StatusCode,
		Timing:         trace.timing(),
		Headers:        flattenHeaders(resp.Header),
		BodySizeBytes:  &size,
		Body:           limited,
	}
}

func (h *HTTPChecker) transport(ipVersion string) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   h.timeout,
		KeepAlive: -1,
		Resolver:  h.resolver,
	}

	network := "tcp"
	switch strings.ToLower(ipVersion) {
	case "ipv4", "4":
		network = "tcp4"
	case "ipv6", "6":
		network = "tcp6"
	}

	return &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ForceAttemptHTTP2:   true,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: h.timeout,
	}
}

// redirectPolicy restarts the trace on every followed hop so timings describe the final response.
func (h *HTTPChecker) redirectPolicy(follow bool, trace *requestTrace) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if !follow {
			return http.ErrUseLastResponse
		}
		if len(via) >= h.maxRedirects {
			return fmt.Errorf("stopped after %d redirects: %w", h.maxRedirects, errTooManyRedirects)
		}
		trace.reset()
		return nil
	}
}

func flattenHeaders(header http.Header) map[string]string {
	headers := make(map[string]string, len(header))
	for k, v := range header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}

// nameserverResolver returns a resolver pinned to addr, or nil for the system default.
func nameserverResolver(addr string) *net.Resolver {
	if addr == "" {
		return nil
	}
	addr = withPort(addr)
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}
