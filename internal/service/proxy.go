// Package service implements target resolution and the single upstream fetch.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"binance-proxy-go/internal/client"
	"binance-proxy-go/internal/config"
	"binance-proxy-go/internal/model"
)

// Upstream names used for logging and metrics labels.
const (
	UpstreamSpot    = "spot"
	UpstreamFutures = "futures"
)

// PathParam is the query parameter carrying the upstream path. It is never
// forwarded upstream.
const PathParam = "path"

var (
	// ErrMalformedTarget is returned when the caller's path does not yield a valid absolute URL.
	ErrMalformedTarget = errors.New("malformed target URL")
	// ErrTransport is returned when no upstream response could be obtained.
	ErrTransport = errors.New("upstream request failed")
	// ErrReadBody is returned when a successful upstream body could not be read.
	ErrReadBody = errors.New("read upstream body")
)

// unknownBody replaces an upstream error body that could not be read.
const unknownBody = "Unknown error"

// UpstreamStatusError reports a non-2xx upstream response.
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// IsTimeout reports whether err was caused by the upstream timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"api.binance.com":  true,
	"fapi.binance.com": true,
}

// forwardableRequestHeaders are the only inbound request headers sent upstream.
var forwardableRequestHeaders = []string{
	"Accept",
}

// forwardableResponseHeaders are the only response headers forwarded to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":  true,
	"Cache-Control": true,
	"Date":          true,
	"Retry-After":   true,
}

const userAgent = "binance-proxy-go/1.0"

// ProxyService resolves targets and fetches them through the shared client.
// It holds no mutable state.
type ProxyService struct {
	client        *client.BinanceClient
	logger        *slog.Logger
	spotBase      string
	futuresBase   string
	futuresPrefix string
}

// NewProxyService creates a ProxyService restricted to the Binance hosts.
func NewProxyService(c *client.BinanceClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	for _, base := range []string{cfg.Upstream.SpotBaseURL, cfg.Upstream.FuturesBaseURL} {
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse upstream base URL: %w", err)
		}
		if !allowedUpstreamHosts[u.Hostname()] {
			return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
		}
	}
	return newProxyService(c, cfg, logger), nil
}

// NewProxyServiceForTest creates a ProxyService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c *client.BinanceClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return newProxyService(c, cfg, logger)
}

func newProxyService(c *client.BinanceClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:        c,
		logger:        logger.With("component", "proxy_service"),
		spotBase:      cfg.Upstream.SpotBaseURL,
		futuresBase:   cfg.Upstream.FuturesBaseURL,
		futuresPrefix: cfg.Upstream.FuturesPrefix,
	}
}

// Resolve picks the upstream for path: futures when path starts with the
// futures prefix, spot for everything else.
func (s *ProxyService) Resolve(path string) (name, base string) {
	if strings.HasPrefix(path, s.futuresPrefix) {
		return UpstreamFutures, s.futuresBase
	}
	return UpstreamSpot, s.spotBase
}

// Target builds the upstream URL from the base host, the raw path and every
// query pair except "path", appended in order.
func (s *ProxyService) Target(path string, query model.Query) (*model.Target, error) {
	name, base := s.Resolve(path)

	u, err := url.Parse(base + path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTarget, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute URL", ErrMalformedTarget, base+path)
	}

	if extra := query.Without(PathParam).Encode(); extra != "" {
		if u.RawQuery != "" {
			u.RawQuery += "&" + extra
		} else {
			u.RawQuery = extra
		}
	}

	return &model.Target{Upstream: name, URL: u}, nil
}

// Fetch issues one GET for target and reads the full response.
// Non-2xx responses are returned as *UpstreamStatusError.
func (s *ProxyService) Fetch(ctx context.Context, target *model.Target, inbound http.Header) (*model.ProxyResult, error) {
	s.logger.Debug("forwarding request",
		"upstream", target.Upstream,
		"path", target.URL.Path,
	)

	resp, err := s.client.Get(ctx, target.Upstream, target.URL.String(), filterRequestHeaders(inbound))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, err := io.ReadAll(resp.Body)
		text := string(body)
		if err != nil {
			text = unknownBody
		}
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Body: text}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadBody, err)
	}

	return &model.ProxyResult{
		Header: filterResponseHeaders(resp.Header),
		Body:   body,
	}, nil
}

func filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		canonical := http.CanonicalHeaderKey(key)
		// X-Mbx-* carries Binance request-weight and order-count usage.
		if forwardableResponseHeaders[canonical] || strings.HasPrefix(canonical, "X-Mbx-") {
			dst[canonical] = vals
		}
	}
	return dst
}
