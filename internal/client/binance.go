// Package client provides the shared upstream HTTP client for the Binance REST hosts.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"binance-proxy-go/internal/config"
	"binance-proxy-go/internal/metrics"
	"binance-proxy-go/internal/model"
)

// BinanceClient sends GET requests to the upstream Binance hosts.
// It is built once at startup and is safe for concurrent use.
type BinanceClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBinanceClient creates a BinanceClient with connection pooling and a fixed
// overall timeout covering connect, headers and body read.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewBinanceClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BinanceClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &BinanceClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "binance_client"),
		metrics: m,
	}
}

// Get issues a single GET against rawURL. upstream names the host group
// ("spot" or "futures") for metrics. The caller must close the response body.
func (c *BinanceClient) Get(ctx context.Context, upstream, rawURL string, header http.Header) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}

	c.logger.Debug("upstream request",
		"upstream", upstream,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	if err != nil {
		c.metrics.ObserveUpstream(upstream, 0, time.Since(start))
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	c.metrics.ObserveUpstream(upstream, resp.StatusCode, time.Since(start))

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
