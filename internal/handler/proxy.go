package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"binance-proxy-go/internal/metrics"
	"binance-proxy-go/internal/model"
	"binance-proxy-go/internal/redact"
	"binance-proxy-go/internal/service"
)

// HeaderFinalURL carries the resolved upstream URL on every response
// produced after the target was built.
const HeaderFinalURL = "Final-URL"

// ProxyHandler forwards GET /proxy requests to the Binance REST hosts.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle resolves the target from the "path" query parameter, performs a
// single upstream GET and relays the body.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	query := model.ParseQuery(req.URL.RawQuery)
	target, err := h.service.Target(query.Get(service.PathParam), query)
	if err != nil {
		return h.mapError(c, err)
	}
	finalURL := target.URL.String()
	c.Response().Header().Set(HeaderFinalURL, finalURL)

	h.logger.Info("requesting upstream",
		"upstream", target.Upstream,
		"url", redact.Signatures(finalURL),
	)

	// Inbound disconnects do not cancel the upstream call; the client
	// timeout is the only bound.
	ctx := context.WithoutCancel(req.Context())
	res, err := h.service.Fetch(ctx, target, req.Header)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range res.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	contentType := res.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMETextPlainCharsetUTF8
	}
	return c.Blob(http.StatusOK, contentType, res.Body)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	kind, status, body := classify(err)

	h.logger.Error("proxy error",
		"kind", kind,
		"err", redact.Signatures(err.Error()),
		"final_url", redact.Signatures(c.Response().Header().Get(HeaderFinalURL)),
	)
	h.metrics.RecordError(kind)

	return c.JSON(status, body)
}

// classify maps a proxy error to its metrics kind, HTTP status and response body.
func classify(err error) (string, int, map[string]any) {
	if errors.Is(err, service.ErrMalformedTarget) {
		return "malformed_target", http.StatusBadRequest, map[string]any{
			"error": "invalid parameters: " + err.Error(),
		}
	}

	var statusErr *service.UpstreamStatusError
	if errors.As(err, &statusErr) {
		return "upstream_status", http.StatusInternalServerError, map[string]any{
			"error":           fmt.Sprintf("request failed: status=%d", statusErr.StatusCode),
			"upstream_status": statusErr.StatusCode,
			"upstream_body":   statusErr.Body,
		}
	}

	if errors.Is(err, service.ErrReadBody) {
		return "read_body", http.StatusInternalServerError, map[string]any{
			"error": "failed to read response body: " + err.Error(),
		}
	}

	if service.IsTimeout(err) {
		return "timeout", http.StatusInternalServerError, map[string]any{
			"error": "upstream request timed out: " + err.Error(),
		}
	}

	return "transport", http.StatusInternalServerError, map[string]any{
		"error": "error requesting upstream: " + err.Error(),
	}
}
