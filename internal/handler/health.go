package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"binance-proxy-go/internal/config"
	"binance-proxy-go/internal/service"
)

// Version is the build version, injected at startup.
type Version string

// UpstreamInfo describes one Binance host the proxy routes to.
type UpstreamInfo struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	Match   string `json:"match"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	StartedAt     time.Time      `json:"started_at"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Upstreams     []UpstreamInfo `json:"upstreams"`
	MetricsPath   string         `json:"metrics_path,omitempty"`
}

// HealthHandler serves the liveness and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	started time.Time
}

// NewHealthHandler creates a HealthHandler; uptime counts from this call.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, started: time.Now().UTC()}
}

// Healthz answers liveness checks. It never touches the upstreams.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the build, uptime and how paths are routed.
func (h *HealthHandler) Status(c echo.Context) error {
	up := h.cfg.Upstream
	res := StatusResponse{
		Status:        "ok",
		Version:       string(h.version),
		StartedAt:     h.started,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Upstreams: []UpstreamInfo{
			{Name: service.UpstreamFutures, BaseURL: up.FuturesBaseURL, Match: "path starts with " + up.FuturesPrefix},
			{Name: service.UpstreamSpot, BaseURL: up.SpotBaseURL, Match: "any other path"},
		},
	}
	if h.cfg.Metrics.Enabled {
		res.MetricsPath = h.cfg.Metrics.Path
	}
	return c.JSON(http.StatusOK, res)
}
