package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"binance-proxy-go/internal/config"
	"binance-proxy-go/internal/metrics"
	"binance-proxy-go/internal/middleware"
)

// writeSlack is how long a fully buffered response may take to write once
// the upstream call has returned.
const writeSlack = 10 * time.Second

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := e.Server
	srv.ReadHeaderTimeout = 10 * time.Second
	srv.ReadTimeout = 30 * time.Second
	srv.WriteTimeout = time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second + writeSlack
	srv.IdleTimeout = 120 * time.Second

	stack := []echo.MiddlewareFunc{
		echomw.Recover(),
		echomw.RequestID(),
		middleware.RequestLogger(logger),
	}
	if cfg.Metrics.Enabled {
		stack = append(stack, middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	stack = append(stack,
		echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)),
		middleware.SecurityHeaders(),
	)
	if rl := cfg.Server.RateLimit; rl.Enabled {
		stack = append(stack, middleware.RateLimiter(rl.RequestsPerSecond))
	}
	e.Use(stack...)

	logger.Info("http stack ready",
		"metrics", cfg.Metrics.Enabled,
		"rate_limit_rps", cfg.Server.RateLimit.RequestsPerSecond,
		"write_timeout", srv.WriteTimeout,
	)
	return e
}

// startServer binds the listener during startup, so a taken port fails the
// app instead of a background goroutine. A serve error after startup shuts
// the app down with exit code 1.
func startServer(lc fx.Lifecycle, sd fx.Shutdowner, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.StartStopHook(
		func() error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("listening",
				"addr", ln.Addr().String(),
				"spot", cfg.Upstream.SpotBaseURL,
				"futures", cfg.Upstream.FuturesBaseURL,
			)
			go func() {
				if err := e.Server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server stopped", "err", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	))
}
