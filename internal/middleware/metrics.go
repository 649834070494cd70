package middleware

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"

	"binance-proxy-go/internal/metrics"
)

// MetricsMiddleware records inbound request metrics. Requests for any of
// skipPaths, such as the scrape endpoint, are served without being counted.
func MetricsMiddleware(m *metrics.Metrics, skipPaths ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if slices.Contains(skipPaths, req.URL.Path) {
				return next(c)
			}

			done := m.TrackInFlight()
			defer done()

			start := time.Now()
			err := next(c)
			m.ObserveRequest(req.Method, req.URL.Path, responseStatus(c, err), time.Since(start))
			return err
		}
	}
}

// responseStatus is the status the client will see. An error returned before
// anything was written is rendered later by Echo's error handler: an
// *echo.HTTPError with its own code, anything else as 500.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
