package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// unmatchedRoute labels requests that matched no registered route, so raw
// paths never become label values.
const unmatchedRoute = "unmatched"

// HTTPMetrics registers request metrics on reg and returns the middleware
// that records them. Routes are labelled by their pattern.
func HTTPMetrics(reg *Registry, skip ...string) echo.MiddlewareFunc {
	duration := reg.NewHistogram("http_server_request_duration_seconds",
		"Duration of HTTP requests in seconds.", DefaultDurationBuckets, "method", "route", "status_code")
	active := reg.NewGauge("http_server_active_requests", "Number of in-flight HTTP requests.")

	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipped[c.Path()] {
				return next(c)
			}

			active.Add(1)
			start := time.Now()
			err := next(c)
			active.Add(-1)

			route := c.Path()
			if route == "" {
				route = unmatchedRoute
			}
			duration.Observe(time.Since(start).Seconds(), c.Request().Method, route, strconv.Itoa(statusOf(c, err)))
			return err
		}
	}
}

// statusOf reports the status the client will see. An error not yet handled
// by echo has not written the response.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
