package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// requestLogger logs every request with its final status and duration.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		s.logger.Printf("HTTP %s %s %d %s",
			c.Request().Method, c.Request().URL.Path,
			c.Response().Status, time.Since(start).Round(time.Millisecond))
		return nil
	}
}

// rateLimit enforces the configured request rate per client IP and exposes
// the usual X-RateLimit headers.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		lctx, err := s.limiter.Get(r.Context(), s.limiter.GetIPKey(r))
		if err != nil {
			return jsonError(c, err)
		}

		h := c.Response().Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			return jsonMessage(c, http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}
