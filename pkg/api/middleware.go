package api

import (
	"log/slog"
	"net"
	"time"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// ipRateLimit caps requests per client IP across the /v1 surface. The
// counter lives in the primary store so the cap holds across instances.
func (s *Server) ipRateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		ip, _, err := net.SplitHostPort(c.Request().RemoteAddr)
		if err != nil {
			ip = c.Request().RemoteAddr
		}

		count, err := s.store.IncrWindow(c.Request().Context(), "ratelimit:ip:"+ip, time.Minute)
		if err != nil {
			// Fail open: losing the store surfaces on /ready, not here.
			slog.Warn("Rate limit counter unavailable", "error", err)
			return next(c)
		}
		if count > int64(s.cfg.IPRatePerMinute) {
			return writeRateLimited(c, 60)
		}
		return next(c)
	}
}

// sessionRateLimit caps cycle switches per session per second.
func (s *Server) sessionRateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		sessionID := c.Param("id")
		if sessionID == "" {
			return next(c)
		}

		count, err := s.store.IncrWindow(c.Request().Context(), "ratelimit:session:"+sessionID, time.Second)
		if err != nil {
			slog.Warn("Rate limit counter unavailable", "error", err)
			return next(c)
		}
		if count > int64(s.cfg.SessionRatePerSecond) {
			return writeRateLimited(c, 1)
		}
		return next(c)
	}
}
