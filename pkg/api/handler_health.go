package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/synckairos/synckairos/pkg/database"
	"github.com/synckairos/synckairos/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. Only in-process dependencies are
// checked; a sick audit database degrades rather than fails the instance
// because session traffic does not depend on it.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if err := s.store.Ping(reqCtx); err != nil {
		status = healthStatusUnhealthy
		checks["store"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["store"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.db != nil {
		if err := database.Health(reqCtx, s.db.DB()); err != nil {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["audit_database"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["audit_database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, HealthResponse{
		Status:  status,
		Version: version.Version,
		Checks:  checks,
		Audit:   s.state.AuditStats(),
	})
}

// readyHandler handles GET /ready. Readiness requires the primary store:
// without it the instance can serve nothing.
func (s *Server) readyHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(reqCtx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// metricsHandler handles GET /metrics in Prometheus text format.
func (s *Server) metricsHandler(c *echo.Context) error {
	s.metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
