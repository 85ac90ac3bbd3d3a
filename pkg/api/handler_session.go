package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/synckairos/synckairos/pkg/engine"
	"github.com/synckairos/synckairos/pkg/version"
)

// createSessionHandler handles POST /v1/sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var input engine.CreateSessionInput
	if err := c.Bind(&input); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{
			Code:    CodeValidationError,
			Message: "invalid request body",
		}})
	}

	st, err := s.engine.CreateSession(c.Request().Context(), &input)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return writeData(c, http.StatusCreated, st)
}

// getSessionHandler handles GET /v1/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	st, err := s.engine.GetCurrentState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return writeOK(c, st)
}

// deleteSessionHandler handles DELETE /v1/sessions/:id.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	if err := s.engine.DeleteSession(c.Request().Context(), c.Param("id")); err != nil {
		return s.writeServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// startSessionHandler handles POST /v1/sessions/:id/start.
func (s *Server) startSessionHandler(c *echo.Context) error {
	st, err := s.engine.StartSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return writeOK(c, st)
}

// switchCycleHandler handles POST /v1/sessions/:id/switch, the hot path.
func (s *Server) switchCycleHandler(c *echo.Context) error {
	started := time.Now()

	var req SwitchCycleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{
			Code:    CodeValidationError,
			Message: "invalid request body",
		}})
	}

	result, err := s.engine.SwitchCycle(c.Request().Context(), c.Param("id"), req.CurrentParticipantID, req.NextParticipantID)
	if err != nil {
		return s.writeServiceError(c, err)
	}

	s.metrics.SwitchLatency.Observe(time.Since(started).Seconds())
	return writeOK(c, result)
}

// pauseSessionHandler handles POST /v1/sessions/:id/pause.
func (s *Server) pauseSessionHandler(c *echo.Context) error {
	st, err := s.engine.PauseSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return writeOK(c, st)
}

// resumeSessionHandler handles POST /v1/sessions/:id/resume.
func (s *Server) resumeSessionHandler(c *echo.Context) error {
	st, err := s.engine.ResumeSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return writeOK(c, st)
}

// completeSessionHandler handles POST /v1/sessions/:id/complete.
func (s *Server) completeSessionHandler(c *echo.Context) error {
	st, err := s.engine.CompleteSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return writeOK(c, st)
}

// cancelSessionHandler handles POST /v1/sessions/:id/cancel.
func (s *Server) cancelSessionHandler(c *echo.Context) error {
	st, err := s.engine.CancelSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return writeOK(c, st)
}

// timeHandler handles GET /v1/time. Clients use it to correct local clock
// drift before rendering countdowns.
func (s *Server) timeHandler(c *echo.Context) error {
	return writeOK(c, TimeResponse{
		TimestampMS:      time.Now().UnixMilli(),
		ServerVersion:    version.Version,
		DriftToleranceMS: 50,
	})
}
