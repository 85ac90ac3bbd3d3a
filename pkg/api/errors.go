package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/synckairos/synckairos/pkg/engine"
	"github.com/synckairos/synckairos/pkg/state"
)

// Error codes exposed on the wire.
const (
	CodeSessionNotFound           = "SESSION_NOT_FOUND"
	CodeConcurrentModification    = "CONCURRENT_MODIFICATION"
	CodeInvalidStateTransition    = "INVALID_STATE_TRANSITION"
	CodeValidationError           = "VALIDATION_ERROR"
	CodeStateDeserializationError = "STATE_DESERIALIZATION_ERROR"
	CodeRateLimitExceeded         = "RATE_LIMIT_EXCEEDED"
	CodeInternalError             = "INTERNAL_ERROR"
)

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Details           any    `json:"details,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// ErrorResponse wraps ErrorBody under the "error" key.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// writeServiceError maps engine- and state-layer errors to HTTP responses.
// Unknown errors are logged and reported as 500 without leaking detail.
func (s *Server) writeServiceError(c *echo.Context, err error) error {
	var validErr *engine.ValidationError
	if errors.As(err, &validErr) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{
			Code:    CodeValidationError,
			Message: validErr.Error(),
			Details: validErr.Details,
		}})
	}

	var transErr *engine.InvalidTransitionError
	if errors.As(err, &transErr) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{
			Code:    CodeInvalidStateTransition,
			Message: transErr.Error(),
		}})
	}

	var concErr *state.ConcurrencyError
	if errors.As(err, &concErr) {
		s.metrics.CASConflicts.Inc()
		return c.JSON(http.StatusConflict, ErrorResponse{Error: ErrorBody{
			Code:    CodeConcurrentModification,
			Message: concErr.Error(),
			Details: map[string]int64{
				"expected_version": concErr.ExpectedVersion,
				"actual_version":   concErr.ActualVersion,
			},
		}})
	}

	if errors.Is(err, state.ErrSessionNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorBody{
			Code:    CodeSessionNotFound,
			Message: "session not found",
		}})
	}

	var deserErr *state.DeserializationError
	if errors.As(err, &deserErr) {
		slog.Error("Corrupt session state", "session_id", deserErr.SessionID, "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorBody{
			Code:    CodeStateDeserializationError,
			Message: "stored session state could not be decoded",
		}})
	}

	slog.Error("Unexpected service error", "error", err)
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorBody{
		Code:    CodeInternalError,
		Message: "internal server error",
	}})
}

// writeRateLimited emits the 429 envelope with a retry hint.
func writeRateLimited(c *echo.Context, retryAfterSeconds int) error {
	return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: ErrorBody{
		Code:              CodeRateLimitExceeded,
		Message:           "rate limit exceeded",
		RetryAfterSeconds: retryAfterSeconds,
	}})
}
