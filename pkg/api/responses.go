package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/synckairos/synckairos/pkg/audit"
)

// DataResponse wraps every success body under the "data" key.
type DataResponse struct {
	Data any `json:"data"`
}

func writeData(c *echo.Context, status int, payload any) error {
	return c.JSON(status, DataResponse{Data: payload})
}

func writeOK(c *echo.Context, payload any) error {
	return writeData(c, http.StatusOK, payload)
}

// TimeResponse is returned by GET /v1/time for client clock alignment.
type TimeResponse struct {
	TimestampMS      int64  `json:"timestamp_ms"`
	ServerVersion    string `json:"server_version"`
	DriftToleranceMS int64  `json:"drift_tolerance_ms"`
}

// HealthCheck reports the status of a single dependency.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
	Audit   audit.Stats            `json:"audit"`
}
