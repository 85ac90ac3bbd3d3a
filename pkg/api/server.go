// Package api is the HTTP ingress: the REST surface over the engine, the
// WebSocket upgrade into the gateway, rate limiting, and error mapping.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/synckairos/synckairos/pkg/config"
	"github.com/synckairos/synckairos/pkg/database"
	"github.com/synckairos/synckairos/pkg/engine"
	"github.com/synckairos/synckairos/pkg/gateway"
	"github.com/synckairos/synckairos/pkg/metrics"
	"github.com/synckairos/synckairos/pkg/state"
	"github.com/synckairos/synckairos/pkg/store"
)

// Server is the HTTP server. All state lives behind the engine and state
// manager; the server itself is stateless.
type Server struct {
	cfg     *config.Config
	engine  *engine.Engine
	state   *state.Manager
	gateway *gateway.Manager
	store   *store.Client
	db      *database.Client
	metrics *metrics.Metrics
	echo    *echo.Echo
	httpSrv *http.Server
}

// NewServer wires routes and middleware. The gateway's subscriptions must be
// live before Start is called.
func NewServer(cfg *config.Config, eng *engine.Engine, sm *state.Manager, gw *gateway.Manager, st *store.Client, db *database.Client, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  eng,
		state:   sm,
		gateway: gw,
		store:   st,
		db:      db,
		metrics: m,
	}

	e := echo.New()
	e.Use(securityHeaders())

	// Health and metrics are exempt from rate limiting.
	e.GET("/health", s.healthHandler)
	e.GET("/ready", s.readyHandler)
	e.GET("/metrics", s.metricsHandler)

	e.GET("/ws", s.wsHandler)

	v1 := e.Group("/v1", s.ipRateLimit)
	v1.GET("/time", s.timeHandler)
	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.DELETE("/sessions/:id", s.deleteSessionHandler)
	v1.POST("/sessions/:id/start", s.startSessionHandler)
	v1.POST("/sessions/:id/switch", s.switchCycleHandler, s.sessionRateLimit)
	v1.POST("/sessions/:id/pause", s.pauseSessionHandler)
	v1.POST("/sessions/:id/resume", s.resumeSessionHandler)
	v1.POST("/sessions/:id/complete", s.completeSessionHandler)
	v1.POST("/sessions/:id/cancel", s.cancelSessionHandler)

	s.echo = e
	return s
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start blocks serving HTTP until Shutdown or failure.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
