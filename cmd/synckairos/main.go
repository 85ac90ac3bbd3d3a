// SyncKairos server — distributed session synchronization with WebSocket
// fan-out and an asynchronous audit trail.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/synckairos/synckairos/pkg/api"
	"github.com/synckairos/synckairos/pkg/audit"
	"github.com/synckairos/synckairos/pkg/config"
	"github.com/synckairos/synckairos/pkg/database"
	"github.com/synckairos/synckairos/pkg/engine"
	"github.com/synckairos/synckairos/pkg/gateway"
	"github.com/synckairos/synckairos/pkg/metrics"
	"github.com/synckairos/synckairos/pkg/state"
	"github.com/synckairos/synckairos/pkg/store"
	"github.com/synckairos/synckairos/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting SyncKairos",
		"version", version.Version,
		"listen_addr", cfg.ListenAddr)

	ctx := context.Background()

	// 1. Primary store.
	storeClient, err := store.New(ctx, store.Config{URL: cfg.RedisURL, KeyPrefix: cfg.KeyPrefix})
	if err != nil {
		slog.Error("Failed to connect to primary store", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to primary store")

	// 2. Audit database and queue.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load audit database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to audit database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing audit database client", "error", err)
		}
	}()
	slog.Info("Connected to audit database")

	m := metrics.New()

	auditQueue := audit.NewQueue(audit.NewPostgresWriter(dbClient.DB()), audit.Config{
		Workers:     cfg.AuditWorkers,
		MaxAttempts: cfg.AuditMaxAttempts,
		RetryBase:   cfg.AuditRetryBase,
		QueueSize:   cfg.AuditQueueSize,
		OnDrop:      m.AuditDropped.Inc,
	})
	auditQueue.Start(ctx)

	// 3. State manager and engine.
	stateManager := state.NewManager(storeClient, auditQueue, cfg.SessionTTL)
	eng := engine.New(stateManager)

	// 4. Gateway: subscriptions must be live before the HTTP listener accepts
	// WebSocket upgrades, or early clients would miss updates.
	gw := gateway.NewManager(stateManager, cfg.HeartbeatInterval)
	if err := gw.Start(ctx); err != nil {
		slog.Error("Failed to start gateway", "error", err)
		os.Exit(1)
	}

	m.RegisterConnectionsGauge(func() float64 { return float64(gw.ActiveConnections()) })
	m.RegisterAuditDepthGauge(func() float64 { return float64(auditQueue.Stats().QueueDepth) })

	// 5. HTTP server.
	httpServer := api.NewServer(cfg, eng, stateManager, gw, storeClient, dbClient, m)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := httpServer.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop accepting requests, close sockets with a
	// going-away frame, drain the audit queue, then release the store.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	gw.Shutdown()

	auditShutdownCtx, auditCancel := context.WithTimeout(ctx, 30*time.Second)
	defer auditCancel()
	auditQueue.Stop(auditShutdownCtx)

	if err := stateManager.Close(); err != nil {
		slog.Error("Error closing primary store", "error", err)
	}

	slog.Info("Shutdown complete")
}
