// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration. The audit database carries its
// own AUDIT_DB_* settings in pkg/database.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// RedisURL is the primary-store connection string.
	RedisURL string

	// KeyPrefix namespaces all keys and channels in the primary store.
	KeyPrefix string

	// SessionTTL governs eviction of idle sessions; refreshed on every write.
	SessionTTL time.Duration

	// HeartbeatInterval is the gateway probe interval.
	HeartbeatInterval time.Duration

	// Audit queue settings.
	AuditWorkers     int
	AuditMaxAttempts int
	AuditRetryBase   time.Duration
	AuditQueueSize   int

	// Rate limits, enforced via shared counters in the primary store.
	SessionRatePerSecond int
	IPRatePerMinute      int
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:           getEnv("LISTEN_ADDR", ":8080"),
		RedisURL:             getEnv("REDIS_URL", "redis://localhost:6379/0"),
		KeyPrefix:            getEnv("KEY_PREFIX", "synckairos:"),
		SessionTTL:           3600 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		AuditWorkers:         10,
		AuditMaxAttempts:     5,
		AuditRetryBase:       2 * time.Second,
		AuditQueueSize:       1024,
		SessionRatePerSecond: 10,
		IPRatePerMinute:      100,
	}

	var err error
	if cfg.SessionTTL, err = durationEnv("SESSION_TTL_SECONDS", cfg.SessionTTL, time.Second); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = durationEnv("HEARTBEAT_INTERVAL_SECONDS", cfg.HeartbeatInterval, time.Second); err != nil {
		return nil, err
	}
	if cfg.AuditRetryBase, err = durationEnv("AUDIT_RETRY_BASE_MS", cfg.AuditRetryBase, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.AuditWorkers, err = intEnv("AUDIT_WORKERS", cfg.AuditWorkers); err != nil {
		return nil, err
	}
	if cfg.AuditMaxAttempts, err = intEnv("AUDIT_MAX_ATTEMPTS", cfg.AuditMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.AuditQueueSize, err = intEnv("AUDIT_QUEUE_SIZE", cfg.AuditQueueSize); err != nil {
		return nil, err
	}
	if cfg.SessionRatePerSecond, err = intEnv("RATE_LIMIT_SESSION_PER_SECOND", cfg.SessionRatePerSecond); err != nil {
		return nil, err
	}
	if cfg.IPRatePerMinute, err = intEnv("RATE_LIMIT_IP_PER_MINUTE", cfg.IPRatePerMinute); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SessionTTL < time.Minute {
		return fmt.Errorf("session TTL %s is below the one-minute floor", c.SessionTTL)
	}
	if c.AuditWorkers < 1 {
		return fmt.Errorf("audit workers must be at least 1, got %d", c.AuditWorkers)
	}
	if c.AuditMaxAttempts < 1 {
		return fmt.Errorf("audit max attempts must be at least 1, got %d", c.AuditMaxAttempts)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration, unit time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * unit, nil
}
