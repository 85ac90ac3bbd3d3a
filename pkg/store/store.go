// Package store provides the primary-store client: Redis key/value access
// with TTL, an atomic version-checked write, and cross-instance pub/sub.
//
// Two separate connections are held per instance — one for request/response
// commands and one dedicated to subscriptions, as required by the Redis wire
// protocol (a connection in subscribe mode cannot issue regular commands).
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the session key time-to-live, refreshed on every write so
// active sessions never expire.
const DefaultTTL = 3600 * time.Second

// ErrNotFound is returned by CompareAndSetWithTTL when the key is absent.
var ErrNotFound = errors.New("key not found")

// VersionMismatchError is returned by CompareAndSetWithTTL when the stored
// version differs from the expected one.
type VersionMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: expected %d, stored %d", e.Expected, e.Actual)
}

// Config holds Redis connection settings.
type Config struct {
	// URL is a redis:// connection string.
	URL string

	// KeyPrefix namespaces every key and channel. Production uses a single
	// stable prefix; test suites use per-run unique prefixes for isolation.
	KeyPrefix string
}

// Client is the primary-store client. All methods are safe for concurrent use.
type Client struct {
	cmd    *redis.Client
	sub    *redis.Client
	prefix string

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	wg      sync.WaitGroup
	closed  bool
}

// casScript implements the atomic version-checked write. It reads the stored
// value, compares its version field against ARGV[1], and writes ARGV[2] with
// TTL ARGV[3] (ms) only on equality.
//
// Returns 0 on success, -1 when the key is absent, and the stored version
// (always >= 1) on mismatch.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  return -1
end
local stored = tonumber(cjson.decode(current)['version'])
if stored ~= tonumber(ARGV[1]) then
  return stored
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 0
`)

// New connects both clients and verifies reachability.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	cmd := redis.NewClient(opt)
	sub := redis.NewClient(opt)
	for _, c := range []*redis.Client{cmd, sub} {
		if err := c.Ping(ctx).Err(); err != nil {
			_ = cmd.Close()
			_ = sub.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	return &Client{cmd: cmd, sub: sub, prefix: cfg.KeyPrefix}, nil
}

func (c *Client) key(k string) string { return c.prefix + k }

// Get retrieves the value stored under key. The second return value reports
// whether the key exists.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.cmd.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

// SetWithTTL writes unconditionally and refreshes the TTL.
func (c *Client) SetWithTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := c.cmd.Set(ctx, c.key(key), val, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// CompareAndSetWithTTL atomically writes val only if the stored value's
// version field equals expectedVersion. Returns ErrNotFound when the key is
// absent and *VersionMismatchError when the versions differ.
func (c *Client) CompareAndSetWithTTL(ctx context.Context, key string, expectedVersion int64, val []byte, ttl time.Duration) error {
	res, err := casScript.Run(ctx, c.cmd,
		[]string{c.key(key)},
		expectedVersion, string(val), strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("compare-and-set %s: %w", key, err)
	}
	switch {
	case res == 0:
		return nil
	case res == -1:
		return ErrNotFound
	default:
		return &VersionMismatchError{Expected: expectedVersion, Actual: res}
	}
}

// Delete removes the key. Deleting an absent key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.cmd.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Publish broadcasts payload on a channel. Fire-and-forget: subscribers that
// are not connected at publish time never see the message.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.cmd.Publish(ctx, c.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts a long-lived subscription on the dedicated connection and
// invokes handler for every message. One subscription per channel per
// instance; the handler runs on the subscription goroutine, so it must not
// block.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	ps := c.sub.Subscribe(ctx, c.key(channel))
	// Wait for the subscription to be confirmed so no publish that happens
	// after this call returns can be silently dropped.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	c.track(ps)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for msg := range ps.Channel() {
			handler([]byte(msg.Payload))
		}
	}()
	return nil
}

// PSubscribe starts a long-lived pattern subscription. The handler receives
// the concrete channel name with the key prefix stripped.
func (c *Client) PSubscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) error {
	ps := c.sub.PSubscribe(ctx, c.key(pattern))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	c.track(ps)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for msg := range ps.Channel() {
			ch := msg.Channel
			if len(ch) >= len(c.prefix) {
				ch = ch[len(c.prefix):]
			}
			handler(ch, []byte(msg.Payload))
		}
	}()
	return nil
}

// IncrWindow increments a counter key and sets its expiry when the counter is
// created. Used by the rate limiter; counters live in the primary store so
// they are shared across instances.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := c.cmd.Incr(ctx, c.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if count == 1 {
		if err := c.cmd.PExpire(ctx, c.key(key), window).Err(); err != nil {
			slog.Warn("Failed to set rate-limit window expiry", "key", key, "error", err)
		}
	}
	return count, nil
}

// Ping verifies the command connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.cmd.Ping(ctx).Err()
}

func (c *Client) track(ps *redis.PubSub) {
	c.mu.Lock()
	c.pubsubs = append(c.pubsubs, ps)
	c.mu.Unlock()
}

// Close tears down subscriptions, waits for their goroutines to drain, and
// closes both connections.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pubsubs := c.pubsubs
	c.mu.Unlock()

	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	c.wg.Wait()

	var first error
	if err := c.cmd.Close(); err != nil {
		first = err
	}
	if err := c.sub.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
