package ratelimit

import (
	"context"
	"fmt"
	"time"

	"phishwall/pkg/config"

	"github.com/redis/go-redis/v9"
)

// incrWindow increments the counter and starts the window on the first hit
// only, so later requests do not extend it.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisStore shares windows between several instances through Redis. The
// window ends when the key expires.
type RedisStore struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, limit int, window time.Duration) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
		limit:  int64(limit),
		window: window,
	}, nil
}

// Admit implements Store.
func (s *RedisStore) Admit(ctx context.Context, key string) (bool, error) {
	n, err := incrWindow.Run(ctx, s.client, []string{s.prefix + key}, s.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis increment failed: %w", err)
	}
	return n <= s.limit, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
