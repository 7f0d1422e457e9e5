package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures Redis access for shared rate counters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisCounter is a Counter backed by Redis INCR with an expiry set on the
// first increment of each window. All service instances share the same
// quota this way.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter connects to Redis and verifies the connection.
func NewRedisCounter(cfg RedisConfig) (*RedisCounter, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis rate counter: %w", err)
	}
	return &RedisCounter{client: client}, nil
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX keeps the window fixed: the expiry set on the first hit is never
	// pushed out by later hits.
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (c *RedisCounter) Close() error { return c.client.Close() }
