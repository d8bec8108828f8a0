package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rate_limit:"

// Redis is the shared-store limiter: one INCR-counted key per IP with the
// window length as its TTL, so multiple processes draw from the same quota.
type Redis struct {
	client      *redis.Client
	maxRequests int
	window      time.Duration
}

// NewRedis connects to the given address and verifies the connection.
func NewRedis(ctx context.Context, addr string, maxRequests int, window time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	slog.Info("redis rate limiter initialized", "addr", addr)
	return &Redis{client: client, maxRequests: maxRequests, window: window}, nil
}

// NewRedisWithClient wraps an existing client, used by tests.
func NewRedisWithClient(client *redis.Client, maxRequests int, window time.Duration) *Redis {
	return &Redis{client: client, maxRequests: maxRequests, window: window}
}

func (r *Redis) Allow(ctx context.Context, clientIP string) (Result, error) {
	key := keyPrefix + clientIP

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	// First hit in a window owns setting the expiry; later hits ride the
	// existing TTL.
	if count == 1 {
		if err := r.client.Expire(ctx, key, r.window).Err(); err != nil {
			return Result{}, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}

	var retryAfter time.Duration
	if ttl, err := r.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		retryAfter = ttl
	}

	if count > int64(r.maxRequests) {
		return Result{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}
	return Result{
		Allowed:    true,
		Remaining:  r.maxRequests - int(count),
		RetryAfter: retryAfter,
	}, nil
}

// Close releases the redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
