package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces sage entries in a shared Redis instance.
const keyPrefix = "sage:answer:"

// Redis is the shared external backend. TTLs are enforced server-side via
// SET EX; every error degrades to a miss or no-op so an unreachable Redis
// never breaks the answer path.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis creates a backend over an existing client. The caller owns the
// client lifecycle.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger}
}

// Get returns the payload for key, or a miss on absence or any error.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("redis get failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}
	return val, true
}

// Set stores the payload with a server-side TTL.
func (r *Redis) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, keyPrefix+key, payload, ttl).Err(); err != nil {
		r.logger.Warn("redis set failed", "key", key, "error", err)
	}
}

// Delete removes a single entry.
func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		r.logger.Warn("redis del failed", "key", key, "error", err)
	}
}

// Flush removes every sage entry. Uses SCAN to avoid flushing keys owned
// by other applications sharing the instance.
func (r *Redis) Flush(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			r.logger.Warn("redis flush del failed", "key", iter.Val(), "error", err)
		}
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("redis flush scan failed", "error", err)
	}
}

// Count walks the sage keyspace and returns the number of live entries, or
// -1 when the scan fails.
func (r *Redis) Count(ctx context.Context) int {
	n := 0
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("redis count scan failed", "error", err)
		return -1
	}
	return n
}
