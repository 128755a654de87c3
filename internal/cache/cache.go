// Package cache implements the content-addressed response cache fronting
// the language-model provider.
//
// Keys are derived deterministically from (prompt, context, model), so
// identical requests always collide. The cache is strictly best-effort:
// backend failures are logged and treated as a miss or no-op, never
// surfaced to the caller.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// DefaultTTL bounds how long a cached model response stays valid.
const DefaultTTL = 5 * time.Minute

// Key derives the cache key for a (prompt, context, model) triple. The
// digest is truncated for storage efficiency, not security; collisions
// between distinct triples are cryptographically unlikely at 64 bits.
func Key(prompt, assembledContext, model string) string {
	sum := sha256.Sum256([]byte(prompt + "|" + assembledContext + "|" + model))
	return hex.EncodeToString(sum[:])[:16]
}

// Backend is the storage behind the cache. Implementations swallow their
// own errors: Get reports a miss on any failure and Set/Delete/Flush are
// silent no-ops when the store is unreachable.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Flush(ctx context.Context)
}

// Cache wraps a Backend with the response-cache policy.
type Cache struct {
	backend Backend
	ttl     time.Duration
	logger  *slog.Logger
}

// New creates a Cache over the given backend. A non-positive ttl selects
// DefaultTTL.
func New(backend Backend, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{backend: backend, ttl: ttl, logger: logger}
}

// Lookup returns the cached payload for a (prompt, context, model) triple,
// or false on a miss.
func (c *Cache) Lookup(ctx context.Context, prompt, assembledContext, model string) ([]byte, bool) {
	key := Key(prompt, assembledContext, model)
	payload, ok := c.backend.Get(ctx, key)
	if ok {
		c.logger.Debug("cache hit", "key", key)
	}
	return payload, ok
}

// Store caches a payload for a (prompt, context, model) triple,
// overwriting any previous entry unconditionally.
func (c *Cache) Store(ctx context.Context, prompt, assembledContext, model string, payload []byte) {
	c.backend.Set(ctx, Key(prompt, assembledContext, model), payload, c.ttl)
}

// Flush drops every cached entry.
func (c *Cache) Flush(ctx context.Context) {
	c.backend.Flush(ctx)
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Stats describes the cache's current occupancy. Entries is -1 when the
// backend cannot report a count.
type Stats struct {
	Entries int
	TTL     time.Duration
}

// counter is implemented by backends that can report their entry count.
type counter interface {
	Count(ctx context.Context) int
}

// Stats reports the backend's entry count and the configured TTL.
func (c *Cache) Stats(ctx context.Context) Stats {
	s := Stats{Entries: -1, TTL: c.ttl}
	if b, ok := c.backend.(counter); ok {
		s.Entries = b.Count(ctx)
	}
	return s
}
