package cache

import (
	"context"
	"time"

	"github.com/vzoelfess/confessd/internal/volatile"
	"go.uber.org/zap"
)

// Coordinator implements the cache-aside path shared by the rate limiter, the
// moderation engine and the stats tracker. Reads fall back to the source of
// truth on miss; writers perform the durable write first and then invalidate
// (never update in place, so an older write cannot clobber a newer cached
// value). When the volatile tier is absent or down every call is a no-op and
// Get always reports a miss.
type Coordinator struct {
	store  volatile.Store
	health *volatile.Health
	logger *zap.Logger
}

// CoordinatorConfig describes the coordinator dependencies. A nil Store
// produces a pass-through coordinator.
type CoordinatorConfig struct {
	Store  volatile.Store
	Health *volatile.Health
	Logger *zap.Logger
}

// NewCoordinator constructs a cache coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: cfg.Store, health: cfg.Health, logger: logger}
}

// Enabled reports whether a volatile tier is configured at all.
func (c *Coordinator) Enabled() bool {
	return c != nil && c.store != nil
}

// GetJSON attempts a cached read. Tier failures surface as a miss.
func (c *Coordinator) GetJSON(ctx context.Context, key string, out any) bool {
	if !c.Enabled() {
		return false
	}
	hit, err := c.store.GetJSON(ctx, key, out)
	if err != nil {
		c.health.ReportFailure("cache.get", err)
		return false
	}
	c.health.ReportSuccess()
	return hit
}

// PutJSON repopulates the cache after a source read. Failures are tolerated;
// the entry will simply be recomputed on the next miss.
func (c *Coordinator) PutJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	if err := c.store.PutJSON(ctx, key, value, ttl); err != nil {
		c.health.ReportFailure("cache.put", err)
		return
	}
	c.health.ReportSuccess()
}

// Invalidate removes a cached view after a durable write. A failed
// invalidation leaves a stale entry that self-heals at TTL expiry, so it is
// logged at debug and otherwise tolerated.
func (c *Coordinator) Invalidate(ctx context.Context, keys ...string) {
	if !c.Enabled() {
		return
	}
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			c.health.ReportFailure("cache.invalidate", err)
			c.logger.Debug("cache invalidation failed; stale entry expires on TTL",
				zap.String("key", key), zap.Error(err))
			return
		}
	}
	c.health.ReportSuccess()
}
