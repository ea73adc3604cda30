// Package idempotency maps request fingerprints to previously computed analyses.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"vehiclecheck/internal/domain"
	"vehiclecheck/internal/telemetry"
)

// DefaultTTL is how long a stored analysis is served for repeats.
const DefaultTTL = 24 * time.Hour

// Store is a key-value store with per-entry expiry. Get reports found=false for
// missing or expired keys; errors are reserved for storage failures.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cache never surfaces storage errors: reads degrade to a miss and writes are dropped.
// There is no single-flight: concurrent misses on one key all compute, last write wins.
type Cache struct {
	store    Store
	ttl      time.Duration
	log      *zap.Logger
	recorder *telemetry.Recorder
}

func NewCache(store Store, ttl time.Duration, log *zap.Logger, recorder *telemetry.Recorder) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{store: store, ttl: ttl, log: log.Named("idempotency"), recorder: recorder}
}

func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) Get(ctx context.Context, key string) (domain.ConsolidatedAnalysis, bool) {
	var out domain.ConsolidatedAnalysis
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("idempotency: get failed, treating as miss", zap.String("key", key), zap.Error(err))
		c.recorder.Absorbed(ctx, telemetry.BoundaryCacheGet)
		c.recorder.CacheLookup(ctx, false)
		return out, false
	}
	if !found {
		c.recorder.CacheLookup(ctx, false)
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		c.log.Warn("idempotency: stored value unreadable, treating as miss", zap.String("key", key), zap.Error(err))
		c.recorder.Absorbed(ctx, telemetry.BoundaryCacheGet)
		c.recorder.CacheLookup(ctx, false)
		return domain.ConsolidatedAnalysis{}, false
	}
	c.recorder.CacheLookup(ctx, true)
	return out, true
}

// Put reports whether the value was stored; failures are logged and otherwise ignored.
func (c *Cache) Put(ctx context.Context, key string, a domain.ConsolidatedAnalysis) bool {
	raw, err := json.Marshal(a)
	if err == nil {
		err = c.store.Put(ctx, key, raw, c.ttl)
	}
	if err != nil {
		c.log.Warn("idempotency: put failed", zap.String("key", key), zap.Error(err))
		c.recorder.Absorbed(ctx, telemetry.BoundaryCachePut)
		return false
	}
	return true
}
