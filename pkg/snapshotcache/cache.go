// Package snapshotcache implements a warm-start cache for the full
// layer/experiment snapshot: an in-memory copy backed by Redis, so a
// restarting engine can serve from the configuration of its last
// successful boot-time load when its ConfigSource's initial load
// fails.
package snapshotcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jizhuozhi/expirement-system/pkg/catalog"
	"github.com/jizhuozhi/expirement-system/pkg/layer"
)

const redisKey = "experiment-engine:snapshot:current"

// DefaultTTL bounds how long a warm-start snapshot is trusted before
// it is treated as stale. A snapshot this old is likely to disagree
// with the source of truth badly enough that serving from it is worse
// than waiting for a real load.
const DefaultTTL = time.Hour

// Snapshot is the full config state persisted as one unit: layers and
// experiments always move together so a restart never mixes a layer
// set with a mismatched experiment set.
type Snapshot struct {
	Layers      []*layer.Layer          `json:"layers"`
	Experiments []catalog.ExperimentDef `json:"experiments"`
	StoredAt    time.Time               `json:"stored_at"`
}

// Stats holds cache hit/miss counters, kept for parity with the
// dashboards this style of cache is normally wired into.
type Stats struct {
	Hits      int64
	Misses    int64
	StoreErrs int64
}

// Cache holds the latest snapshot in memory, mirrored to Redis so it
// survives a process restart. Reads never touch Redis once a snapshot
// has been loaded or stored this process's lifetime; only the very
// first Load falls through to Redis.
type Cache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger

	mu       sync.RWMutex
	current  *Snapshot
	stats    Stats
}

// New creates a Cache over an already-connected Redis client. A ttl
// <= 0 falls back to DefaultTTL.
func New(redisClient *redis.Client, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		redis:  redisClient,
		ttl:    ttl,
		logger: logger.With().Str("component", "snapshot_cache").Logger(),
	}
}

// Load returns the in-memory snapshot if present, else attempts to
// load and decode the last one persisted to Redis. Returns (nil, nil)
// on a clean miss — caller treats this as "no warm-start available,
// wait for the real load."
func (c *Cache) Load(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	snap := c.current
	c.mu.RUnlock()
	if snap != nil {
		c.recordHit()
		return snap, nil
	}

	data, err := c.redis.Get(ctx, redisKey).Result()
	if err != nil {
		if err == redis.Nil {
			c.recordMiss()
			return nil, nil
		}
		return nil, fmt.Errorf("loading snapshot from redis: %w", err)
	}

	var loaded Snapshot
	if err := json.Unmarshal([]byte(data), &loaded); err != nil {
		return nil, fmt.Errorf("unmarshaling cached snapshot: %w", err)
	}

	c.mu.Lock()
	c.current = &loaded
	c.mu.Unlock()

	c.logger.Info().Time("stored_at", loaded.StoredAt).
		Int("layers", len(loaded.Layers)).
		Int("experiments", len(loaded.Experiments)).
		Msg("loaded warm-start snapshot from redis")
	c.recordHit()
	return &loaded, nil
}

// Store records a new full snapshot in memory immediately, then
// persists it to Redis asynchronously, so the caller (the server,
// after a successful initial bulk load) does not block on a Redis
// round trip.
func (c *Cache) Store(layers []*layer.Layer, experiments []catalog.ExperimentDef, now time.Time) {
	snap := &Snapshot{Layers: layers, Experiments: experiments, StoredAt: now}

	c.mu.Lock()
	c.current = snap
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		data, err := json.Marshal(snap)
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to marshal snapshot for redis")
			c.recordStoreErr()
			return
		}
		if err := c.redis.Set(ctx, redisKey, data, c.ttl).Err(); err != nil {
			c.logger.Error().Err(err).Msg("failed to persist snapshot to redis")
			c.recordStoreErr()
			return
		}
		c.logger.Debug().Msg("persisted snapshot to redis")
	}()
}

// Stats returns a copy of the cache's hit/miss/error counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

func (c *Cache) recordStoreErr() {
	c.mu.Lock()
	c.stats.StoreErrs++
	c.mu.Unlock()
}
