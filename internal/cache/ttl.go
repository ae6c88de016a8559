package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tickerflow-io/tickerflow/internal/config"
)

// BulkStatsTTL is how long a bulk-run stats response stays cached. Stats
// aggregate over every linked run; five minutes keeps the endpoint cheap
// while a large fan-out is in flight.
const BulkStatsTTL = 5 * time.Minute

// PageTTL is the backstop expiry for cached list pages. The fabric evicts
// pages when their backing entities change; the TTL only bounds staleness
// when eviction is unavailable.
const PageTTL = time.Hour

// TTL is a byte-value cache with a fixed expiry over Redis. A nil client
// turns every operation into a miss, so callers need no configuration checks.
type TTL struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewTTL creates a TTL cache. client may be nil.
func NewTTL(client *redis.Client, ttl time.Duration, logger *slog.Logger) *TTL {
	if logger == nil {
		logger = slog.Default()
	}

	return &TTL{client: client, ttl: ttl, logger: logger.With("component", "ttl_cache")}
}

// Get returns the cached value and whether it was present. Backend errors
// degrade to a miss.
func (t *TTL) Get(ctx context.Context, key string) ([]byte, bool) {
	if t == nil || t.client == nil {
		return nil, false
	}

	data, err := t.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}

	if err != nil {
		t.logger.Warn("cache read failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return nil, false
	}

	return data, true
}

// Set stores the value under the cache's TTL. Errors are logged and dropped.
func (t *TTL) Set(ctx context.Context, key string, value []byte) {
	if t == nil || t.client == nil {
		return
	}

	if err := t.client.Set(ctx, key, value, t.ttl).Err(); err != nil {
		t.logger.Warn("cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// BulkStatsKey is the cache key for one bulk run's stats response.
func BulkStatsKey(id string) string {
	return fmt.Sprintf("cache.stats.bulk.%s", id)
}

// NewClientFromEnv connects to Redis from TICKERFLOW_REDIS_ADDR. Returns nil
// when the address is unset, which downgrades the fabric and TTL caches to
// no-ops.
func NewClientFromEnv() *redis.Client {
	addr := config.GetEnvStr("TICKERFLOW_REDIS_ADDR", "")
	if addr == "" {
		return nil
	}

	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.GetEnvStr("TICKERFLOW_REDIS_PASSWORD", ""),
		DB:       config.GetEnvInt("TICKERFLOW_REDIS_DB", 0),
	})
}
