package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tickerflow-io/tickerflow/internal/events"
)

const (
	// scanBatch bounds one SCAN page so eviction never blocks the server.
	scanBatch = 200

	// evictTimeout bounds one entity's full eviction pass.
	evictTimeout = 5 * time.Second
)

// Fabric evicts cached list views when their backing entities change. It
// subscribes to the storage change bus and issues non-blocking SCAN-based
// pattern deletes against Redis. With no Redis configured it logs a warning
// once and no-ops.
type Fabric struct {
	client    *redis.Client
	catalogue Catalogue
	logger    *slog.Logger

	warned bool
}

// NewFabric creates an invalidation fabric. client may be nil.
func NewFabric(client *redis.Client, catalogue Catalogue, logger *slog.Logger) *Fabric {
	if logger == nil {
		logger = slog.Default()
	}

	if catalogue == nil {
		catalogue = DefaultCatalogue()
	}

	return &Fabric{
		client:    client,
		catalogue: catalogue,
		logger:    logger.With("component", "cache_fabric"),
	}
}

// Subscribe attaches the fabric to a change bus.
func (f *Fabric) Subscribe(bus *events.Bus) {
	bus.Subscribe(f.OnChange)
}

// OnChange evicts every view the catalogue maps the mutated entity to.
func (f *Fabric) OnChange(change events.Change) {
	views := f.catalogue.Views(change.Entity)
	if len(views) == 0 {
		return
	}

	if f.client == nil {
		if !f.warned {
			f.warned = true
			f.logger.Warn("no cache backend configured, skipping invalidation",
				slog.String("entity", change.Entity),
			)
		}

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
	defer cancel()

	for _, view := range views {
		evicted := f.evictPattern(ctx, PagePattern(view))
		evicted += f.evictPattern(ctx, HeaderPattern(view))

		f.logger.Debug("view invalidated",
			slog.String("entity", change.Entity),
			slog.String("view", view),
			slog.Int("evicted", evicted),
		)
	}
}

// evictPattern deletes every key matching the glob via cursor-based SCAN.
func (f *Fabric) evictPattern(ctx context.Context, pattern string) int {
	var (
		cursor  uint64
		evicted int
	)

	for {
		keys, next, err := f.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			f.logger.Warn("cache scan failed",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()),
			)

			return evicted
		}

		if len(keys) > 0 {
			deleted, err := f.client.Del(ctx, keys...).Result()
			if err != nil {
				f.logger.Warn("cache delete failed",
					slog.String("pattern", pattern),
					slog.String("error", err.Error()),
				)

				return evicted
			}

			evicted += int(deleted)
		}

		cursor = next
		if cursor == 0 {
			return evicted
		}
	}
}
