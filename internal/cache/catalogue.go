// Package cache implements the read-side caching fabric: the view
// invalidation catalogue, the cache key scheme, the Redis pattern-eviction
// fabric driven by storage change events, and a small TTL cache used for
// bulk-run stats.
package cache

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tickerflow-io/tickerflow/internal/events"
)

// View ids used by the list endpoints and the invalidation catalogue.
const (
	ViewTickerList   = "ticker-list"
	ViewExchangeList = "exchange-list"
	ViewSectorList   = "sector-list"
)

// Catalogue maps a mutated entity to the view ids whose cached pages must be
// evicted.
type Catalogue map[string][]string

// DefaultCatalogue returns the built-in entity-to-views mapping.
func DefaultCatalogue() Catalogue {
	return Catalogue{
		events.EntityStock:    {ViewTickerList},
		events.EntityExchange: {ViewExchangeList, ViewTickerList},
		events.EntitySector:   {ViewSectorList, ViewTickerList},
	}
}

// catalogueFile is the YAML shape of an override file.
type catalogueFile struct {
	Invalidations map[string][]string `yaml:"invalidations"`
}

// LoadCatalogue reads a catalogue override from a YAML file. An empty path
// returns the default catalogue.
func LoadCatalogue(path string) (Catalogue, error) {
	if path == "" {
		return DefaultCatalogue(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalogue file: %w", err)
	}

	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalogue file: %w", err)
	}

	if len(file.Invalidations) == 0 {
		return nil, fmt.Errorf("catalogue file %s declares no invalidations", path)
	}

	catalogue := make(Catalogue, len(file.Invalidations))
	for entity, views := range file.Invalidations {
		if len(views) == 0 {
			return nil, fmt.Errorf("entity %q maps to no views", entity)
		}

		catalogue[entity] = views
	}

	return catalogue, nil
}

// Views returns the view ids to invalidate for an entity.
func (c Catalogue) Views(entity string) []string {
	return c[entity]
}
