// Package bulk provides the fan-out orchestrator that turns one request into
// per-ticker ingestion runs while tracking aggregate progress on a
// BulkQueueRun record.
//
// The package defines the Store interface it needs for persistence; the
// PostgreSQL implementation lives in internal/storage. Counter updates must
// use in-database arithmetic (UPDATE ... SET c = c + 1), never
// read-modify-write, so they stay exact under parallel workers and retries.
package bulk

import (
	"context"

	"github.com/google/uuid"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
)

// CounterDelta carries one atomic counter adjustment. Deltas are applied in
// a single UPDATE statement.
type CounterDelta struct {
	Queued  int
	Skipped int
	Errors  int
}

// Store defines what the orchestrator needs for bulk-run persistence.
type Store interface {
	// CreateBulkRun inserts a new bulk run with zeroed counters.
	CreateBulkRun(ctx context.Context, requestedBy string) (*ingestion.BulkQueueRun, error)

	// GetBulkRun loads a bulk run. Returns ingestion.ErrBulkRunNotFound when absent.
	GetBulkRun(ctx context.Context, id uuid.UUID) (*ingestion.BulkQueueRun, error)

	// MarkBulkRunStarted stamps started_at and records the candidate total.
	MarkBulkRunStarted(ctx context.Context, id uuid.UUID, totalStocks int) error

	// MarkBulkRunCompleted stamps completed_at.
	MarkBulkRunCompleted(ctx context.Context, id uuid.UUID) error

	// AdjustBulkCounters applies the delta with in-database arithmetic.
	AdjustBulkCounters(ctx context.Context, id uuid.UUID, delta CounterDelta) error

	// ListTickers returns all candidate tickers in stable alphabetical order,
	// optionally filtered by normalized exchange name.
	ListTickers(ctx context.Context, exchangeFilter string) ([]string, error)
}
