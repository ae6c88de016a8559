package ingestion

import (
	"context"

	"github.com/google/uuid"
)

// QueueRequest carries the inputs for queueing one ticker for fetch.
// Ticker must already be normalized (see NormalizeTicker).
type QueueRequest struct {
	Ticker      string
	RequestedBy string
	RequestID   string
	BulkRunID   *uuid.UUID
}

// Transition carries the optional fields of a state update. Zero values mean
// "leave unchanged"; URIs overwrite only when non-empty.
type Transition struct {
	ErrorCode        string
	ErrorMessage     string
	RawDataURI       string
	ProcessedDataURI string
}

// TransitionOption configures a state update.
type TransitionOption func(*Transition)

// WithError sets the error code and message recorded on a FAILED transition.
func WithError(code, message string) TransitionOption {
	return func(t *Transition) {
		t.ErrorCode = code
		t.ErrorMessage = message
	}
}

// WithRawDataURI records the object-store location of the raw payload.
func WithRawDataURI(uri string) TransitionOption {
	return func(t *Transition) {
		t.RawDataURI = uri
	}
}

// WithProcessedDataURI records the unified-table location of the processed data.
func WithProcessedDataURI(uri string) TransitionOption {
	return func(t *Transition) {
		t.ProcessedDataURI = uri
	}
}

// Store defines what the ingestion domain needs for run persistence. The
// domain package owns the interface; the PostgreSQL implementation lives in
// internal/storage.
//
// Implementations must guarantee:
//   - QueueForFetch runs in one transaction with row locking and surfaces
//     ErrDuplicateActiveRun when the partial unique constraint fires.
//   - UpdateRunState locks the run row, validates the transition against the
//     state machine, and stamps phase timestamps first-entry-wins.
//   - A FAILED transition without error fields is rejected
//     (ErrInvalidStateTransition).
type Store interface {
	// GetOrCreateStock upserts a stock by normalized ticker.
	GetOrCreateStock(ctx context.Context, ticker string) (*Stock, error)

	// GetStockByTicker resolves a stock by normalized ticker.
	// Returns ErrStockNotFound when absent.
	GetStockByTicker(ctx context.Context, ticker string) (*Stock, error)

	// GetRun loads a run by id with its stock. Returns ErrRunNotFound when absent.
	GetRun(ctx context.Context, runID uuid.UUID) (*IngestionRun, error)

	// LatestRunForStock returns the newest run (created_at desc) for a stock
	// with its stock loaded, or ErrRunNotFound when the stock has no runs.
	LatestRunForStock(ctx context.Context, stockID uuid.UUID) (*IngestionRun, error)

	// ActiveRuns returns every run in a non-terminal state.
	ActiveRuns(ctx context.Context) ([]*IngestionRun, error)

	// LatestDoneRun returns the newest DONE run for a stock, or ErrRunNotFound.
	LatestDoneRun(ctx context.Context, stockID uuid.UUID) (*IngestionRun, error)

	// QueueForFetch upserts the stock and either returns the existing active
	// run (created=false) or creates a new QUEUED_FOR_FETCH run (created=true).
	// A concurrent winner surfaces as ErrDuplicateActiveRun.
	QueueForFetch(ctx context.Context, req QueueRequest) (run *IngestionRun, created bool, err error)

	// UpdateRunState atomically transitions a run under a row lock.
	UpdateRunState(ctx context.Context, runID uuid.UUID, newState State, opts ...TransitionOption) (*IngestionRun, error)

	// LinkRunToBulk sets the run's bulk_run_id if not already set.
	LinkRunToBulk(ctx context.Context, runID, bulkRunID uuid.UUID) error

	// HealthCheck verifies the backing database is reachable.
	HealthCheck(ctx context.Context) error
}
