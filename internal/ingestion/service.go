package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type (
	// Status summarizes the latest run of a ticker. Run fields are nil when
	// the stock exists but has never been queued.
	Status struct {
		Ticker    string
		RunID     *uuid.UUID
		State     *State
		CreatedAt *time.Time
		UpdatedAt *time.Time
	}

	// Service implements the ingestion operations behind the API and the bulk
	// orchestrator: status lookup, idempotent queue-for-fetch, and atomic
	// state updates.
	//
	// The service never enqueues broker tasks itself. Callers enqueue the
	// fetch task only after QueueForFetch returns, which is after the
	// transaction committed, so workers cannot race a not-yet-visible row.
	Service struct {
		store  Store
		logger *slog.Logger
	}
)

// NewService creates an ingestion service on top of a Store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{store: store, logger: logger}
}

// GetStatus resolves a ticker and returns its latest run summary.
// Returns ErrInvalidTicker for malformed input and ErrStockNotFound when the
// ticker has no stock record.
func (s *Service) GetStatus(ctx context.Context, rawTicker string) (*Status, error) {
	ticker, err := NormalizeTicker(rawTicker)
	if err != nil {
		return nil, err
	}

	stock, err := s.store.GetStockByTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}

	status := &Status{Ticker: stock.Ticker}

	run, err := s.store.LatestRunForStock(ctx, stock.ID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return status, nil
		}

		return nil, err
	}

	state := run.State
	status.RunID = &run.ID
	status.State = &state
	status.CreatedAt = &run.CreatedAt
	status.UpdatedAt = &run.UpdatedAt

	return status, nil
}

// QueueForFetch upserts the stock for a ticker and returns either the
// existing active run (created=false, the idempotent fast path) or a freshly
// created QUEUED_FOR_FETCH run (created=true).
//
// A missing request id is generated from the wall clock at nanosecond
// resolution. A concurrent winner surfaces as ErrDuplicateActiveRun, which
// the API maps to 409.
func (s *Service) QueueForFetch(ctx context.Context, req QueueRequest) (*IngestionRun, bool, error) {
	ticker, err := NormalizeTicker(req.Ticker)
	if err != nil {
		return nil, false, err
	}

	req.Ticker = ticker

	if req.RequestID == "" {
		req.RequestID = strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	run, created, err := s.store.QueueForFetch(ctx, req)
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("queue for fetch",
		slog.String("ticker", ticker),
		slog.String("run_id", run.ID.String()),
		slog.Bool("created", created),
		slog.String("state", run.State.String()),
	)

	return run, created, nil
}

// UpdateRunState transitions a run, validating against the state machine.
// Entering FAILED requires error fields; violations return
// ErrInvalidStateTransition.
func (s *Service) UpdateRunState(
	ctx context.Context,
	runID uuid.UUID,
	newState State,
	opts ...TransitionOption,
) (*IngestionRun, error) {
	run, err := s.store.UpdateRunState(ctx, runID, newState, opts...)
	if err != nil {
		return nil, err
	}

	s.logger.Info("run state updated",
		slog.String("run_id", runID.String()),
		slog.String("state", newState.String()),
	)

	return run, nil
}

// MarkRunFailed is a convenience wrapper used by workers and the API when a
// broker enqueue or worker step fails terminally.
func (s *Service) MarkRunFailed(ctx context.Context, runID uuid.UUID, code, message string) (*IngestionRun, error) {
	return s.UpdateRunState(ctx, runID, StateFailed, WithError(code, message))
}

// Store exposes the underlying store for callers that need read operations
// (bulk orchestrator, workers).
func (s *Service) Store() Store {
	return s.store
}
