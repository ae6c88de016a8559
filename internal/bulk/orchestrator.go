package bulk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/queue"
)

// progressLogInterval controls how often the orchestrator reads the counters
// back from the database and logs fan-out progress.
const progressLogInterval = 100

type (
	// Summary reports the final counters of a completed fan-out. After
	// completion, Queued + Skipped + Errors == TotalStocks.
	Summary struct {
		BulkRunID   uuid.UUID
		TotalStocks int
		Queued      int
		Skipped     int
		Errors      int
	}

	// Orchestrator fans one bulk request out across all candidate tickers,
	// queueing each through the ingestion service and maintaining aggregate
	// counters on the bulk run record.
	Orchestrator struct {
		store    Store
		service  *ingestion.Service
		enqueuer queue.Enqueuer
		logger   *slog.Logger
	}
)

// NewOrchestrator creates a bulk orchestrator.
func NewOrchestrator(store Store, service *ingestion.Service, enqueuer queue.Enqueuer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		store:    store,
		service:  service,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// Run executes the fan-out for one bulk run: collect candidate tickers
// (optionally filtered by exchange), queue each for fetch, and keep the
// counters exact in the database. Per-ticker failures are counted and
// skipped, never fatal; the fan-out always reaches completed_at unless the
// bulk run itself is missing or the process dies.
func (o *Orchestrator) Run(ctx context.Context, bulkRunID uuid.UUID, exchangeFilter string) (*Summary, error) {
	bulkRun, err := o.store.GetBulkRun(ctx, bulkRunID)
	if err != nil {
		return nil, ingestion.Fatal(ingestion.CodeRunNotFound,
			fmt.Sprintf("bulk run %s not found", bulkRunID), err)
	}

	tickers, err := o.store.ListTickers(ctx, exchangeFilter)
	if err != nil {
		return nil, fmt.Errorf("list tickers: %w", err)
	}

	if err := o.store.MarkBulkRunStarted(ctx, bulkRunID, len(tickers)); err != nil {
		return nil, fmt.Errorf("mark bulk run started: %w", err)
	}

	requestedBy := ""
	if bulkRun.RequestedBy != nil {
		requestedBy = *bulkRun.RequestedBy
	}

	o.logger.Info("bulk fan-out started",
		slog.String("bulk_run_id", bulkRunID.String()),
		slog.Int("total_stocks", len(tickers)),
		slog.String("exchange_filter", exchangeFilter),
	)

	for i, ticker := range tickers {
		o.processTicker(ctx, bulkRunID, ticker, requestedBy)

		if (i+1)%progressLogInterval == 0 {
			o.logProgress(ctx, bulkRunID, i+1, len(tickers))
		}
	}

	if err := o.store.MarkBulkRunCompleted(ctx, bulkRunID); err != nil {
		return nil, fmt.Errorf("mark bulk run completed: %w", err)
	}

	final, err := o.store.GetBulkRun(ctx, bulkRunID)
	if err != nil {
		return nil, fmt.Errorf("reload bulk run: %w", err)
	}

	summary := &Summary{
		BulkRunID:   bulkRunID,
		TotalStocks: final.TotalStocks,
		Queued:      final.QueuedCount,
		Skipped:     final.SkippedCount,
		Errors:      final.ErrorCount,
	}

	o.logger.Info("bulk fan-out completed",
		slog.String("bulk_run_id", bulkRunID.String()),
		slog.Int("total_stocks", summary.TotalStocks),
		slog.Int("queued", summary.Queued),
		slog.Int("skipped", summary.Skipped),
		slog.Int("errors", summary.Errors),
	)

	return summary, nil
}

// processTicker queues one ticker and adjusts exactly one counter. Counter
// writes happen in the database so retries and parallel workers cannot drift
// the aggregates.
func (o *Orchestrator) processTicker(ctx context.Context, bulkRunID uuid.UUID, ticker, requestedBy string) {
	run, created, err := o.service.QueueForFetch(ctx, ingestion.QueueRequest{
		Ticker:      ticker,
		RequestedBy: requestedBy,
		BulkRunID:   &bulkRunID,
	})
	if err != nil {
		o.countError(ctx, bulkRunID, ticker, err)

		return
	}

	// Pre-existing runs are linked to this bulk run unless already owned by
	// an earlier one.
	if run.BulkRunID == nil {
		if err := o.service.Store().LinkRunToBulk(ctx, run.ID, bulkRunID); err != nil {
			o.countError(ctx, bulkRunID, ticker, err)

			return
		}
	}

	if !created {
		if err := o.store.AdjustBulkCounters(ctx, bulkRunID, CounterDelta{Skipped: 1}); err != nil {
			o.logger.Error("counter adjust failed",
				slog.String("bulk_run_id", bulkRunID.String()),
				slog.String("ticker", ticker),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	if err := o.store.AdjustBulkCounters(ctx, bulkRunID, CounterDelta{Queued: 1}); err != nil {
		o.logger.Error("counter adjust failed",
			slog.String("bulk_run_id", bulkRunID.String()),
			slog.String("ticker", ticker),
			slog.String("error", err.Error()),
		)
	}

	if err := o.enqueuer.Enqueue(ctx, queue.Task{
		Kind:      queue.KindFetch,
		RunID:     run.ID,
		Ticker:    ticker,
		BulkRunID: &bulkRunID,
	}); err != nil {
		// The run was created but no worker will ever pick it up: take the
		// queued counter back, count an error, and fail the run.
		if adjErr := o.store.AdjustBulkCounters(ctx, bulkRunID, CounterDelta{Queued: -1, Errors: 1}); adjErr != nil {
			o.logger.Error("counter rollback failed",
				slog.String("bulk_run_id", bulkRunID.String()),
				slog.String("ticker", ticker),
				slog.String("error", adjErr.Error()),
			)
		}

		if _, failErr := o.service.MarkRunFailed(ctx, run.ID, ingestion.CodeBrokerError, err.Error()); failErr != nil {
			o.logger.Error("failed to mark run FAILED after enqueue failure",
				slog.String("run_id", run.ID.String()),
				slog.String("error", failErr.Error()),
			)
		}

		o.logger.Error("fetch enqueue failed",
			slog.String("bulk_run_id", bulkRunID.String()),
			slog.String("ticker", ticker),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) countError(ctx context.Context, bulkRunID uuid.UUID, ticker string, cause error) {
	o.logger.Error("bulk ticker failed",
		slog.String("bulk_run_id", bulkRunID.String()),
		slog.String("ticker", ticker),
		slog.String("error", cause.Error()),
	)

	if err := o.store.AdjustBulkCounters(ctx, bulkRunID, CounterDelta{Errors: 1}); err != nil {
		o.logger.Error("counter adjust failed",
			slog.String("bulk_run_id", bulkRunID.String()),
			slog.String("ticker", ticker),
			slog.String("error", err.Error()),
		)
	}
}

// logProgress reads the counters back from the database rather than trusting
// any in-process state.
func (o *Orchestrator) logProgress(ctx context.Context, bulkRunID uuid.UUID, processed, total int) {
	bulkRun, err := o.store.GetBulkRun(ctx, bulkRunID)
	if err != nil {
		o.logger.Warn("progress read failed",
			slog.String("bulk_run_id", bulkRunID.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	o.logger.Info("bulk fan-out progress",
		slog.String("bulk_run_id", bulkRunID.String()),
		slog.Int("processed", processed),
		slog.Int("total", total),
		slog.Int("queued", bulkRun.QueuedCount),
		slog.Int("skipped", bulkRun.SkippedCount),
		slog.Int("errors", bulkRun.ErrorCount),
	)
}
