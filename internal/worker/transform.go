package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/objectstore"
	"github.com/tickerflow-io/tickerflow/internal/queue"
	"github.com/tickerflow-io/tickerflow/internal/unified"
)

// transformSkipStates mark a run whose table write already landed. A
// duplicate delivery acknowledges without touching the table again.
var transformSkipStates = map[ingestion.State]bool{
	ingestion.StateTransformFinished: true,
	ingestion.StateDone:              true,
}

// Transformer downloads a run's raw payload, reshapes it into unified rows,
// and merges the result into the versioned table. Must be consumed by exactly
// one consumer: the table writer is not concurrent-safe, and serialization is
// enforced through queue configuration.
type Transformer struct {
	service  *ingestion.Service
	store    objectstore.ObjectStore
	table    unified.TableEngine
	enqueuer queue.Enqueuer
	notifier Notifier
	logger   *slog.Logger
}

// NewTransformer creates a transform worker. A nil notifier disables
// completion notifications.
func NewTransformer(
	service *ingestion.Service,
	store objectstore.ObjectStore,
	table unified.TableEngine,
	enqueuer queue.Enqueuer,
	notifier Notifier,
	logger *slog.Logger,
) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Transformer{
		service:  service,
		store:    store,
		table:    table,
		enqueuer: enqueuer,
		notifier: notifier,
		logger:   logger.With("component", "transform_worker"),
	}
}

// Process executes one transform task: guard, download, reshape, merge, then
// the TRANSFORM_FINISHED and DONE transitions. A metadata projection task is
// enqueued after DONE; its enqueue failure is logged and never reverts DONE.
func (t *Transformer) Process(ctx context.Context, task queue.Task) error {
	if task.RunID == uuid.Nil {
		return ingestion.Fatal(ingestion.CodeInvalidUUID, "transform task carries no run id", nil)
	}

	run, err := t.service.Store().GetRun(ctx, task.RunID)
	if errors.Is(err, ingestion.ErrRunNotFound) {
		return ingestion.Fatal(ingestion.CodeRunNotFound,
			fmt.Sprintf("run %s not found", task.RunID), err)
	}

	if err != nil {
		return err
	}

	switch {
	case transformSkipStates[run.State]:
		t.logger.Info("transform skipped, table write already landed",
			slog.String("run_id", run.ID.String()),
			slog.String("state", run.State.String()),
		)

		return nil

	case run.State == ingestion.StateFailed:
		return ingestion.Fatal(ingestion.CodeInvalidState,
			fmt.Sprintf("run %s is FAILED", run.ID), nil)

	case run.State == ingestion.StateQueuedForTransform:
		run, err = t.service.UpdateRunState(ctx, run.ID, ingestion.StateTransformRunning)
		if err != nil {
			return err
		}

	case run.State == ingestion.StateTransformRunning:
		// Redelivery mid-transform: the merge is a keyed upsert, so applying
		// the same frame twice converges.

	default:
		return ingestion.Fatal(ingestion.CodeInvalidState,
			fmt.Sprintf("run %s in unexpected state %s", run.ID, run.State), nil)
	}

	if run.RawDataURI == nil || *run.RawDataURI == "" {
		return ingestion.Fatal(ingestion.CodeMissingRawData,
			fmt.Sprintf("run %s has no raw data uri", run.ID), nil)
	}

	bucket, key, err := objectstore.ParseURI(*run.RawDataURI)
	if err != nil {
		return ingestion.Fatal(ingestion.CodeMissingRawData,
			fmt.Sprintf("run %s has a malformed raw data uri", run.ID), err)
	}

	payload, err := t.store.Get(ctx, bucket, key)
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		return ingestion.Fatal(ingestion.CodeMissingRawData,
			fmt.Sprintf("raw object %s is gone", *run.RawDataURI), err)
	}

	if err != nil {
		return err
	}

	ticker := task.Ticker
	if run.Stock != nil {
		ticker = run.Stock.Ticker
	}

	rows, err := unified.Reshape(ticker, payload)
	if err != nil {
		return err
	}

	frame, err := unified.NewFrame(rows)
	if err != nil {
		return ingestion.Fatal(ingestion.CodeInvalidDataFormat, "frame construction failed", err)
	}

	tableURI, err := t.table.Merge(ctx, frame)
	if err != nil {
		return err
	}

	if _, err := t.service.UpdateRunState(ctx, run.ID, ingestion.StateTransformFinished,
		ingestion.WithProcessedDataURI(tableURI)); err != nil {
		return err
	}

	done, err := t.service.UpdateRunState(ctx, run.ID, ingestion.StateDone)
	if err != nil {
		return err
	}

	t.logger.Info("run completed",
		slog.String("run_id", run.ID.String()),
		slog.String("ticker", ticker),
		slog.Int("rows", frame.NumRows()),
		slog.String("processed_data_uri", tableURI),
	)

	if t.notifier != nil {
		t.notifier.NotifyRun(ctx, done)
	}

	if err := t.enqueuer.Enqueue(ctx, queue.Task{
		Kind:   queue.KindProject,
		RunID:  run.ID,
		Ticker: ticker,
	}); err != nil {
		// The run is DONE; projection is a best-effort follow-up.
		t.logger.Warn("metadata projection enqueue failed",
			slog.String("run_id", run.ID.String()),
			slog.String("ticker", ticker),
			slog.String("error", err.Error()),
		)
	}

	return nil
}
