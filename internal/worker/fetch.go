// Package worker implements the pipeline consumers: the fetch worker, the
// transform worker, the metadata projector, and the runner that dispatches
// queue tasks and applies the retry policy.
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
)

// PayloadFetcher is the upstream contract the fetch worker depends on.
// *upstream.Client satisfies it.
type PayloadFetcher interface {
	Fetch(ctx context.Context, ticker string) ([]byte, error)
}

// fetchSkipStates are the states in which the raw payload has already been
// secured; a fetch task arriving for one of them is a duplicate delivery and
// acknowledges without work.
var fetchSkipStates = map[ingestion.State]bool{
	ingestion.StateFetched:            true,
	ingestion.StateQueuedForTransform: true,
	ingestion.StateTransformRunning:   true,
	ingestion.StateTransformFinished:  true,
	ingestion.StateDone:               true,
}

// Fetcher downloads the raw upstream payload for one run, stores it in the
// raw bucket, and hands the run to the transform queue. Safe to run in a
// parallel consumer group: runs are per-ticker independent and the guards
// make duplicate deliveries no-ops.
type Fetcher struct {
	service   *ingestion.Service
	client    PayloadFetcher
	store     objectstore.ObjectStore
	rawBucket string
	enqueuer  queue.Enqueuer
	logger    *slog.Logger
}

// NewFetcher creates a fetch worker.
func NewFetcher(
	service *ingestion.Service,
	client PayloadFetcher,
	store objectstore.ObjectStore,
	rawBucket string,
	enqueuer queue.Enqueuer,
	logger *slog.Logger,
) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Fetcher{
		service:   service,
		client:    client,
		store:     store,
		rawBucket: rawBucket,
		enqueuer:  enqueuer,
		logger:    logger.With("component", "fetch_worker"),
	}
}

// Process executes one fetch task. Classified errors bubble to the runner,
// which retries or fails the run according to the error class.
func (f *Fetcher) Process(ctx context.Context, task queue.Task) error {
	if task.RunID == uuid.Nil {
		return ingestion.Fatal(ingestion.CodeInvalidUUID, "fetch task carries no run id", nil)
	}

	run, err := f.service.Store().GetRun(ctx, task.RunID)
	if errors.Is(err, ingestion.ErrRunNotFound) {
		return ingestion.Fatal(ingestion.CodeRunNotFound,
			fmt.Sprintf("run %s not found", task.RunID), err)
	}

	if err != nil {
		return err
	}

	switch {
	case fetchSkipStates[run.State]:
		f.logger.Info("fetch skipped, payload already secured",
			slog.String("run_id", run.ID.String()),
			slog.String("state", run.State.String()),
			slog.String("raw_data_uri", derefString(run.RawDataURI)),
		)

		return nil

	case run.State == ingestion.StateFailed:
		return ingestion.Fatal(ingestion.CodeInvalidState,
			fmt.Sprintf("run %s is FAILED", run.ID), nil)

	case run.State == ingestion.StateQueuedForFetch:
		run, err = f.service.UpdateRunState(ctx, run.ID, ingestion.StateFetching)
		if err != nil {
			return err
		}

	case run.State == ingestion.StateFetching:
		// A redelivered task for a run already mid-fetch proceeds; the upload
		// key is deterministic, so a second upload is harmless.

	default:
		return ingestion.Fatal(ingestion.CodeInvalidState,
			fmt.Sprintf("run %s in unexpected state %s", run.ID, run.State), nil)
	}

	ticker := task.Ticker
	if run.Stock != nil {
		ticker = run.Stock.Ticker
	}

	payload, err := f.client.Fetch(ctx, ticker)
	if err != nil {
		return err
	}

	key := objectstore.RawDataKey(ticker, run.ID.String())
	if err := f.store.Put(ctx, f.rawBucket, key, payload); err != nil {
		return err
	}

	uri := objectstore.BuildURI(f.rawBucket, key)

	if _, err := f.service.UpdateRunState(ctx, run.ID, ingestion.StateFetched,
		ingestion.WithRawDataURI(uri)); err != nil {
		return err
	}

	if _, err := f.service.UpdateRunState(ctx, run.ID, ingestion.StateQueuedForTransform); err != nil {
		return err
	}

	if err := f.enqueuer.Enqueue(ctx, queue.Task{
		Kind:      queue.KindTransform,
		RunID:     run.ID,
		Ticker:    ticker,
		BulkRunID: task.BulkRunID,
	}); err != nil {
		return ingestion.Fatal(ingestion.CodeBrokerError, "transform enqueue failed", err)
	}

	f.logger.Info("payload fetched",
		slog.String("run_id", run.ID.String()),
		slog.String("ticker", ticker),
		slog.Int("bytes", len(payload)),
		slog.String("raw_data_uri", uri),
	)

	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
