package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tickerflow-io/tickerflow/internal/bulk"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/queue"
)

// Notifier reports terminal run transitions. Implementations must swallow
// their own errors; a failed notification never affects the pipeline.
type Notifier interface {
	NotifyRun(ctx context.Context, run *ingestion.IngestionRun)
}

// Runner dispatches queue tasks to the workers and applies the retry policy:
// retryable failures go back to the queue with backoff until MaxAttempts,
// fatal failures transition the run to FAILED with the taxonomy code.
type Runner struct {
	consumer     queue.Consumer
	enqueuer     queue.Enqueuer
	service      *ingestion.Service
	fetch        *Fetcher
	transform    *Transformer
	project      *Projector
	orchestrator *bulk.Orchestrator
	notifier     Notifier
	logger       *slog.Logger

	// sleep waits out the backoff before a re-enqueue; tests replace it.
	sleep func(ctx context.Context, d time.Duration)
}

// NewRunner wires the workers behind one dispatch loop. notifier may be nil.
func NewRunner(
	consumer queue.Consumer,
	enqueuer queue.Enqueuer,
	service *ingestion.Service,
	fetch *Fetcher,
	transform *Transformer,
	project *Projector,
	orchestrator *bulk.Orchestrator,
	notifier Notifier,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		consumer:     consumer,
		enqueuer:     enqueuer,
		service:      service,
		fetch:        fetch,
		transform:    transform,
		project:      project,
		orchestrator: orchestrator,
		notifier:     notifier,
		logger:       logger.With("component", "worker_runner"),
		sleep:        sleepContext,
	}
}

// Start runs one consumer loop per kind and blocks until every loop returns.
// Context cancellation is the normal shutdown path and is not an error.
func (r *Runner) Start(ctx context.Context, kinds ...queue.Kind) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fails []error
	)

	for _, kind := range kinds {
		wg.Add(1)

		go func(kind queue.Kind) {
			defer wg.Done()

			err := r.consumer.Consume(ctx, kind, r.Handler(kind))
			if err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				fails = append(fails, fmt.Errorf("%s consumer: %w", kind, err))
				mu.Unlock()
			}
		}(kind)
	}

	wg.Wait()

	return errors.Join(fails...)
}

// Handler returns the queue handler for one task kind.
func (r *Runner) Handler(kind queue.Kind) queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		return r.handle(ctx, kind, task)
	}
}

func (r *Runner) handle(ctx context.Context, kind queue.Kind, task queue.Task) error {
	var err error

	switch kind {
	case queue.KindFetch:
		err = r.fetch.Process(ctx, task)
	case queue.KindTransform:
		err = r.transform.Process(ctx, task)
	case queue.KindProject:
		err = r.project.Process(ctx, task)
	case queue.KindBulk:
		_, err = r.orchestrator.Run(ctx, task.RunID, task.ExchangeFilter)
	default:
		err = ingestion.Fatal(ingestion.CodeValidationError,
			fmt.Sprintf("unknown task kind %q", kind), nil)
	}

	if err == nil {
		return nil
	}

	return r.settle(ctx, kind, task, err)
}

// settle applies the retry policy to a failed task. The attempt that exhausts
// the budget fails the run with MAX_RETRIES_EXCEEDED; fatal errors fail it
// with their own code immediately.
func (r *Runner) settle(ctx context.Context, kind queue.Kind, task queue.Task, cause error) error {
	if ingestion.IsRetryable(cause) {
		attempt := task.Attempt + 1

		if attempt < queue.MaxAttempts {
			delay := queue.Backoff(task.Attempt)

			r.logger.Warn("task failed, retrying",
				slog.String("kind", string(kind)),
				slog.String("run_id", task.RunID.String()),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.String("error", cause.Error()),
			)

			r.sleep(ctx, delay)

			retry := task
			retry.Attempt = attempt
			retry.EnqueuedAt = time.Now().UTC()

			if err := r.enqueuer.Enqueue(ctx, retry); err != nil {
				r.failRun(ctx, kind, task, ingestion.CodeBrokerError, err.Error())

				return fmt.Errorf("retry enqueue: %w", err)
			}

			return nil
		}

		r.failRun(ctx, kind, task, ingestion.CodeMaxRetriesExceeded, cause.Error())

		return cause
	}

	r.failRun(ctx, kind, task, ingestion.CodeOf(cause), cause.Error())

	return cause
}

// failRun marks the task's ingestion run FAILED. Projection and bulk tasks
// have no run lifecycle of their own, so their failures are only logged.
func (r *Runner) failRun(ctx context.Context, kind queue.Kind, task queue.Task, code, message string) {
	if kind != queue.KindFetch && kind != queue.KindTransform {
		r.logger.Error("task failed",
			slog.String("kind", string(kind)),
			slog.String("run_id", task.RunID.String()),
			slog.String("code", code),
			slog.String("error", message),
		)

		return
	}

	run, err := r.service.MarkRunFailed(ctx, task.RunID, code, message)
	if err != nil {
		// Already terminal or gone: nothing left to record.
		if errors.Is(err, ingestion.ErrInvalidStateTransition) || errors.Is(err, ingestion.ErrRunNotFound) {
			r.logger.Warn("could not mark run FAILED",
				slog.String("run_id", task.RunID.String()),
				slog.String("code", code),
				slog.String("error", err.Error()),
			)

			return
		}

		r.logger.Error("FAILED transition errored",
			slog.String("run_id", task.RunID.String()),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)

		return
	}

	r.logger.Error("run failed",
		slog.String("run_id", run.ID.String()),
		slog.String("code", code),
		slog.String("error", message),
	)

	if r.notifier != nil {
		r.notifier.NotifyRun(ctx, run)
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
