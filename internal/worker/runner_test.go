package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/queue"
)

func TestRunnerRetriesRetryableFailure(t *testing.T) {
	f := newFixture(t)
	run := f.queueRun(t, "AAPL")
	f.upstream.err = ingestion.Retryable(ingestion.CodeAPIRateLimit, "upstream throttled", nil)

	err := f.runner.handle(context.Background(), queue.KindFetch, queue.Task{
		Kind:   queue.KindFetch,
		RunID:  run.ID,
		Ticker: "AAPL",
	})
	require.NoError(t, err, "a retried task is settled, not errored")

	tasks := f.q.Tasks(queue.KindFetch)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].Attempt)
	assert.Equal(t, run.ID, tasks[0].RunID)

	// Run stays active while retries remain.
	assert.Equal(t, ingestion.StateFetching, f.runState(t, run.ID).State)
}

func TestRunnerExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	run := f.queueRun(t, "AAPL")
	f.upstream.err = ingestion.Retryable(ingestion.CodeAPIFetchError, "upstream 503", nil)

	// Third delivery: two attempts already completed.
	err := f.runner.handle(context.Background(), queue.KindFetch, queue.Task{
		Kind:    queue.KindFetch,
		RunID:   run.ID,
		Ticker:  "AAPL",
		Attempt: queue.MaxAttempts - 1,
	})
	require.Error(t, err)

	after := f.runState(t, run.ID)
	assert.Equal(t, ingestion.StateFailed, after.State)
	require.NotNil(t, after.ErrorCode)
	assert.Equal(t, ingestion.CodeMaxRetriesExceeded, *after.ErrorCode)

	assert.Empty(t, f.q.Tasks(queue.KindFetch), "no further retries after exhaustion")

	require.Len(t, f.notifier.runs, 1)
	assert.Equal(t, ingestion.StateFailed, f.notifier.runs[0].State)
}

func TestRunnerFatalFailsImmediately(t *testing.T) {
	f := newFixture(t)
	run := f.queueRun(t, "AAPL")
	f.upstream.err = ingestion.Fatal(ingestion.CodeAPIAuthentication, "bad token", nil)

	err := f.runner.handle(context.Background(), queue.KindFetch, queue.Task{
		Kind:   queue.KindFetch,
		RunID:  run.ID,
		Ticker: "AAPL",
	})
	require.Error(t, err)

	after := f.runState(t, run.ID)
	assert.Equal(t, ingestion.StateFailed, after.State)
	require.NotNil(t, after.ErrorCode)
	assert.Equal(t, ingestion.CodeAPIAuthentication, *after.ErrorCode)
	assert.Empty(t, f.q.Tasks(queue.KindFetch))
}

func TestRunnerPipelineEndToEnd(t *testing.T) {
	f := newFixture(t)
	run := f.queueRun(t, "AAPL")

	require.NoError(t, f.q.Enqueue(context.Background(), queue.Task{
		Kind:   queue.KindFetch,
		RunID:  run.ID,
		Ticker: "AAPL",
	}))

	f.drain(t)

	after := f.runState(t, run.ID)
	assert.Equal(t, ingestion.StateDone, after.State)
	assert.NotNil(t, after.RawDataURI)
	assert.NotNil(t, after.ProcessedDataURI)

	// The projector ran: descriptive fields landed on the stock.
	stock, err := f.store.GetStockByTicker(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotNil(t, stock.Sector)
	assert.Equal(t, "Technology", *stock.Sector)

	_, ok := f.store.ExchangeByName("NASDAQ")
	assert.True(t, ok)

	require.Len(t, f.notifier.runs, 1)
	assert.Equal(t, ingestion.StateDone, f.notifier.runs[0].State)
}

func TestRunnerBulkDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, ticker := range []string{"AAPL", "MSFT", "NVDA"} {
		_, err := f.store.GetOrCreateStock(ctx, ticker)
		require.NoError(t, err)
	}

	bulkRun, err := f.store.CreateBulkRun(ctx, "ops")
	require.NoError(t, err)

	require.NoError(t, f.q.Enqueue(ctx, queue.Task{
		Kind:  queue.KindBulk,
		RunID: bulkRun.ID,
	}))

	f.drain(t)

	final, err := f.store.GetBulkRun(ctx, bulkRun.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, final.TotalStocks)
	assert.Equal(t, 3, final.QueuedCount)
	assert.Zero(t, final.SkippedCount)
	assert.Zero(t, final.ErrorCount)
	assert.NotNil(t, final.CompletedAt)

	// Every fan-out run went all the way to DONE.
	for _, ticker := range []string{"AAPL", "MSFT", "NVDA"} {
		stock, err := f.store.GetStockByTicker(ctx, ticker)
		require.NoError(t, err)

		run, err := f.store.LatestRunForStock(ctx, stock.ID)
		require.NoError(t, err)
		assert.Equal(t, ingestion.StateDone, run.State, ticker)
	}
}

func TestRunnerUnknownKind(t *testing.T) {
	f := newFixture(t)

	err := f.runner.handle(context.Background(), queue.Kind("mystery"), queue.Task{})
	require.Error(t, err)
	assert.Equal(t, ingestion.CodeValidationError, ingestion.CodeOf(err))
}
