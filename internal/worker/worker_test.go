package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tickerflow-io/tickerflow/internal/bulk"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/objectstore"
	"github.com/tickerflow-io/tickerflow/internal/queue"
	"github.com/tickerflow-io/tickerflow/internal/storage"
	"github.com/tickerflow-io/tickerflow/internal/unified"
)

const (
	testRawBucket   = "tickerflow-raw"
	testTableBucket = "tickerflow-tables"
)

const testPayload = `{
  "data": {
    "financials": {
      "quarterly": {
        "period_end_date": ["2024-03-31", "2024-06-30"],
        "revenue": [90000, 94000],
        "net_income": [20000, 22000]
      },
      "ttm": {"revenue": 360000}
    },
    "metadata": {
      "company_name": "Apple Inc.",
      "sector": "Technology",
      "exchange": "NASDAQ"
    }
  }
}`

type fakeUpstream struct {
	payload []byte
	err     error
	calls   int
}

func (f *fakeUpstream) Fetch(context.Context, string) ([]byte, error) {
	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	return f.payload, nil
}

type fakeNotifier struct {
	runs []*ingestion.IngestionRun
}

func (f *fakeNotifier) NotifyRun(_ context.Context, run *ingestion.IngestionRun) {
	f.runs = append(f.runs, run)
}

type fixture struct {
	store       *storage.MemoryRunStore
	service     *ingestion.Service
	objects     *objectstore.MemoryStore
	table       *unified.DeltaTable
	q           *queue.Memory
	upstream    *fakeUpstream
	notifier    *fakeNotifier
	fetcher     *Fetcher
	transformer *Transformer
	projector   *Projector
	runner      *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		store:    storage.NewMemoryRunStore(nil),
		objects:  objectstore.NewMemoryStore(),
		q:        queue.NewMemory(),
		upstream: &fakeUpstream{payload: []byte(testPayload)},
		notifier: &fakeNotifier{},
	}

	f.service = ingestion.NewService(f.store, logger)
	f.table = unified.NewDeltaTable(f.objects, testTableBucket)
	f.fetcher = NewFetcher(f.service, f.upstream, f.objects, testRawBucket, f.q, logger)
	f.transformer = NewTransformer(f.service, f.objects, f.table, f.q, f.notifier, logger)
	f.projector = NewProjector(f.table, f.store, logger)

	orchestrator := bulk.NewOrchestrator(f.store, f.service, f.q, logger)

	f.runner = NewRunner(f.q, f.q, f.service, f.fetcher, f.transformer, f.projector,
		orchestrator, f.notifier, logger)
	f.runner.sleep = func(context.Context, time.Duration) {}

	return f
}

// queueRun creates a QUEUED_FOR_FETCH run for the ticker.
func (f *fixture) queueRun(t *testing.T, ticker string) *ingestion.IngestionRun {
	t.Helper()

	run, created, err := f.service.QueueForFetch(context.Background(), ingestion.QueueRequest{
		Ticker:      ticker,
		RequestedBy: "test",
	})
	require.NoError(t, err)
	require.True(t, created)

	return run
}

// advanceRun walks a run through the given states in order.
func (f *fixture) advanceRun(t *testing.T, runID uuid.UUID, states ...ingestion.State) {
	t.Helper()

	for _, state := range states {
		_, err := f.service.UpdateRunState(context.Background(), runID, state)
		require.NoError(t, err)
	}
}

func (f *fixture) runState(t *testing.T, runID uuid.UUID) *ingestion.IngestionRun {
	t.Helper()

	run, err := f.store.GetRun(context.Background(), runID)
	require.NoError(t, err)

	return run
}

// drain processes queued tasks through the runner until every topic is empty.
func (f *fixture) drain(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	kinds := []queue.Kind{queue.KindBulk, queue.KindFetch, queue.KindTransform, queue.KindProject}

	for i := 0; i < 100; i++ {
		progressed := false

		for _, kind := range kinds {
			task, ok := f.q.Pop(kind)
			if !ok {
				continue
			}

			progressed = true
			_ = f.runner.handle(ctx, kind, task)
		}

		if !progressed {
			return
		}
	}

	t.Fatal("queue did not drain")
}
