package bulk

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/queue"
)

// fakeBulkStore implements Store in memory with the same counter arithmetic
// contract as the PostgreSQL store.
type fakeBulkStore struct {
	runs    map[uuid.UUID]*ingestion.BulkQueueRun
	tickers []string

	listErr error
}

func newFakeBulkStore(tickers ...string) *fakeBulkStore {
	return &fakeBulkStore{
		runs:    make(map[uuid.UUID]*ingestion.BulkQueueRun),
		tickers: tickers,
	}
}

func (f *fakeBulkStore) CreateBulkRun(_ context.Context, requestedBy string) (*ingestion.BulkQueueRun, error) {
	run := &ingestion.BulkQueueRun{ID: uuid.New(), CreatedAt: time.Now()}
	if requestedBy != "" {
		run.RequestedBy = &requestedBy
	}

	f.runs[run.ID] = run

	return run, nil
}

func (f *fakeBulkStore) GetBulkRun(_ context.Context, id uuid.UUID) (*ingestion.BulkQueueRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, ingestion.ErrBulkRunNotFound
	}

	copied := *run

	return &copied, nil
}

func (f *fakeBulkStore) MarkBulkRunStarted(_ context.Context, id uuid.UUID, totalStocks int) error {
	run, ok := f.runs[id]
	if !ok {
		return ingestion.ErrBulkRunNotFound
	}

	now := time.Now()
	run.StartedAt = &now
	run.TotalStocks = totalStocks

	return nil
}

func (f *fakeBulkStore) MarkBulkRunCompleted(_ context.Context, id uuid.UUID) error {
	run, ok := f.runs[id]
	if !ok {
		return ingestion.ErrBulkRunNotFound
	}

	now := time.Now()
	run.CompletedAt = &now

	return nil
}

func (f *fakeBulkStore) AdjustBulkCounters(_ context.Context, id uuid.UUID, delta CounterDelta) error {
	run, ok := f.runs[id]
	if !ok {
		return ingestion.ErrBulkRunNotFound
	}

	run.QueuedCount += delta.Queued
	run.SkippedCount += delta.Skipped
	run.ErrorCount += delta.Errors

	return nil
}

func (f *fakeBulkStore) ListTickers(_ context.Context, _ string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}

	return f.tickers, nil
}

// fakeRunStore implements ingestion.Store with just enough behavior for the
// orchestrator: idempotent queueing and state updates.
type fakeRunStore struct {
	stocks map[string]*ingestion.Stock
	runs   map[uuid.UUID]*ingestion.IngestionRun

	failTickers map[string]error
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		stocks:      make(map[string]*ingestion.Stock),
		runs:        make(map[uuid.UUID]*ingestion.IngestionRun),
		failTickers: make(map[string]error),
	}
}

func (f *fakeRunStore) GetOrCreateStock(_ context.Context, ticker string) (*ingestion.Stock, error) {
	if stock, ok := f.stocks[ticker]; ok {
		return stock, nil
	}

	stock := &ingestion.Stock{ID: uuid.New(), Ticker: ticker, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.stocks[ticker] = stock

	return stock, nil
}

func (f *fakeRunStore) GetStockByTicker(_ context.Context, ticker string) (*ingestion.Stock, error) {
	stock, ok := f.stocks[ticker]
	if !ok {
		return nil, ingestion.ErrStockNotFound
	}

	return stock, nil
}

func (f *fakeRunStore) GetRun(_ context.Context, runID uuid.UUID) (*ingestion.IngestionRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, ingestion.ErrRunNotFound
	}

	return run, nil
}

func (f *fakeRunStore) LatestRunForStock(_ context.Context, stockID uuid.UUID) (*ingestion.IngestionRun, error) {
	var latest *ingestion.IngestionRun

	for _, run := range f.runs {
		if run.StockID != stockID {
			continue
		}

		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			latest = run
		}
	}

	if latest == nil {
		return nil, ingestion.ErrRunNotFound
	}

	return latest, nil
}

func (f *fakeRunStore) ActiveRuns(context.Context) ([]*ingestion.IngestionRun, error) {
	var active []*ingestion.IngestionRun

	for _, run := range f.runs {
		if run.State.Active() {
			active = append(active, run)
		}
	}

	return active, nil
}

func (f *fakeRunStore) LatestDoneRun(context.Context, uuid.UUID) (*ingestion.IngestionRun, error) {
	return nil, ingestion.ErrRunNotFound
}

func (f *fakeRunStore) QueueForFetch(ctx context.Context, req ingestion.QueueRequest) (*ingestion.IngestionRun, bool, error) {
	if err, ok := f.failTickers[req.Ticker]; ok {
		return nil, false, err
	}

	stock, err := f.GetOrCreateStock(ctx, req.Ticker)
	if err != nil {
		return nil, false, err
	}

	for _, run := range f.runs {
		if run.StockID == stock.ID && run.State.Active() {
			return run, false, nil
		}
	}

	now := time.Now()
	run := &ingestion.IngestionRun{
		ID:               uuid.New(),
		StockID:          stock.ID,
		BulkRunID:        req.BulkRunID,
		State:            ingestion.StateQueuedForFetch,
		QueuedForFetchAt: &now,
		CreatedAt:        now,
		UpdatedAt:        now,
		Stock:            stock,
	}
	f.runs[run.ID] = run

	return run, true, nil
}

func (f *fakeRunStore) UpdateRunState(
	_ context.Context,
	runID uuid.UUID,
	newState ingestion.State,
	opts ...ingestion.TransitionOption,
) (*ingestion.IngestionRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, ingestion.ErrRunNotFound
	}

	if err := ingestion.ValidateTransition(run.State, newState); err != nil {
		return nil, err
	}

	var tr ingestion.Transition
	for _, opt := range opts {
		opt(&tr)
	}

	run.State = newState
	if tr.ErrorCode != "" {
		run.ErrorCode = &tr.ErrorCode
		run.ErrorMessage = &tr.ErrorMessage
	}

	run.UpdatedAt = time.Now()

	return run, nil
}

func (f *fakeRunStore) LinkRunToBulk(_ context.Context, runID, bulkRunID uuid.UUID) error {
	run, ok := f.runs[runID]
	if !ok {
		return ingestion.ErrRunNotFound
	}

	if run.BulkRunID == nil {
		run.BulkRunID = &bulkRunID
	}

	return nil
}

func (f *fakeRunStore) HealthCheck(context.Context) error { return nil }

func newTestOrchestrator(bulkStore *fakeBulkStore, runStore *fakeRunStore, q *queue.Memory) *Orchestrator {
	logger := slog.New(slog.DiscardHandler)
	service := ingestion.NewService(runStore, logger)

	return NewOrchestrator(bulkStore, service, q, logger)
}

func TestRunFansOutAllTickers(t *testing.T) {
	ctx := context.Background()
	bulkStore := newFakeBulkStore("AAPL", "GOOG", "MSFT")
	runStore := newFakeRunStore()
	q := queue.NewMemory()

	bulkRun, err := bulkStore.CreateBulkRun(ctx, "tester")
	if err != nil {
		t.Fatalf("create bulk run: %v", err)
	}

	orch := newTestOrchestrator(bulkStore, runStore, q)

	summary, err := orch.Run(ctx, bulkRun.ID, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.TotalStocks != 3 || summary.Queued != 3 || summary.Skipped != 0 || summary.Errors != 0 {
		t.Errorf("summary = %+v, want 3 queued out of 3", summary)
	}

	if got := len(q.Tasks(queue.KindFetch)); got != 3 {
		t.Errorf("fetch tasks = %d, want 3", got)
	}

	stored, err := bulkStore.GetBulkRun(ctx, bulkRun.ID)
	if err != nil {
		t.Fatalf("get bulk run: %v", err)
	}

	if stored.StartedAt == nil || stored.CompletedAt == nil {
		t.Error("started_at and completed_at should both be stamped")
	}

	for _, task := range q.Tasks(queue.KindFetch) {
		if task.BulkRunID == nil || *task.BulkRunID != bulkRun.ID {
			t.Errorf("task %s missing bulk run id", task.Ticker)
		}
	}
}

func TestRunSkipsActiveRuns(t *testing.T) {
	ctx := context.Background()
	bulkStore := newFakeBulkStore("AAPL", "GOOG")
	runStore := newFakeRunStore()
	q := queue.NewMemory()

	// AAPL already has an active run from an earlier single-ticker request.
	if _, _, err := runStore.QueueForFetch(ctx, ingestion.QueueRequest{Ticker: "AAPL"}); err != nil {
		t.Fatalf("seed active run: %v", err)
	}

	bulkRun, _ := bulkStore.CreateBulkRun(ctx, "")
	orch := newTestOrchestrator(bulkStore, runStore, q)

	summary, err := orch.Run(ctx, bulkRun.ID, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Queued != 1 || summary.Skipped != 1 || summary.Errors != 0 {
		t.Errorf("summary = %+v, want 1 queued 1 skipped", summary)
	}

	if got := len(q.Tasks(queue.KindFetch)); got != 1 {
		t.Errorf("fetch tasks = %d, want 1 (skipped run must not be enqueued)", got)
	}

	// The pre-existing run gets linked to this bulk run.
	status, err := ingestion.NewService(runStore, slog.New(slog.DiscardHandler)).GetStatus(ctx, "AAPL")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}

	run, err := runStore.GetRun(ctx, *status.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}

	if run.BulkRunID == nil || *run.BulkRunID != bulkRun.ID {
		t.Error("pre-existing run should be linked to the bulk run")
	}
}

func TestRunCountsTickerErrorsAndContinues(t *testing.T) {
	ctx := context.Background()
	bulkStore := newFakeBulkStore("AAPL", "BROKE", "MSFT")
	runStore := newFakeRunStore()
	runStore.failTickers["BROKE"] = errors.New("storage down")
	q := queue.NewMemory()

	bulkRun, _ := bulkStore.CreateBulkRun(ctx, "")
	orch := newTestOrchestrator(bulkStore, runStore, q)

	summary, err := orch.Run(ctx, bulkRun.ID, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Queued != 2 || summary.Errors != 1 {
		t.Errorf("summary = %+v, want 2 queued 1 error", summary)
	}

	stored, _ := bulkStore.GetBulkRun(ctx, bulkRun.ID)
	if stored.CompletedAt == nil {
		t.Error("a per-ticker failure must not prevent completion")
	}
}

func TestRunEnqueueFailureFailsRunAndCompensatesCounters(t *testing.T) {
	ctx := context.Background()
	bulkStore := newFakeBulkStore("AAPL")
	runStore := newFakeRunStore()
	q := queue.NewMemory()
	q.FailNext = errors.New("broker unreachable")

	bulkRun, _ := bulkStore.CreateBulkRun(ctx, "")
	orch := newTestOrchestrator(bulkStore, runStore, q)

	summary, err := orch.Run(ctx, bulkRun.ID, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Queued != 0 || summary.Errors != 1 {
		t.Errorf("summary = %+v, want queued rolled back and 1 error", summary)
	}

	// The orphaned run must be FAILED with a broker error code.
	stock, err := runStore.GetStockByTicker(ctx, "AAPL")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}

	run, err := runStore.LatestRunForStock(ctx, stock.ID)
	if err != nil {
		t.Fatalf("latest run: %v", err)
	}

	if run.State != ingestion.StateFailed {
		t.Errorf("run state = %s, want FAILED", run.State)
	}

	if run.ErrorCode == nil || *run.ErrorCode != ingestion.CodeBrokerError {
		t.Error("run should carry BROKER_ERROR")
	}
}

func TestRunMissingBulkRunIsFatal(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(newFakeBulkStore(), newFakeRunStore(), queue.NewMemory())

	_, err := orch.Run(ctx, uuid.New(), "")
	if err == nil {
		t.Fatal("expected error for unknown bulk run")
	}

	if ingestion.IsRetryable(err) {
		t.Error("missing bulk run must be fatal, not retryable")
	}
}
