package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/tickerflow-io/tickerflow/internal/bulk"
	"github.com/tickerflow-io/tickerflow/internal/events"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
)

func TestMemoryQueueForFetchIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryRunStore(nil)

	first, created, err := store.QueueForFetch(ctx, ingestion.QueueRequest{Ticker: "AAPL"})
	if err != nil {
		t.Fatalf("QueueForFetch: %v", err)
	}

	if !created {
		t.Fatal("first queue should create a run")
	}

	if first.State != ingestion.StateQueuedForFetch {
		t.Errorf("state = %s, want QUEUED_FOR_FETCH", first.State)
	}

	if first.QueuedForFetchAt == nil {
		t.Error("queued_for_fetch_at should be stamped")
	}

	second, created, err := store.QueueForFetch(ctx, ingestion.QueueRequest{Ticker: "AAPL"})
	if err != nil {
		t.Fatalf("QueueForFetch: %v", err)
	}

	if created {
		t.Error("second queue should hit the idempotent fast path")
	}

	if second.ID != first.ID {
		t.Errorf("second run id = %v, want %v", second.ID, first.ID)
	}
}

func TestMemoryUpdateRunStateLifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryRunStore(nil)

	run, _, err := store.QueueForFetch(ctx, ingestion.QueueRequest{Ticker: "MSFT"})
	if err != nil {
		t.Fatalf("QueueForFetch: %v", err)
	}

	sequence := []ingestion.State{
		ingestion.StateFetching,
		ingestion.StateFetched,
		ingestion.StateQueuedForTransform,
		ingestion.StateTransformRunning,
		ingestion.StateTransformFinished,
		ingestion.StateDone,
	}

	for _, state := range sequence {
		updated, err := store.UpdateRunState(ctx, run.ID, state)
		if err != nil {
			t.Fatalf("UpdateRunState(%s): %v", state, err)
		}

		if updated.State != state {
			t.Errorf("state = %s, want %s", updated.State, state)
		}
	}

	final, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}

	if final.DoneAt == nil || final.FetchingStartedAt == nil || final.TransformFinishedAt == nil {
		t.Error("phase timestamps should be stamped along the pipeline")
	}

	// Terminal runs are immutable.
	if _, err := store.UpdateRunState(ctx, run.ID, ingestion.StateFetching); !errors.Is(err, ingestion.ErrInvalidStateTransition) {
		t.Errorf("transition out of DONE = %v, want ErrInvalidStateTransition", err)
	}
}

func TestMemoryFailedRequiresErrorFields(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryRunStore(nil)

	run, _, _ := store.QueueForFetch(ctx, ingestion.QueueRequest{Ticker: "GOOG"})

	if _, err := store.UpdateRunState(ctx, run.ID, ingestion.StateFailed); !errors.Is(err, ingestion.ErrInvalidStateTransition) {
		t.Errorf("FAILED without error fields = %v, want ErrInvalidStateTransition", err)
	}

	failed, err := store.UpdateRunState(ctx, run.ID, ingestion.StateFailed,
		ingestion.WithError(ingestion.CodeAPITimeout, "upstream timed out"))
	if err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}

	if failed.ErrorCode == nil || *failed.ErrorCode != ingestion.CodeAPITimeout {
		t.Error("error code should be persisted on FAILED")
	}

	if failed.FailedAt == nil {
		t.Error("failed_at should be stamped")
	}
}

func TestMemoryRequeueAfterTerminal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryRunStore(nil)

	first, _, _ := store.QueueForFetch(ctx, ingestion.QueueRequest{Ticker: "AAPL"})
	_, err := store.UpdateRunState(ctx, first.ID, ingestion.StateFailed,
		ingestion.WithError(ingestion.CodeMaxRetriesExceeded, "gave up"))
	if err != nil {
		t.Fatalf("fail run: %v", err)
	}

	second, created, err := store.QueueForFetch(ctx, ingestion.QueueRequest{Ticker: "AAPL"})
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}

	if !created || second.ID == first.ID {
		t.Error("a terminal run should not block a new run for the same stock")
	}
}

func TestMemoryUpdateStockMetadata(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	bus := events.New()

	var published []string

	bus.Subscribe(func(c events.Change) {
		published = append(published, c.Entity)
	})

	store := NewMemoryRunStore(bus)

	if _, _, err := store.QueueForFetch(ctx, ingestion.QueueRequest{Ticker: "AAPL"}); err != nil {
		t.Fatalf("QueueForFetch: %v", err)
	}

	name := "Apple Inc."
	sector := "Technology"

	err := store.UpdateStockMetadata(ctx, "AAPL", ingestion.StockMetadata{
		Name:     &name,
		Sector:   &sector,
		Exchange: " nasdaq ",
	})
	if err != nil {
		t.Fatalf("UpdateStockMetadata: %v", err)
	}

	stock, err := store.GetStockByTicker(ctx, "AAPL")
	if err != nil {
		t.Fatalf("GetStockByTicker: %v", err)
	}

	if stock.Name == nil || *stock.Name != name {
		t.Error("name should be projected onto the stock")
	}

	if stock.ExchangeID == nil {
		t.Fatal("exchange should be linked")
	}

	exchange, ok := store.ExchangeByName("NASDAQ")
	if !ok {
		t.Fatal("exchange should be upserted under its normalized name")
	}

	if *stock.ExchangeID != exchange.ID {
		t.Error("stock should reference the upserted exchange")
	}

	// stock create + metadata stock/sector/exchange changes all published.
	want := map[string]bool{
		events.EntityStock:    false,
		events.EntitySector:   false,
		events.EntityExchange: false,
	}

	for _, entity := range published {
		want[entity] = true
	}

	for entity, seen := range want {
		if !seen {
			t.Errorf("expected %s change to be published", entity)
		}
	}

	if err := store.UpdateStockMetadata(ctx, "ZZZZ", ingestion.StockMetadata{}); !errors.Is(err, ingestion.ErrStockNotFound) {
		t.Errorf("unknown ticker error = %v, want ErrStockNotFound", err)
	}
}

func TestMemoryBulkCounters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryRunStore(nil)

	run, err := store.CreateBulkRun(ctx, "ops")
	if err != nil {
		t.Fatalf("CreateBulkRun: %v", err)
	}

	if err := store.MarkBulkRunStarted(ctx, run.ID, 3); err != nil {
		t.Fatalf("MarkBulkRunStarted: %v", err)
	}

	_ = store.AdjustBulkCounters(ctx, run.ID, bulk.CounterDelta{Queued: 1})
	_ = store.AdjustBulkCounters(ctx, run.ID, bulk.CounterDelta{Queued: 1})
	_ = store.AdjustBulkCounters(ctx, run.ID, bulk.CounterDelta{Queued: -1, Errors: 1})
	_ = store.AdjustBulkCounters(ctx, run.ID, bulk.CounterDelta{Skipped: 1})

	if err := store.MarkBulkRunCompleted(ctx, run.ID); err != nil {
		t.Fatalf("MarkBulkRunCompleted: %v", err)
	}

	final, _ := store.GetBulkRun(ctx, run.ID)

	if final.QueuedCount != 1 || final.SkippedCount != 1 || final.ErrorCount != 1 {
		t.Errorf("counters = %d/%d/%d, want 1/1/1", final.QueuedCount, final.SkippedCount, final.ErrorCount)
	}

	if final.TotalStocks != 3 || !final.Completed() {
		t.Error("total and completed_at should be recorded")
	}

	if err := store.AdjustBulkCounters(ctx, uuid.New(), bulk.CounterDelta{}); !errors.Is(err, ingestion.ErrBulkRunNotFound) {
		t.Errorf("unknown bulk run error = %v, want ErrBulkRunNotFound", err)
	}
}

func TestMemoryListRunsPagination(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryRunStore(nil)

	for i := range 5 {
		ticker := fmt.Sprintf("TICK%d", i)

		run, _, err := store.QueueForFetch(ctx, ingestion.QueueRequest{Ticker: ticker})
		if err != nil {
			t.Fatalf("QueueForFetch: %v", err)
		}

		// Half the runs reach a terminal state.
		if i%2 == 0 {
			if _, err := store.UpdateRunState(ctx, run.ID, ingestion.StateFailed,
				ingestion.WithError(ingestion.CodeAPIError, "not found upstream")); err != nil {
				t.Fatalf("fail run: %v", err)
			}
		}
	}

	page1, err := store.ListRuns(ctx, RunFilter{}, PageRequest{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}

	if len(page1.Items) != 2 || page1.NextCursor == "" {
		t.Fatalf("page1 = %d items, cursor %q", len(page1.Items), page1.NextCursor)
	}

	page2, err := store.ListRuns(ctx, RunFilter{}, PageRequest{Limit: 2, Cursor: page1.NextCursor})
	if err != nil {
		t.Fatalf("ListRuns page2: %v", err)
	}

	if len(page2.Items) != 2 {
		t.Fatalf("page2 = %d items, want 2", len(page2.Items))
	}

	// No overlap between pages.
	seen := map[uuid.UUID]bool{}
	for _, run := range append(page1.Items, page2.Items...) {
		if seen[run.ID] {
			t.Errorf("run %v appeared on two pages", run.ID)
		}

		seen[run.ID] = true
	}

	terminal := true

	filtered, err := store.ListRuns(ctx, RunFilter{IsTerminal: &terminal}, PageRequest{})
	if err != nil {
		t.Fatalf("ListRuns terminal: %v", err)
	}

	if len(filtered.Items) != 3 {
		t.Errorf("terminal runs = %d, want 3", len(filtered.Items))
	}

	for _, run := range filtered.Items {
		if !run.State.Terminal() {
			t.Errorf("run %v state %s is not terminal", run.ID, run.State)
		}
	}

	inProgress := true

	active, err := store.ListRuns(ctx, RunFilter{IsInProgress: &inProgress}, PageRequest{})
	if err != nil {
		t.Fatalf("ListRuns in progress: %v", err)
	}

	if len(active.Items) != 2 {
		t.Errorf("in-progress runs = %d, want 2", len(active.Items))
	}
}

func TestMemoryListStocksFilters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryRunStore(nil)

	seed := []struct {
		ticker string
		sector string
	}{
		{"AAPL", "Technology"},
		{"MSFT", "Technology"},
		{"XOM", "Energy"},
	}

	for _, s := range seed {
		if _, err := store.GetOrCreateStock(ctx, s.ticker); err != nil {
			t.Fatalf("GetOrCreateStock: %v", err)
		}

		sector := s.sector
		if err := store.UpdateStockMetadata(ctx, s.ticker, ingestion.StockMetadata{Sector: &sector}); err != nil {
			t.Fatalf("UpdateStockMetadata: %v", err)
		}
	}

	tech, err := store.ListStocks(ctx, StockFilter{Sector: "technology"}, PageRequest{})
	if err != nil {
		t.Fatalf("ListStocks: %v", err)
	}

	if len(tech.Items) != 2 {
		t.Errorf("technology stocks = %d, want 2", len(tech.Items))
	}

	contains, err := store.ListStocks(ctx, StockFilter{TickerContains: "ap"}, PageRequest{})
	if err != nil {
		t.Fatalf("ListStocks contains: %v", err)
	}

	if len(contains.Items) != 1 || contains.Items[0].Ticker != "AAPL" {
		t.Errorf("ticker contains 'ap' = %v", contains.Items)
	}
}

func TestMemoryGetBulkRunStats(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryRunStore(nil)

	bulkRun, _ := store.CreateBulkRun(ctx, "")

	for i := range 3 {
		run, _, err := store.QueueForFetch(ctx, ingestion.QueueRequest{
			Ticker:    fmt.Sprintf("BK%d", i),
			BulkRunID: &bulkRun.ID,
		})
		if err != nil {
			t.Fatalf("QueueForFetch: %v", err)
		}

		if i == 0 {
			if _, err := store.UpdateRunState(ctx, run.ID, ingestion.StateFetching); err != nil {
				t.Fatalf("UpdateRunState: %v", err)
			}
		}
	}

	stats, err := store.GetBulkRunStats(ctx, bulkRun.ID)
	if err != nil {
		t.Fatalf("GetBulkRunStats: %v", err)
	}

	if stats.StateCounts[ingestion.StateQueuedForFetch] != 2 {
		t.Errorf("QUEUED_FOR_FETCH count = %d, want 2", stats.StateCounts[ingestion.StateQueuedForFetch])
	}

	if stats.StateCounts[ingestion.StateFetching] != 1 {
		t.Errorf("FETCHING count = %d, want 1", stats.StateCounts[ingestion.StateFetching])
	}

	if _, err := store.GetBulkRunStats(ctx, uuid.New()); !errors.Is(err, ingestion.ErrBulkRunNotFound) {
		t.Errorf("unknown bulk run stats error = %v, want ErrBulkRunNotFound", err)
	}
}
