package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tickerflow-io/tickerflow/internal/aliasing"
	"github.com/tickerflow-io/tickerflow/internal/cache"
	"github.com/tickerflow-io/tickerflow/internal/events"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/objectstore"
	"github.com/tickerflow-io/tickerflow/internal/queue"
	"github.com/tickerflow-io/tickerflow/internal/storage"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	store   *storage.MemoryRunStore
	queue   *queue.Memory
	objects *objectstore.MemoryStore
}

func testConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
		LogLevel:        slog.LevelError,
		MaxRequestSize:  defaultMaxRequestSize,
	}
}

// newTestEnv wires a server against in-memory fakes. Auth and rate limiting
// stay disabled; the auth path has its own test below.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemoryRunStore(nil)
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))

	env := &testEnv{
		store:   store,
		queue:   queue.NewMemory(),
		objects: objectstore.NewMemoryStore(),
	}

	env.server = NewServer(testConfig(), Dependencies{
		Service:   ingestion.NewService(store, logger),
		Queries:   store,
		BulkStore: store,
		Enqueuer:  env.queue,
		Objects:   env.objects,
		Symbols:   aliasing.NewResolver(aliasing.DefaultConfig()),
	})
	env.handler = env.server.httpServer.Handler

	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}

		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}

	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	return decodeBody[ErrorEnvelope](t, rec).Error.Code
}

func TestQueueTickerCreatesRun(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "aapl"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	resp := decodeBody[QueueTickerResponse](t, rec)
	if !resp.Created {
		t.Error("created = false, want true")
	}

	if resp.Run.Ticker != "AAPL" {
		t.Errorf("ticker = %q, want AAPL", resp.Run.Ticker)
	}

	if resp.Run.State != string(ingestion.StateQueuedForFetch) {
		t.Errorf("state = %q, want QUEUED_FOR_FETCH", resp.Run.State)
	}

	tasks := env.queue.Tasks(queue.KindFetch)
	if len(tasks) != 1 {
		t.Fatalf("fetch tasks = %d, want 1", len(tasks))
	}

	if tasks[0].RunID != resp.Run.ID || tasks[0].Ticker != "AAPL" {
		t.Errorf("task = %+v, does not match created run %s", tasks[0], resp.Run.ID)
	}
}

// Vendor symbol formats resolve to the canonical ticker before validation.
func TestQueueTickerVendorSymbol(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "BRK.B"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	resp := decodeBody[QueueTickerResponse](t, rec)
	if resp.Run.Ticker != "BRKB" {
		t.Errorf("ticker = %q, want BRKB", resp.Run.Ticker)
	}
}

func TestQueueTickerIdempotent(t *testing.T) {
	env := newTestEnv(t)

	first := decodeBody[QueueTickerResponse](t,
		env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "AAPL"}))

	rec := env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "AAPL"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	second := decodeBody[QueueTickerResponse](t, rec)
	if second.Created {
		t.Error("created = true on repeat queue, want false")
	}

	if second.Run.ID != first.Run.ID {
		t.Errorf("run id = %s, want existing run %s", second.Run.ID, first.Run.ID)
	}

	if got := len(env.queue.Tasks(queue.KindFetch)); got != 1 {
		t.Errorf("fetch tasks = %d, want 1 (no duplicate enqueue)", got)
	}
}

func TestQueueTickerValidation(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/ticker/queue",
			bytes.NewReader([]byte(`{"ticker":"AAPL"}`)))
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/ticker/queue",
			bytes.NewReader([]byte(`{"ticker":`)))
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}

		if code := errorCode(t, rec); code != ingestion.CodeValidationError {
			t.Errorf("code = %q, want VALIDATION_ERROR", code)
		}
	})

	t.Run("invalid ticker", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "NOT A TICKER"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
		}

		if code := errorCode(t, rec); code != ingestion.CodeValidationError {
			t.Errorf("code = %q, want VALIDATION_ERROR", code)
		}
	})

	t.Run("ticker over ten chars", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "ABCDEFGHIJK"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
		}

		if code := errorCode(t, rec); code != ingestion.CodeValidationError {
			t.Errorf("code = %q, want VALIDATION_ERROR", code)
		}
	})
}

func TestQueueTickerBrokerFailure(t *testing.T) {
	env := newTestEnv(t)

	env.queue.FailNext = errors.New("broker down")

	rec := env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "AAPL"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500: %s", rec.Code, rec.Body.String())
	}

	envelope := decodeBody[ErrorEnvelope](t, rec)
	if envelope.Error.Code != ingestion.CodeBrokerError {
		t.Errorf("code = %q, want BROKER_ERROR", envelope.Error.Code)
	}

	rawID, ok := envelope.Error.Details["run_id"].(string)
	if !ok {
		t.Fatalf("details.run_id missing: %+v", envelope.Error.Details)
	}

	runID, err := uuid.Parse(rawID)
	if err != nil {
		t.Fatalf("details.run_id not a uuid: %v", err)
	}

	run, err := env.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}

	if run.State != ingestion.StateFailed {
		t.Errorf("run state = %s, want FAILED", run.State)
	}

	if run.ErrorCode == nil || *run.ErrorCode != ingestion.CodeBrokerError {
		t.Errorf("run error code = %v, want BROKER_ERROR", run.ErrorCode)
	}
}

func TestTickerStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/ticker/AAPL/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status for unknown ticker = %d, want 404", rec.Code)
	}

	if code := errorCode(t, rec); code != ingestion.CodeStockNotFound {
		t.Errorf("code = %q, want STOCK_NOT_FOUND", code)
	}

	env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "AAPL"})

	rec = env.do(t, http.MethodGet, "/ticker/aapl/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	status := decodeBody[StatusResponse](t, rec)
	if status.Ticker != "AAPL" {
		t.Errorf("ticker = %q, want AAPL", status.Ticker)
	}

	if status.State == nil || *status.State != string(ingestion.StateQueuedForFetch) {
		t.Errorf("state = %v, want QUEUED_FOR_FETCH", status.State)
	}
}

func TestTickerDetail(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/ticker/MSFT/detail", nil); rec.Code != http.StatusNotFound {
		t.Errorf("detail for unknown ticker = %d, want 404", rec.Code)
	}

	env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "msft"})

	rec := env.do(t, http.MethodGet, "/ticker/msft/detail", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	stock := decodeBody[StockResponse](t, rec)
	if stock.Ticker != "MSFT" {
		t.Errorf("ticker = %q, want MSFT", stock.Ticker)
	}
}

func TestListTickersPagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, ticker := range []string{"AAPL", "MSFT", "NVDA"} {
		if _, err := env.store.GetOrCreateStock(ctx, ticker); err != nil {
			t.Fatalf("seed stock %s: %v", ticker, err)
		}
	}

	rec := env.do(t, http.MethodGet, "/tickers?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	page := decodeBody[StockListResponse](t, rec)
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(page.Items))
	}

	if page.NextCursor == "" {
		t.Fatal("next_cursor empty, want a cursor to the last page")
	}

	rec = env.do(t, http.MethodGet, "/tickers?limit=2&cursor="+page.NextCursor, nil)

	last := decodeBody[StockListResponse](t, rec)
	if len(last.Items) != 1 {
		t.Errorf("last page items = %d, want 1", len(last.Items))
	}

	if last.NextCursor != "" {
		t.Errorf("next_cursor = %q on last page, want empty", last.NextCursor)
	}

	if rec := env.do(t, http.MethodGet, "/tickers?cursor=garbage", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("garbage cursor status = %d, want 400", rec.Code)
	}
}

func TestListRunsFilters(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "AAPL"})
	env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "MSFT"})

	rec := env.do(t, http.MethodGet, "/runs?state=QUEUED_FOR_FETCH", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	page := decodeBody[RunListResponse](t, rec)
	if len(page.Items) != 2 {
		t.Errorf("items = %d, want 2", len(page.Items))
	}

	rec = env.do(t, http.MethodGet, "/runs?state=NOT_A_STATE", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad state status = %d, want 400", rec.Code)
	}

	if code := errorCode(t, rec); code != ingestion.CodeInvalidState {
		t.Errorf("code = %q, want INVALID_STATE", code)
	}

	rec = env.do(t, http.MethodGet, "/runs?ticker=AAPL", nil)

	page = decodeBody[RunListResponse](t, rec)
	if len(page.Items) != 1 || page.Items[0].Ticker != "AAPL" {
		t.Errorf("ticker filter returned %+v, want only AAPL", page.Items)
	}

	if rec := env.do(t, http.MethodGet, "/runs?is_terminal=maybe", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad boolean status = %d, want 400", rec.Code)
	}
}

func TestListRunsByTicker(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/runs/ticker/AAPL", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown ticker status = %d, want 404", rec.Code)
	}

	env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "AAPL"})

	rec := env.do(t, http.MethodGet, "/runs/ticker/aapl", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	page := decodeBody[RunListResponse](t, rec)
	if len(page.Items) != 1 {
		t.Errorf("items = %d, want 1", len(page.Items))
	}
}

func TestRunDetail(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/run/not-a-uuid/detail", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad uuid status = %d, want 400", rec.Code)
	}

	if code := errorCode(t, rec); code != ingestion.CodeInvalidUUID {
		t.Errorf("code = %q, want INVALID_UUID", code)
	}

	if rec := env.do(t, http.MethodGet, "/run/"+uuid.NewString()+"/detail", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", rec.Code)
	}

	created := decodeBody[QueueTickerResponse](t,
		env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "AAPL"}))

	rec = env.do(t, http.MethodGet, "/run/"+created.Run.ID.String()+"/detail", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	run := decodeBody[RunResponse](t, rec)
	if run.ID != created.Run.ID || !run.IsInProgress {
		t.Errorf("run = %+v, want in-progress run %s", run, created.Run.ID)
	}
}

func TestQueueAll(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/ticker/queue/all", QueueAllRequest{
		RequestedBy:    "ops",
		ExchangeFilter: "NYSE",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	bulkRun := decodeBody[BulkRunResponse](t, rec)
	if bulkRun.Completed {
		t.Error("completed = true on a fresh bulk run")
	}

	tasks := env.queue.Tasks(queue.KindBulk)
	if len(tasks) != 1 {
		t.Fatalf("bulk tasks = %d, want 1", len(tasks))
	}

	if tasks[0].RunID != bulkRun.ID || tasks[0].ExchangeFilter != "NYSE" {
		t.Errorf("task = %+v, want bulk run %s with NYSE filter", tasks[0], bulkRun.ID)
	}

	// Empty body starts an unfiltered fan-out.
	if rec := env.do(t, http.MethodPost, "/ticker/queue/all", nil); rec.Code != http.StatusAccepted {
		t.Errorf("empty body status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
}

func TestQueueAllBrokerFailure(t *testing.T) {
	env := newTestEnv(t)

	env.queue.FailNext = errors.New("broker down")

	rec := env.do(t, http.MethodPost, "/ticker/queue/all", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500: %s", rec.Code, rec.Body.String())
	}

	if code := errorCode(t, rec); code != ingestion.CodeBrokerError {
		t.Errorf("code = %q, want BROKER_ERROR", code)
	}
}

func TestListBulkRuns(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/ticker/queue/all", QueueAllRequest{RequestedBy: "ops"})
	env.do(t, http.MethodPost, "/ticker/queue/all", QueueAllRequest{RequestedBy: "cron"})

	rec := env.do(t, http.MethodGet, "/bulk-queue-runs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	page := decodeBody[BulkRunListResponse](t, rec)
	if len(page.Items) != 2 {
		t.Errorf("items = %d, want 2", len(page.Items))
	}

	rec = env.do(t, http.MethodGet, "/bulk-queue-runs?requested_by=ops", nil)

	page = decodeBody[BulkRunListResponse](t, rec)
	if len(page.Items) != 1 {
		t.Errorf("requested_by filter items = %d, want 1", len(page.Items))
	}

	if rec := env.do(t, http.MethodGet, "/bulk-queue-runs?completed=nope", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad completed status = %d, want 400", rec.Code)
	}
}

func TestBulkRunStats(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/bulk-queue-runs/nope/stats", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad uuid status = %d, want 400", rec.Code)
	}

	if rec := env.do(t, http.MethodGet, "/bulk-queue-runs/"+uuid.NewString()+"/stats", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown bulk run status = %d, want 404", rec.Code)
	}

	bulkRun := decodeBody[BulkRunResponse](t,
		env.do(t, http.MethodPost, "/ticker/queue/all", nil))

	rec := env.do(t, http.MethodGet, "/bulk-queue-runs/"+bulkRun.ID.String()+"/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	stats := decodeBody[BulkRunStatsResponse](t, rec)
	if stats.BulkRun.ID != bulkRun.ID {
		t.Errorf("bulk_run.id = %s, want %s", stats.BulkRun.ID, bulkRun.ID)
	}
}

// TestBulkRunStatsCached verifies the stats response is served from the TTL
// cache on repeat reads within the window.
func TestBulkRunStatsCached(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	env := newTestEnv(t)
	env.server.statsCache = cache.NewTTL(client, cache.BulkStatsTTL, slog.Default())

	bulkRun := decodeBody[BulkRunResponse](t,
		env.do(t, http.MethodPost, "/ticker/queue/all", nil))
	statsPath := "/bulk-queue-runs/" + bulkRun.ID.String() + "/stats"

	first := env.do(t, http.MethodGet, statsPath, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", first.Code, first.Body.String())
	}

	// Link a run to the bulk run behind the cache's back. The cached response
	// must not see it.
	queued := decodeBody[QueueTickerResponse](t,
		env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "AAPL"}))
	if err := env.store.LinkRunToBulk(context.Background(), queued.Run.ID, bulkRun.ID); err != nil {
		t.Fatalf("LinkRunToBulk: %v", err)
	}

	second := env.do(t, http.MethodGet, statsPath, nil)
	if second.Body.String() != first.Body.String() {
		t.Error("second read bypassed the cache")
	}

	// Expiry makes the new run visible.
	mr.FastForward(cache.BulkStatsTTL + time.Second)

	third := decodeBody[BulkRunStatsResponse](t, env.do(t, http.MethodGet, statsPath, nil))
	if third.StateCounts[string(ingestion.StateQueuedForFetch)] != 1 {
		t.Errorf("state_counts after expiry = %+v, want the linked run", third.StateCounts)
	}
}

func TestAllData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if rec := env.do(t, http.MethodGet, "/data/all-data/AAPL", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown ticker status = %d, want 404", rec.Code)
	}

	created := decodeBody[QueueTickerResponse](t,
		env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "AAPL"}))

	// No DONE run yet.
	if rec := env.do(t, http.MethodGet, "/data/all-data/AAPL", nil); rec.Code != http.StatusNotFound {
		t.Errorf("no DONE run status = %d, want 404", rec.Code)
	}

	payload := []byte(`{"symbol":"AAPL","price":189.5}`)
	key := objectstore.RawDataKey("AAPL", created.Run.ID.String())

	if err := env.objects.Put(ctx, "raw", key, payload); err != nil {
		t.Fatalf("put raw payload: %v", err)
	}

	uri := objectstore.BuildURI("raw", key)

	steps := []struct {
		state ingestion.State
		opts  []ingestion.TransitionOption
	}{
		{ingestion.StateFetching, nil},
		{ingestion.StateFetched, []ingestion.TransitionOption{ingestion.WithRawDataURI(uri)}},
		{ingestion.StateQueuedForTransform, nil},
		{ingestion.StateTransformRunning, nil},
		{ingestion.StateTransformFinished, nil},
		{ingestion.StateDone, nil},
	}
	for _, step := range steps {
		if _, err := env.store.UpdateRunState(ctx, created.Run.ID, step.state, step.opts...); err != nil {
			t.Fatalf("transition to %s: %v", step.state, err)
		}
	}

	rec := env.do(t, http.MethodGet, "/data/all-data/aapl", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Errorf("body = %q, want stored payload", rec.Body.String())
	}

	// Deleting the blob turns the endpoint into a 404 without touching the run.
	if err := env.objects.Delete(ctx, "raw", key); err != nil {
		t.Fatalf("delete raw payload: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/data/all-data/AAPL", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing object status = %d, want 404", rec.Code)
	}

	if code := errorCode(t, rec); code != ingestion.CodeMissingRawData {
		t.Errorf("code = %q, want MISSING_RAW_DATA", code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/ping", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Errorf("ping = %d %q, want 200 pong", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ready" {
		t.Errorf("ready = %d %q, want 200 ready", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rec.Code)
	}

	health := decodeBody[HealthStatus](t, rec)
	if health.Status != "healthy" || health.ServiceName != serviceName {
		t.Errorf("health = %+v", health)
	}

	rec = env.do(t, http.MethodGet, "/no/such/route", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d, want 404", rec.Code)
	}

	if code := errorCode(t, rec); code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", code)
	}
}

// TestAuthentication exercises the full middleware stack with a key store
// wired in: anonymous requests are rejected, bad keys are unauthorized, valid
// keys pass through, and health endpoints stay public.
func TestAuthentication(t *testing.T) {
	store := storage.NewMemoryRunStore(nil)
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	keys := storage.NewInMemoryKeyStore()

	validKey, err := storage.GenerateAPIKey("client-1")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if err := keys.Add(context.Background(), &storage.APIKey{
		ID:       uuid.NewString(),
		Key:      validKey,
		ClientID: "client-1",
		Name:     "test key",
		Active:   true,
	}); err != nil {
		t.Fatalf("add key: %v", err)
	}

	inactiveKey, err := storage.GenerateAPIKey("client-2")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if err := keys.Add(context.Background(), &storage.APIKey{
		ID:       uuid.NewString(),
		Key:      inactiveKey,
		ClientID: "client-2",
		Name:     "revoked key",
		Active:   false,
	}); err != nil {
		t.Fatalf("add inactive key: %v", err)
	}

	server := NewServer(testConfig(), Dependencies{
		Service:   ingestion.NewService(store, logger),
		Queries:   store,
		BulkStore: store,
		Enqueuer:  queue.NewMemory(),
		Objects:   objectstore.NewMemoryStore(),
		KeyStore:  keys,
	})
	handler := server.httpServer.Handler

	get := func(path, apiKey string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if apiKey != "" {
			req.Header.Set("X-Api-Key", apiKey)
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec
	}

	tests := []struct {
		name   string
		path   string
		apiKey string
		want   int
	}{
		{"anonymous request is forbidden", "/tickers", "", http.StatusForbidden},
		{"unknown key is unauthorized", "/tickers", "tickerflow_ak_" + fmt.Sprintf("%064d", 0), http.StatusUnauthorized},
		{"malformed key is unauthorized", "/tickers", "nonsense", http.StatusUnauthorized},
		{"inactive key is forbidden", "/tickers", inactiveKey, http.StatusForbidden},
		{"valid key passes", "/tickers", validKey, http.StatusOK},
		{"ping stays public", "/ping", "", http.StatusOK},
		{"ready stays public", "/ready", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(tt.path, tt.apiKey)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

// TestListTickersCached verifies ticker list pages are served from the page
// cache and evicted by the invalidation fabric on stock changes.
func TestListTickersCached(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	env := newTestEnv(t)
	env.server.pageCache = cache.NewTTL(client, cache.PageTTL, slog.Default())

	env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "AAPL"})

	first := env.do(t, http.MethodGet, "/tickers", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", first.Code, first.Body.String())
	}

	if got := decodeBody[StockListResponse](t, first); len(got.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(got.Items))
	}

	// A new stock behind the cache's back stays invisible until eviction.
	env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "MSFT"})

	second := env.do(t, http.MethodGet, "/tickers", nil)
	if second.Body.String() != first.Body.String() {
		t.Error("second read bypassed the cache")
	}

	fabric := cache.NewFabric(client, nil, slog.Default())
	fabric.OnChange(events.Change{Entity: events.EntityStock})

	third := decodeBody[StockListResponse](t, env.do(t, http.MethodGet, "/tickers", nil))
	if len(third.Items) != 2 {
		t.Errorf("items after eviction = %d, want 2", len(third.Items))
	}
}

// conflictStore simulates losing the creation race: the partial unique index
// rejected the insert because a concurrent request created a run first.
type conflictStore struct {
	*storage.MemoryRunStore
}

func (c *conflictStore) QueueForFetch(_ context.Context, _ ingestion.QueueRequest) (*ingestion.IngestionRun, bool, error) {
	return nil, false, ingestion.ErrDuplicateActiveRun
}

// TestQueueTickerRace verifies a lost creation race surfaces as 409 with the
// RACE_CONDITION envelope code and enqueues nothing.
func TestQueueTickerRace(t *testing.T) {
	env := newTestEnv(t)
	env.server.service = ingestion.NewService(&conflictStore{env.store}, slog.Default())

	rec := env.do(t, http.MethodPost, "/ticker/queue", QueueTickerRequest{Ticker: "AAPL"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}

	if code := errorCode(t, rec); code != ingestion.CodeRaceCondition {
		t.Errorf("code = %q, want RACE_CONDITION", code)
	}

	if len(env.queue.Tasks(queue.KindFetch)) != 0 {
		t.Error("lost race must not enqueue a fetch task")
	}
}
