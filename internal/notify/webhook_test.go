package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRun(state ingestion.State) *ingestion.IngestionRun {
	now := time.Now().UTC()

	return &ingestion.IngestionRun{
		ID:               uuid.New(),
		StockID:          uuid.New(),
		State:            state,
		QueuedForFetchAt: &now,
		CreatedAt:        now,
		UpdatedAt:        now,
		Stock:            &ingestion.Stock{Ticker: "AAPL"},
	}
}

func capture(t *testing.T, cfg func(url string) Config, run *ingestion.IngestionRun) (message, *http.Request) {
	t.Helper()

	var (
		got     message
		gotReq  *http.Request
		gotBody []byte
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	NewWebhook(cfg(server.URL), discardLogger()).NotifyRun(context.Background(), run)

	require.NotNil(t, gotReq, "webhook was never called")
	require.NoError(t, json.Unmarshal(gotBody, &got))

	return got, gotReq
}

func TestNotifyRunDoneIsGreen(t *testing.T) {
	msg, req := capture(t, func(url string) Config { return Config{WebhookURL: url} },
		testRun(ingestion.StateDone))

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	require.Len(t, msg.Embeds, 1)
	assert.Equal(t, 0x00FF00, msg.Embeds[0].Color)
	assert.Contains(t, msg.Embeds[0].Title, "DONE")
	assert.Contains(t, msg.Embeds[0].Title, "AAPL")
}

func TestNotifyRunFailedIsRedWithContext(t *testing.T) {
	run := testRun(ingestion.StateFailed)

	code := ingestion.CodeAPITimeout
	long := strings.Repeat("x", 1500)
	uri := "s3://tickerflow-raw/AAPL/run.json"
	now := time.Now().UTC()

	run.ErrorCode = &code
	run.ErrorMessage = &long
	run.RawDataURI = &uri
	run.FailedAt = &now

	msg, _ := capture(t, func(url string) Config { return Config{WebhookURL: url} }, run)

	require.Len(t, msg.Embeds, 1)
	assert.Equal(t, 0xFF0000, msg.Embeds[0].Color)

	fields := map[string]string{}
	for _, f := range msg.Embeds[0].Fields {
		fields[f.Name] = f.Value
	}

	assert.Equal(t, code, fields["Error Code"])
	assert.Len(t, fields["Error Message"], 1000, "error message truncated")
	assert.Equal(t, uri, fields["Raw Data"])
	assert.NotEmpty(t, fields["Queued For Fetch"])
	assert.NotEmpty(t, fields["Failed"])
}

func TestNotifyRunOtherStatesAreYellow(t *testing.T) {
	msg, _ := capture(t, func(url string) Config { return Config{WebhookURL: url} },
		testRun(ingestion.StateFetching))

	require.Len(t, msg.Embeds, 1)
	assert.Equal(t, 0xFFFF00, msg.Embeds[0].Color)
}

func TestNotifyRunThreadSelector(t *testing.T) {
	_, req := capture(t, func(url string) Config {
		return Config{WebhookURL: url, Thread: "ops-alerts"}
	}, testRun(ingestion.StateDone))

	assert.Equal(t, "ops-alerts", req.URL.Query().Get("thread_id"))
}

func TestNotifyRunSwallowsDeliveryFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	w := NewWebhook(Config{WebhookURL: server.URL}, discardLogger())

	assert.NotPanics(t, func() {
		w.NotifyRun(context.Background(), testRun(ingestion.StateDone))
	})

	server.Close()

	assert.NotPanics(t, func() {
		w.NotifyRun(context.Background(), testRun(ingestion.StateDone))
	})
}

func TestNotifyRunUnconfiguredIsNoOp(t *testing.T) {
	w := NewWebhook(Config{}, discardLogger())

	assert.NotPanics(t, func() {
		w.NotifyRun(context.Background(), testRun(ingestion.StateDone))
	})

	var nilHook *Webhook
	assert.NotPanics(t, func() {
		nilHook.NotifyRun(context.Background(), testRun(ingestion.StateDone))
	})
}
