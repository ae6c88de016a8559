package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/queue"
	"github.com/tickerflow-io/tickerflow/internal/unified"
)

func seedMetadataRow(t *testing.T, f *fixture, ticker string, extra unified.Row) {
	t.Helper()

	row := unified.Row{
		unified.ColTicker:        ticker,
		unified.ColRecordType:    unified.RecordTypeMetadata,
		unified.ColPeriodEndDate: nil,
	}
	for name, value := range extra {
		row[name] = value
	}

	frame, err := unified.NewFrame([]unified.Row{row})
	require.NoError(t, err)

	_, err = f.table.Merge(context.Background(), frame)
	require.NoError(t, err)
}

func TestProjectorHappyPath(t *testing.T) {
	f := newFixture(t)
	f.queueRun(t, "AAPL")

	seedMetadataRow(t, f, "AAPL", unified.Row{
		"company_name": "Apple Inc.",
		"sector":       "Technology",
		"country":      "USA",
		"exchange":     "NASDAQ",
	})

	err := f.projector.Process(context.Background(), queue.Task{Ticker: "AAPL"})
	require.NoError(t, err)

	stock, err := f.store.GetStockByTicker(context.Background(), "AAPL")
	require.NoError(t, err)

	require.NotNil(t, stock.Name)
	assert.Equal(t, "Apple Inc.", *stock.Name)
	require.NotNil(t, stock.Sector)
	assert.Equal(t, "Technology", *stock.Sector)
	require.NotNil(t, stock.Country)
	assert.Equal(t, "USA", *stock.Country)

	exchange, ok := f.store.ExchangeByName("NASDAQ")
	require.True(t, ok)
	require.NotNil(t, stock.ExchangeID)
	assert.Equal(t, exchange.ID, *stock.ExchangeID)
}

func TestProjectorSkipsWithoutMetadataRow(t *testing.T) {
	f := newFixture(t)
	f.queueRun(t, "AAPL")

	// Table exists but only carries financials for another ticker.
	frame, err := unified.NewFrame([]unified.Row{{
		unified.ColTicker:        "MSFT",
		unified.ColRecordType:    unified.RecordTypeFinancials,
		unified.ColPeriodEndDate: "2024-03-31",
		"revenue":                62000.0,
	}})
	require.NoError(t, err)
	_, err = f.table.Merge(context.Background(), frame)
	require.NoError(t, err)

	require.NoError(t, f.projector.Process(context.Background(), queue.Task{Ticker: "AAPL"}))

	stock, err := f.store.GetStockByTicker(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Nil(t, stock.Name)
}

func TestProjectorSkipsWhenTableMissing(t *testing.T) {
	f := newFixture(t)
	f.queueRun(t, "AAPL")

	assert.NoError(t, f.projector.Process(context.Background(), queue.Task{Ticker: "AAPL"}))
}

func TestProjectorMissingStockIsFatal(t *testing.T) {
	f := newFixture(t)

	seedMetadataRow(t, f, "GHOST", unified.Row{"sector": "Technology"})

	err := f.projector.Process(context.Background(), queue.Task{Ticker: "GHOST"})
	require.Error(t, err)
	assert.Equal(t, ingestion.CodeStockNotFound, ingestion.CodeOf(err))
	assert.False(t, ingestion.IsRetryable(err))
}

func TestProjectorRequiresTicker(t *testing.T) {
	f := newFixture(t)

	err := f.projector.Process(context.Background(), queue.Task{})
	require.Error(t, err)
	assert.Equal(t, ingestion.CodeValidationError, ingestion.CodeOf(err))
}

func TestProjectorIgnoresNullAndNonStringFields(t *testing.T) {
	f := newFixture(t)
	f.queueRun(t, "AAPL")

	seedMetadataRow(t, f, "AAPL", unified.Row{
		"sector":       "Technology",
		"company_name": nil,
	})

	require.NoError(t, f.projector.Process(context.Background(), queue.Task{Ticker: "AAPL"}))

	stock, err := f.store.GetStockByTicker(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Nil(t, stock.Name)
	require.NotNil(t, stock.Sector)
	assert.Equal(t, "Technology", *stock.Sector)
}
