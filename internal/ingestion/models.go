package ingestion

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	tickerMinLen = 1
	tickerMaxLen = 10
)

type (
	// Stock is the per-ticker master record. Descriptive fields stay nil until
	// the metadata projector fills them from the unified table.
	//
	// Pure domain model without JSON tags; the API layer maps to response
	// DTOs.
	Stock struct {
		ID     uuid.UUID
		Ticker string // stored normalized: trimmed, uppercase

		Name                *string
		Sector              *string
		Subindustry         *string
		Industry            *string
		MorningstarSector   *string
		MorningstarIndustry *string
		Country             *string
		Description         *string
		ExchangeID          *uuid.UUID

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Exchange is a trading venue referenced by stocks. Names are stored
	// normalized (trimmed, uppercase) and unique.
	Exchange struct {
		ID        uuid.UUID
		Name      string
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// IngestionRun is a single attempt to take one ticker from queued to done.
	// Each state has a matching phase timestamp, stamped on first entry.
	IngestionRun struct {
		ID        uuid.UUID
		StockID   uuid.UUID
		BulkRunID *uuid.UUID

		State State

		QueuedForFetchAt     *time.Time
		FetchingStartedAt    *time.Time
		FetchingFinishedAt   *time.Time
		QueuedForTransformAt *time.Time
		TransformStartedAt   *time.Time
		TransformFinishedAt  *time.Time
		DoneAt               *time.Time
		FailedAt             *time.Time

		RawDataURI       *string
		ProcessedDataURI *string

		// Required iff State == StateFailed.
		ErrorCode    *string
		ErrorMessage *string

		RequestedBy *string
		RequestID   *string

		CreatedAt time.Time
		UpdatedAt time.Time

		// Stock is eagerly loaded by LatestRunForStock and GetRun.
		Stock *Stock
	}

	// StockMetadata carries the descriptive fields projected from the unified
	// table onto a Stock. Nil pointers leave the stored value unchanged; the
	// Exchange name is upserted into the exchanges table when non-empty.
	StockMetadata struct {
		Name                *string
		Sector              *string
		Subindustry         *string
		Industry            *string
		MorningstarSector   *string
		MorningstarIndustry *string
		Country             *string
		Description         *string
		Exchange            string
	}

	// BulkQueueRun aggregates one fan-out request over many tickers. Counters
	// are maintained with in-database arithmetic so they stay correct under
	// parallel workers and retries. At completed_at,
	// queued + skipped + error == total_stocks.
	BulkQueueRun struct {
		ID          uuid.UUID
		RequestedBy *string

		TotalStocks  int
		QueuedCount  int
		SkippedCount int
		ErrorCount   int

		CreatedAt   time.Time
		StartedAt   *time.Time
		CompletedAt *time.Time
	}
)

// Terminal reports whether the run reached DONE or FAILED.
func (r *IngestionRun) Terminal() bool {
	return r.State.Terminal()
}

// Completed reports whether the fan-out finished. A crashed bulk run keeps a
// nil CompletedAt, which is how callers detect it.
func (b *BulkQueueRun) Completed() bool {
	return b.CompletedAt != nil
}

// NormalizeTicker trims and uppercases a raw ticker and validates the result
// against the 1-10 alphanumeric natural key rule. Normalization is idempotent
// and happens before any uniqueness check, so " aapl ", "AAPL" and "AaPl" all
// resolve to the same stock.
func NormalizeTicker(raw string) (string, error) {
	ticker := strings.ToUpper(strings.TrimSpace(raw))

	if len(ticker) < tickerMinLen || len(ticker) > tickerMaxLen {
		return "", fmt.Errorf("%w: %q must be %d-%d characters", ErrInvalidTicker, raw, tickerMinLen, tickerMaxLen)
	}

	for _, c := range ticker {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", fmt.Errorf("%w: %q contains non-alphanumeric characters", ErrInvalidTicker, raw)
		}
	}

	return ticker, nil
}

// NormalizeExchangeName trims and uppercases an exchange name. Returns the
// empty string for blank input; callers skip the upsert in that case.
func NormalizeExchangeName(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
