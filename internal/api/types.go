// Package api provides the HTTP API server for the Tickerflow service.
package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
)

type (
	// StockResponse is the wire shape of a stock record. Descriptive fields
	// stay null until the metadata projector has run for the ticker.
	StockResponse struct {
		ID                  uuid.UUID  `json:"id"`
		Ticker              string     `json:"ticker"`
		Name                *string    `json:"name"`
		Sector              *string    `json:"sector"`
		Subindustry         *string    `json:"subindustry"`
		Industry            *string    `json:"industry"`
		MorningstarSector   *string    `json:"morningstar_sector"`
		MorningstarIndustry *string    `json:"morningstar_industry"`
		Country             *string    `json:"country"`
		Description         *string    `json:"description"`
		ExchangeID          *uuid.UUID `json:"exchange_id"`
		CreatedAt           time.Time  `json:"created_at"`
		UpdatedAt           time.Time  `json:"updated_at"`
	}

	// RunResponse is the wire shape of an ingestion run, phase timestamps and
	// derived state booleans included.
	RunResponse struct {
		ID           uuid.UUID  `json:"id"`
		Ticker       string     `json:"ticker,omitempty"`
		BulkRunID    *uuid.UUID `json:"bulk_run_id"`
		State        string     `json:"state"`
		IsTerminal   bool       `json:"is_terminal"`
		IsInProgress bool       `json:"is_in_progress"`

		QueuedForFetchAt     *time.Time `json:"queued_for_fetch_at"`
		FetchingStartedAt    *time.Time `json:"fetching_started_at"`
		FetchingFinishedAt   *time.Time `json:"fetching_finished_at"`
		QueuedForTransformAt *time.Time `json:"queued_for_transform_at"`
		TransformStartedAt   *time.Time `json:"transform_started_at"`
		TransformFinishedAt  *time.Time `json:"transform_finished_at"`
		DoneAt               *time.Time `json:"done_at"`
		FailedAt             *time.Time `json:"failed_at"`

		RawDataURI       *string `json:"raw_data_uri"`
		ProcessedDataURI *string `json:"processed_data_uri"`

		ErrorCode    *string `json:"error_code"`
		ErrorMessage *string `json:"error_message"`

		RequestedBy *string `json:"requested_by"`
		RequestID   *string `json:"request_id"`

		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// StatusResponse summarizes a ticker's latest run. Run fields are null
	// when the stock exists but has never been queued.
	StatusResponse struct {
		Ticker    string     `json:"ticker"`
		RunID     *uuid.UUID `json:"run_id"`
		State     *string    `json:"state"`
		CreatedAt *time.Time `json:"created_at"`
		UpdatedAt *time.Time `json:"updated_at"`
	}

	// BulkRunResponse is the wire shape of a bulk queue run. A null
	// completed_at on an old run marks a fan-out that crashed mid-flight.
	BulkRunResponse struct {
		ID           uuid.UUID  `json:"id"`
		RequestedBy  *string    `json:"requested_by"`
		TotalStocks  int        `json:"total_stocks"`
		QueuedCount  int        `json:"queued_count"`
		SkippedCount int        `json:"skipped_count"`
		ErrorCount   int        `json:"error_count"`
		Completed    bool       `json:"completed"`
		CreatedAt    time.Time  `json:"created_at"`
		StartedAt    *time.Time `json:"started_at"`
		CompletedAt  *time.Time `json:"completed_at"`
	}

	// BulkRunStatsResponse aggregates a bulk run's counters with the live
	// per-state distribution of its linked runs.
	BulkRunStatsResponse struct {
		BulkRun     BulkRunResponse `json:"bulk_run"`
		StateCounts map[string]int  `json:"state_counts"`
	}

	// StockListResponse is one page of stocks. next_cursor is empty on the
	// last page.
	StockListResponse struct {
		Items      []StockResponse `json:"items"`
		NextCursor string          `json:"next_cursor,omitempty"`
	}

	// RunListResponse is one page of ingestion runs.
	RunListResponse struct {
		Items      []RunResponse `json:"items"`
		NextCursor string        `json:"next_cursor,omitempty"`
	}

	// BulkRunListResponse is one page of bulk queue runs.
	BulkRunListResponse struct {
		Items      []BulkRunResponse `json:"items"`
		NextCursor string            `json:"next_cursor,omitempty"`
	}

	// QueueTickerRequest is the POST /ticker/queue body.
	QueueTickerRequest struct {
		Ticker      string `json:"ticker"`
		RequestedBy string `json:"requested_by,omitempty"`
		RequestID   string `json:"request_id,omitempty"`
	}

	// QueueTickerResponse reports the run and whether this request created it
	// (201) or found an existing active run (200).
	QueueTickerResponse struct {
		Run     RunResponse `json:"run"`
		Created bool        `json:"created"`
	}

	// QueueAllRequest is the POST /ticker/queue/all body.
	QueueAllRequest struct {
		RequestedBy    string `json:"requested_by,omitempty"`
		ExchangeFilter string `json:"exchange_filter,omitempty"`
	}

	// HealthStatus is the GET /health response.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"service_name"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}
)

func newStockResponse(stock *ingestion.Stock) StockResponse {
	return StockResponse{
		ID:                  stock.ID,
		Ticker:              stock.Ticker,
		Name:                stock.Name,
		Sector:              stock.Sector,
		Subindustry:         stock.Subindustry,
		Industry:            stock.Industry,
		MorningstarSector:   stock.MorningstarSector,
		MorningstarIndustry: stock.MorningstarIndustry,
		Country:             stock.Country,
		Description:         stock.Description,
		ExchangeID:          stock.ExchangeID,
		CreatedAt:           stock.CreatedAt,
		UpdatedAt:           stock.UpdatedAt,
	}
}

func newRunResponse(run *ingestion.IngestionRun) RunResponse {
	resp := RunResponse{
		ID:           run.ID,
		BulkRunID:    run.BulkRunID,
		State:        run.State.String(),
		IsTerminal:   run.State.Terminal(),
		IsInProgress: run.State.Active(),

		QueuedForFetchAt:     run.QueuedForFetchAt,
		FetchingStartedAt:    run.FetchingStartedAt,
		FetchingFinishedAt:   run.FetchingFinishedAt,
		QueuedForTransformAt: run.QueuedForTransformAt,
		TransformStartedAt:   run.TransformStartedAt,
		TransformFinishedAt:  run.TransformFinishedAt,
		DoneAt:               run.DoneAt,
		FailedAt:             run.FailedAt,

		RawDataURI:       run.RawDataURI,
		ProcessedDataURI: run.ProcessedDataURI,

		ErrorCode:    run.ErrorCode,
		ErrorMessage: run.ErrorMessage,

		RequestedBy: run.RequestedBy,
		RequestID:   run.RequestID,

		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}

	if run.Stock != nil {
		resp.Ticker = run.Stock.Ticker
	}

	return resp
}

func newStatusResponse(status *ingestion.Status) StatusResponse {
	resp := StatusResponse{
		Ticker:    status.Ticker,
		RunID:     status.RunID,
		CreatedAt: status.CreatedAt,
		UpdatedAt: status.UpdatedAt,
	}

	if status.State != nil {
		state := status.State.String()
		resp.State = &state
	}

	return resp
}

func newBulkRunResponse(run *ingestion.BulkQueueRun) BulkRunResponse {
	return BulkRunResponse{
		ID:           run.ID,
		RequestedBy:  run.RequestedBy,
		TotalStocks:  run.TotalStocks,
		QueuedCount:  run.QueuedCount,
		SkippedCount: run.SkippedCount,
		ErrorCount:   run.ErrorCount,
		Completed:    run.Completed(),
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
}
