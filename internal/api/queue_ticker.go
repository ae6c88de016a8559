package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tickerflow-io/tickerflow/internal/api/middleware"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/queue"
)

// handleQueueTicker serves POST /ticker/queue: the idempotent entry point of
// the pipeline.
//
// Response codes:
//   - 200: the ticker already has an active run; it is returned unchanged
//   - 201: a new run was created and its fetch task enqueued
//   - 400: malformed body or invalid ticker
//   - 409: a concurrent request won the creation race
//   - 500: run created but the broker enqueue failed; the run is FAILED(BROKER_ERROR)
func (s *Server) handleQueueTicker(w http.ResponseWriter, r *http.Request) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		writeError(w, r, s.logger, badRequest(ingestion.CodeValidationError,
			"Content-Type must be application/json"))

		return
	}

	var body QueueTickerRequest

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, s.logger, badRequest(ingestion.CodeValidationError,
			"Request body is not valid JSON"))

		return
	}

	// Vendor symbol formats (BRK.B, BRK-B) resolve to canonical form before
	// validation.
	ticker, err := ingestion.NormalizeTicker(s.symbols.Resolve(body.Ticker))
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	run, created, err := s.service.QueueForFetch(r.Context(), ingestion.QueueRequest{
		Ticker:      ticker,
		RequestedBy: body.RequestedBy,
		RequestID:   body.RequestID,
	})
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	resp := QueueTickerResponse{Run: newRunResponse(run), Created: created}

	if !created {
		// Existing active run: idempotent fast path, nothing to enqueue.
		writeJSON(w, r, s.logger, http.StatusOK, resp)

		return
	}

	// Enqueue only after QueueForFetch returned, which is after the insert
	// committed, so the worker cannot race a not-yet-visible row.
	task := queue.Task{
		Kind:       queue.KindFetch,
		RunID:      run.ID,
		Ticker:     ticker,
		EnqueuedAt: time.Now().UTC(),
	}

	if err := s.enqueuer.Enqueue(r.Context(), task); err != nil {
		s.logger.Error("fetch task enqueue failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("run_id", run.ID.String()),
			slog.String("ticker", ticker),
			slog.String("error", err.Error()),
		)

		// The run would otherwise sit in QUEUED_FOR_FETCH forever.
		if _, failErr := s.service.MarkRunFailed(r.Context(), run.ID,
			ingestion.CodeBrokerError, "failed to enqueue fetch task"); failErr != nil {
			s.logger.Error("failed to mark run failed after enqueue failure",
				slog.String("run_id", run.ID.String()),
				slog.String("error", failErr.Error()),
			)
		}

		writeError(w, r, s.logger, internalError(ingestion.CodeBrokerError,
			"Failed to enqueue fetch task").withDetails(map[string]any{
			"run_id": run.ID.String(),
		}))

		return
	}

	writeJSON(w, r, s.logger, http.StatusCreated, resp)
}
