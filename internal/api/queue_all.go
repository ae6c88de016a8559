package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tickerflow-io/tickerflow/internal/api/middleware"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/queue"
)

// handleQueueAll serves POST /ticker/queue/all: create a bulk run record and
// hand the fan-out to the worker via the bulk topic. The response is 202; the
// orchestrator walks the candidate tickers asynchronously and callers poll
// /bulk-queue-runs/{id}/stats for progress.
//
// The body is optional; an empty body starts an unfiltered fan-out.
func (s *Server) handleQueueAll(w http.ResponseWriter, r *http.Request) {
	var body QueueAllRequest

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, s.logger, badRequest(ingestion.CodeValidationError,
			"Request body is not valid JSON"))

		return
	}

	bulkRun, err := s.bulkStore.CreateBulkRun(r.Context(), body.RequestedBy)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	// RunID doubles as the bulk run id on the bulk topic.
	task := queue.Task{
		Kind:           queue.KindBulk,
		RunID:          bulkRun.ID,
		ExchangeFilter: body.ExchangeFilter,
		EnqueuedAt:     time.Now().UTC(),
	}

	if err := s.enqueuer.Enqueue(r.Context(), task); err != nil {
		s.logger.Error("bulk task enqueue failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("bulk_run_id", bulkRun.ID.String()),
			slog.String("error", err.Error()),
		)

		writeError(w, r, s.logger, internalError(ingestion.CodeBrokerError,
			"Failed to enqueue bulk fan-out task").withDetails(map[string]any{
			"bulk_run_id": bulkRun.ID.String(),
		}))

		return
	}

	s.logger.Info("bulk fan-out accepted",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("bulk_run_id", bulkRun.ID.String()),
		slog.String("exchange_filter", body.ExchangeFilter),
	)

	writeJSON(w, r, s.logger, http.StatusAccepted, newBulkRunResponse(bulkRun))
}
