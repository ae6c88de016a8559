package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/storage"
)

// runFilterFromQuery builds a RunFilter from query parameters. Invalid state
// values and malformed booleans, timestamps or uuids come back as 400s.
func runFilterFromQuery(r *http.Request) (storage.RunFilter, *apiError) {
	var filter storage.RunFilter

	q := r.URL.Query()
	filter.Ticker = q.Get("ticker")
	filter.RequestedBy = q.Get("requested_by")

	if raw := q.Get("state"); raw != "" {
		state, err := ingestion.ParseState(raw)
		if err != nil {
			return filter, badRequest(ingestion.CodeInvalidState, err.Error())
		}

		filter.State = &state
	}

	isTerminal, apiErr := queryBool(r, "is_terminal")
	if apiErr != nil {
		return filter, apiErr
	}

	filter.IsTerminal = isTerminal

	isInProgress, apiErr := queryBool(r, "is_in_progress")
	if apiErr != nil {
		return filter, apiErr
	}

	filter.IsInProgress = isInProgress

	if raw := q.Get("bulk_run_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, badRequest(ingestion.CodeInvalidUUID,
				"bulk_run_id is not a valid UUID")
		}

		filter.BulkRunID = &id
	}

	createdAfter, apiErr := queryTime(r, "created_after")
	if apiErr != nil {
		return filter, apiErr
	}

	filter.CreatedAfter = createdAfter

	createdBefore, apiErr := queryTime(r, "created_before")
	if apiErr != nil {
		return filter, apiErr
	}

	filter.CreatedBefore = createdBefore

	return filter, nil
}

// handleListRuns serves GET /runs: one cursor-paginated page of ingestion
// runs, newest first. is_in_progress=true is the live view of active runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	page, apiErr := parsePage(r)
	if apiErr != nil {
		writeError(w, r, s.logger, apiErr)

		return
	}

	filter, apiErr := runFilterFromQuery(r)
	if apiErr != nil {
		writeError(w, r, s.logger, apiErr)

		return
	}

	result, err := s.queries.ListRuns(r.Context(), filter, page)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, runListResponse(result))
}

func runListResponse(page *storage.RunPage) RunListResponse {
	resp := RunListResponse{
		Items:      make([]RunResponse, 0, len(page.Items)),
		NextCursor: page.NextCursor,
	}
	for _, run := range page.Items {
		resp.Items = append(resp.Items, newRunResponse(run))
	}

	return resp
}
