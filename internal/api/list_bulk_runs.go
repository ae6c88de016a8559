package api

import (
	"net/http"

	"github.com/tickerflow-io/tickerflow/internal/storage"
)

// handleListBulkRuns serves GET /bulk-queue-runs: one cursor-paginated page of
// bulk fan-out runs, newest first.
func (s *Server) handleListBulkRuns(w http.ResponseWriter, r *http.Request) {
	page, apiErr := parsePage(r)
	if apiErr != nil {
		writeError(w, r, s.logger, apiErr)

		return
	}

	filter := storage.BulkRunFilter{
		RequestedBy: r.URL.Query().Get("requested_by"),
	}

	completed, apiErr := queryBool(r, "completed")
	if apiErr != nil {
		writeError(w, r, s.logger, apiErr)

		return
	}

	filter.Completed = completed

	createdAfter, apiErr := queryTime(r, "created_after")
	if apiErr != nil {
		writeError(w, r, s.logger, apiErr)

		return
	}

	filter.CreatedAfter = createdAfter

	createdBefore, apiErr := queryTime(r, "created_before")
	if apiErr != nil {
		writeError(w, r, s.logger, apiErr)

		return
	}

	filter.CreatedBefore = createdBefore

	result, err := s.queries.ListBulkRuns(r.Context(), filter, page)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	resp := BulkRunListResponse{
		Items:      make([]BulkRunResponse, 0, len(result.Items)),
		NextCursor: result.NextCursor,
	}
	for _, run := range result.Items {
		resp.Items = append(resp.Items, newBulkRunResponse(run))
	}

	writeJSON(w, r, s.logger, http.StatusOK, resp)
}
