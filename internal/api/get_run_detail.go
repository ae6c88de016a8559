package api

import (
	"net/http"
)

// handleRunDetail serves GET /run/{id}/detail: one run with its phase
// timestamps, URIs and error fields.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		writeError(w, r, s.logger, apiErr)

		return
	}

	run, err := s.service.Store().GetRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, newRunResponse(run))
}
