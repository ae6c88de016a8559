package api

import (
	"net/http"
)

// handleTickerStatus serves GET /ticker/{ticker}/status: the latest run
// summary for a ticker. Run fields are null when the stock exists but has
// never been queued.
func (s *Server) handleTickerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.GetStatus(r.Context(), r.PathValue("ticker"))
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, newStatusResponse(status))
}
