package api

import (
	"net/http"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/storage"
)

// handleListRunsByTicker serves GET /runs/ticker/{ticker}: the run history of
// one ticker, newest first. An unknown ticker is a 404 rather than an empty
// page so clients can tell "no such stock" from "no runs yet".
func (s *Server) handleListRunsByTicker(w http.ResponseWriter, r *http.Request) {
	ticker, err := ingestion.NormalizeTicker(r.PathValue("ticker"))
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	if _, err := s.service.Store().GetStockByTicker(r.Context(), ticker); err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	page, apiErr := parsePage(r)
	if apiErr != nil {
		writeError(w, r, s.logger, apiErr)

		return
	}

	result, err := s.queries.ListRuns(r.Context(), storage.RunFilter{Ticker: ticker}, page)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, runListResponse(result))
}
