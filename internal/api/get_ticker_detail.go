package api

import (
	"net/http"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
)

// handleTickerDetail serves GET /ticker/{ticker}/detail: the full stock
// record including projected metadata fields.
func (s *Server) handleTickerDetail(w http.ResponseWriter, r *http.Request) {
	ticker, err := ingestion.NormalizeTicker(r.PathValue("ticker"))
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	stock, err := s.service.Store().GetStockByTicker(r.Context(), ticker)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, newStockResponse(stock))
}
