package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/objectstore"
)

// handleAllData serves GET /data/all-data/{ticker}: streams the raw JSON
// payload of the ticker's newest DONE run straight from the object store. The
// blob can be large, so it is copied through rather than buffered.
func (s *Server) handleAllData(w http.ResponseWriter, r *http.Request) {
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

	run, err := s.service.Store().LatestDoneRun(r.Context(), stock.ID)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	if run.RawDataURI == nil || *run.RawDataURI == "" {
		writeError(w, r, s.logger, notFound(ingestion.CodeMissingRawData,
			"Run has no raw data artifact"))

		return
	}

	bucket, key, err := objectstore.ParseURI(*run.RawDataURI)
	if err != nil {
		writeError(w, r, s.logger, internalError(ingestion.CodeStorageConnection,
			"Stored data URI is malformed"))

		return
	}

	reader, err := s.objects.GetReader(r.Context(), bucket, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			writeError(w, r, s.logger, notFound(ingestion.CodeMissingRawData,
				"Raw data object no longer exists"))

			return
		}

		s.logger.Error("raw data read failed",
			slog.String("ticker", ticker),
			slog.String("uri", *run.RawDataURI),
			slog.String("error", err.Error()),
		)

		writeError(w, r, s.logger, internalError(ingestion.CodeStorageConnection,
			"Failed to read raw data from object storage"))

		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, reader); err != nil {
		// Headers are already gone; all we can do is log the broken stream.
		s.logger.Warn("raw data stream interrupted",
			slog.String("ticker", ticker),
			slog.String("error", err.Error()),
		)
	}
}
