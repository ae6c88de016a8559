package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tickerflow-io/tickerflow/internal/cache"
)

// handleBulkRunStats serves GET /bulk-queue-runs/{id}/stats: the bulk run's
// counters plus the per-state distribution of its linked ingestion runs.
//
// The aggregation scans every linked run, so the marshalled response is held
// in a short TTL cache. Progress numbers may lag by up to the TTL; the
// counters converge once the fan-out completes and the entry expires.
func (s *Server) handleBulkRunStats(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		writeError(w, r, s.logger, apiErr)

		return
	}

	cacheKey := cache.BulkStatsKey(id.String())

	if cached, ok := s.statsCache.Get(r.Context(), cacheKey); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		if _, err := w.Write(cached); err != nil {
			s.logger.Debug("failed to write cached stats response",
				slog.String("error", err.Error()),
			)
		}

		return
	}

	stats, err := s.queries.GetBulkRunStats(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	resp := BulkRunStatsResponse{
		BulkRun:     newBulkRunResponse(stats.BulkRun),
		StateCounts: make(map[string]int, len(stats.StateCounts)),
	}
	for state, count := range stats.StateCounts {
		resp.StateCounts[state.String()] = count
	}

	body, err := json.Marshal(resp)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.statsCache.Set(r.Context(), cacheKey, body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(body); err != nil {
		s.logger.Debug("failed to write stats response",
			slog.String("error", err.Error()),
		)
	}
}
