package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// servePageFromCache writes the cached page for key if present and reports
// whether it did.
func (s *Server) servePageFromCache(w http.ResponseWriter, r *http.Request, key string) bool {
	cached, ok := s.pageCache.Get(r.Context(), key)
	if !ok {
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(cached); err != nil {
		s.logger.Debug("failed to write cached page",
			slog.String("error", err.Error()),
		)
	}

	return true
}

// writePageWithCache marshals resp, stores it under key and writes it.
func (s *Server) writePageWithCache(w http.ResponseWriter, r *http.Request, key string, resp any) {
	body, err := json.Marshal(resp)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.pageCache.Set(r.Context(), key, body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(body); err != nil {
		s.logger.Debug("failed to write page response",
			slog.String("error", err.Error()),
		)
	}
}
