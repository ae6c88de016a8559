// Package api provides the HTTP API server for the Tickerflow service.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/storage"
)

// parsePage reads cursor pagination inputs. Out-of-range limits are clamped
// by the storage layer; a malformed limit is a validation error.
func parsePage(r *http.Request) (storage.PageRequest, *apiError) {
	page := storage.PageRequest{Cursor: r.URL.Query().Get("cursor")}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return page, badRequest(ingestion.CodeValidationError,
				fmt.Sprintf("limit must be an integer, got %q", raw))
		}

		page.Limit = limit
	}

	return page, nil
}

// queryBool parses an optional boolean query parameter into a pointer.
func queryBool(r *http.Request, name string) (*bool, *apiError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}

	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, badRequest(ingestion.CodeValidationError,
			fmt.Sprintf("%s must be a boolean, got %q", name, raw))
	}

	return &value, nil
}

// queryTime parses an optional RFC 3339 query parameter into a pointer.
func queryTime(r *http.Request, name string) (*time.Time, *apiError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}

	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, badRequest(ingestion.CodeValidationError,
			fmt.Sprintf("%s must be an RFC 3339 timestamp, got %q", name, raw))
	}

	return &value, nil
}

// pathUUID parses a uuid path segment, mapping failures to 400 INVALID_UUID.
func pathUUID(r *http.Request, name string) (uuid.UUID, *apiError) {
	raw := r.PathValue(name)

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, badRequest(ingestion.CodeInvalidUUID,
			fmt.Sprintf("%s is not a valid UUID: %q", name, raw))
	}

	return id, nil
}
