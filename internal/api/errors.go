// Package api provides the HTTP API server for the Tickerflow service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tickerflow-io/tickerflow/internal/api/middleware"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/storage"
)

type (
	// ErrorBody is the inner object of the standard error envelope.
	ErrorBody struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	}

	// ErrorEnvelope is the wire shape of every error response:
	// {"error": {"code": ..., "message": ..., "details": {...}}}.
	ErrorEnvelope struct {
		Error ErrorBody `json:"error"`
	}

	// apiError pairs an HTTP status with the envelope body. Handlers build
	// these through the constructors below and hand them to writeError.
	apiError struct {
		Status  int
		Code    string
		Message string
		Details map[string]any
	}
)

// Constructors for the common error shapes. Codes come from the ingestion
// error taxonomy so failed-run error_code values and API envelope codes share
// one vocabulary.

func badRequest(code, message string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: code, Message: message}
}

func notFound(code, message string) *apiError {
	return &apiError{Status: http.StatusNotFound, Code: code, Message: message}
}

func conflict(code, message string) *apiError {
	return &apiError{Status: http.StatusConflict, Code: code, Message: message}
}

func internalError(code, message string) *apiError {
	return &apiError{Status: http.StatusInternalServerError, Code: code, Message: message}
}

// withDetails attaches structured detail fields to the envelope.
func (e *apiError) withDetails(details map[string]any) *apiError {
	e.Details = details

	return e
}

// mapDomainError translates service and store errors into envelope responses.
// Unrecognized errors become 500 UNEXPECTED_ERROR with a generic message so
// internals never leak to clients.
func mapDomainError(err error) *apiError {
	switch {
	case errors.Is(err, ingestion.ErrStockNotFound):
		return notFound(ingestion.CodeStockNotFound, "Stock not found")
	case errors.Is(err, ingestion.ErrRunNotFound):
		return notFound(ingestion.CodeRunNotFound, "Ingestion run not found")
	case errors.Is(err, ingestion.ErrBulkRunNotFound):
		return notFound(ingestion.CodeRunNotFound, "Bulk queue run not found")
	case errors.Is(err, ingestion.ErrDuplicateActiveRun):
		return conflict(ingestion.CodeRaceCondition, "Stock already has an active ingestion run")
	case errors.Is(err, ingestion.ErrInvalidTicker):
		return badRequest(ingestion.CodeValidationError, err.Error())
	case errors.Is(err, ingestion.ErrInvalidStateTransition):
		return badRequest(ingestion.CodeInvalidStateTransition, err.Error())
	case errors.Is(err, ingestion.ErrUnknownState):
		return badRequest(ingestion.CodeInvalidState, err.Error())
	case errors.Is(err, storage.ErrInvalidCursor):
		return badRequest(ingestion.CodeValidationError, "Invalid pagination cursor")
	default:
		return internalError(ingestion.CodeUnexpectedError, "An unexpected error occurred")
	}
}

// writeError writes the standard error envelope and logs encode failures.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, apiErr *apiError) {
	correlationID := middleware.GetCorrelationID(r.Context())

	envelope := ErrorEnvelope{Error: ErrorBody{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: apiErr.Details,
	}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)

	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		logger.Error("failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("code", apiErr.Code),
			slog.Any("error", err),
		)
	}
}

// writeDomainError maps err through mapDomainError, logs server-side failures,
// and writes the envelope.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	apiErr := mapDomainError(err)

	if apiErr.Status >= http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	writeError(w, r, logger, apiErr)
}

// writeJSON marshals v and writes it with the given status. Marshal failures
// become a 500 envelope; write failures after headers are sent are logged only.
func writeJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)

		writeError(w, r, logger, internalError(ingestion.CodeUnexpectedError, "Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		logger.Error("failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
}
