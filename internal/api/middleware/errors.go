// Package middleware provides HTTP middleware components for the Tickerflow API.
package middleware

import (
	"encoding/json"
	"net/http"
)

// writeErrorEnvelope writes the standard {error: {code, message}} envelope
// without importing the api package. Handlers use the richer helpers in
// internal/api; middleware only needs code and message.
func writeErrorEnvelope(w http.ResponseWriter, statusCode int, code, message string) error {
	envelope := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(envelope)
}
