// Package middleware provides HTTP middleware components for the Tickerflow API.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/tickerflow-io/tickerflow/internal/storage"
)

// Option wraps a handler with one middleware layer.
type Option func(http.Handler) http.Handler

// Apply composes the options around a base handler. The first option becomes
// the outermost layer, so requests traverse the options in the order listed.
// The server lists them as correlation ID, recovery, auth, rate limit,
// request logging, CORS.
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// noop leaves the handler unwrapped, for optional layers that are not
// configured.
func noop(next http.Handler) http.Handler {
	return next
}

// WithCorrelationID attaches the correlation ID middleware.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery attaches the panic recovery middleware.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithAuth attaches API key authentication. A nil store disables the layer,
// which the server logs loudly at startup.
func WithAuth(store storage.KeyStore, logger *slog.Logger) Option {
	if store == nil {
		return noop
	}

	return Authenticate(store, logger)
}

// WithRateLimit attaches rate limiting. A nil limiter disables the layer.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return noop
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger attaches the request completion log.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS attaches cross-origin handling.
func WithCORS(config CORSConfig) Option {
	return CORS(config)
}
