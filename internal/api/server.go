// Package api provides the HTTP API server for the Tickerflow service.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tickerflow-io/tickerflow/internal/aliasing"
	"github.com/tickerflow-io/tickerflow/internal/api/middleware"
	"github.com/tickerflow-io/tickerflow/internal/bulk"
	"github.com/tickerflow-io/tickerflow/internal/cache"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/objectstore"
	"github.com/tickerflow-io/tickerflow/internal/queue"
	"github.com/tickerflow-io/tickerflow/internal/storage"
)

// QueryStore is the read side consumed by the list and stats handlers.
// Both storage.RunStore and storage.MemoryRunStore satisfy it.
type QueryStore interface {
	ListStocks(ctx context.Context, filter storage.StockFilter, page storage.PageRequest) (*storage.StockPage, error)
	ListRuns(ctx context.Context, filter storage.RunFilter, page storage.PageRequest) (*storage.RunPage, error)
	ListBulkRuns(ctx context.Context, filter storage.BulkRunFilter, page storage.PageRequest) (*storage.BulkRunPage, error)
	GetBulkRunStats(ctx context.Context, id uuid.UUID) (*storage.BulkRunStats, error)
}

// Dependencies carries the runtime collaborators injected into the server,
// separated from ServerConfig so configuration (what) stays apart from
// dependencies (how).
type Dependencies struct {
	// Service is the ingestion write side. Required.
	Service *ingestion.Service

	// Queries is the paginated read side. Required.
	Queries QueryStore

	// BulkStore creates bulk runs for the fan-out endpoint. Required.
	BulkStore bulk.Store

	// Enqueuer hands fetch and bulk tasks to the broker. Required.
	Enqueuer queue.Enqueuer

	// Objects serves /data/all-data/{t} streaming reads. Required.
	Objects objectstore.ObjectStore

	// Symbols translates vendor ticker formats on the queue endpoint.
	// Nil means no translation.
	Symbols *aliasing.Resolver

	// KeyStore backs API key authentication. Nil disables auth (tests only).
	KeyStore storage.KeyStore

	// RateLimiter is optional; nil disables rate limiting.
	RateLimiter middleware.RateLimiter

	// StatsCache is the optional bulk-stats TTL cache; nil disables caching.
	StatsCache *cache.TTL

	// PageCache is the optional list-page cache; nil disables caching. The
	// invalidation fabric evicts its entries on entity changes.
	PageCache *cache.TTL
}

// Server represents the HTTP API server.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	service     *ingestion.Service
	queries     QueryStore
	bulkStore   bulk.Store
	enqueuer    queue.Enqueuer
	objects     objectstore.ObjectStore
	symbols     *aliasing.Resolver
	keyStore    storage.KeyStore
	rateLimiter middleware.RateLimiter
	statsCache  *cache.TTL
	pageCache   *cache.TTL
}

// NewServer creates a new HTTP server instance with structured logging and
// the full middleware stack.
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		service:     deps.Service,
		queries:     deps.Queries,
		bulkStore:   deps.BulkStore,
		enqueuer:    deps.Enqueuer,
		objects:     deps.Objects,
		symbols:     deps.Symbols,
		keyStore:    deps.KeyStore,
		rateLimiter: deps.RateLimiter,
		statsCache:  deps.StatsCache,
		pageCache:   deps.PageCache,
	}

	server.setupRoutes(mux)

	if deps.KeyStore != nil { // pragma: allowlist secret
		logger.Info("API key authentication middleware enabled")
	} else {
		logger.Warn("KeyStore not configured - authentication middleware disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. Auth - identify the client and set ClientContext (optional)
	//   4. RateLimit - block requests before expensive operations (optional)
	//   5. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuth(deps.KeyStore, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	// Record server start time for uptime calculation
	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting Tickerflow API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Close the key store to release database connections
	if s.keyStore != nil { // pragma: allowlist secret
		if store, ok := s.keyStore.(io.Closer); ok {
			if err := store.Close(); err != nil {
				s.logger.Error("Failed to close API key store", slog.String("error", err.Error()))
			}
		}
	}

	// Close the rate limiter to stop background cleanup goroutines
	if s.rateLimiter != nil {
		if limiter, ok := s.rateLimiter.(io.Closer); ok {
			if err := limiter.Close(); err != nil {
				s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
			}
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
