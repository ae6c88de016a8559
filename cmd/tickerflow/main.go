// Package main provides the Tickerflow API server.
//
// The server exposes the ticker queueing, run inspection and data passthrough
// endpoints; the pipeline itself runs in the worker binary. The two share the
// PostgreSQL run store and the Kafka task topics.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tickerflow-io/tickerflow/internal/aliasing"
	"github.com/tickerflow-io/tickerflow/internal/api"
	"github.com/tickerflow-io/tickerflow/internal/api/middleware"
	"github.com/tickerflow-io/tickerflow/internal/cache"
	"github.com/tickerflow-io/tickerflow/internal/config"
	"github.com/tickerflow-io/tickerflow/internal/events"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/objectstore"
	"github.com/tickerflow-io/tickerflow/internal/queue"
	"github.com/tickerflow-io/tickerflow/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "tickerflow"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Tickerflow API server",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Rate limiter (graceful shutdown handled by server.shutdown())
	middlewareConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	// Change bus feeds the cache invalidation fabric. With no Redis configured
	// the fabric degrades to a warning and a no-op.
	bus := events.New()
	redisClient := cache.NewClientFromEnv()

	catalogue, err := cache.LoadCatalogue(config.GetEnvStr("TICKERFLOW_CACHE_CATALOGUE", ""))
	if err != nil {
		logger.Error("Failed to load cache catalogue", slog.String("error", err.Error()))
		fatalExit(dbConn)
	}

	cache.NewFabric(redisClient, catalogue, logger).Subscribe(bus)

	runStore, err := storage.NewRunStore(dbConn, storage.WithChangePublisher(bus))
	if err != nil {
		logger.Error("Failed to create run store", slog.String("error", err.Error()))
		fatalExit(dbConn)
	}

	logger.Info("Run store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	var keyStore storage.KeyStore

	authEnabled := config.GetEnvBool("TICKERFLOW_AUTH_ENABLED", false)
	if authEnabled {
		persistentKeys, err := storage.NewPersistentKeyStore(dbConn)
		if err != nil {
			logger.Error("Failed to connect to persistent key store", slog.String("error", err.Error()))
			fatalExit(dbConn)
		}

		keyStore = persistentKeys

		logger.Info("API key authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("API key authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set TICKERFLOW_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	kafkaConfig := queue.LoadConfig()

	broker, err := queue.NewKafka(kafkaConfig, logger)
	if err != nil {
		logger.Error("Failed to create Kafka producer", slog.String("error", err.Error()))
		fatalExit(dbConn)
	}

	logger.Info("Kafka producer initialized",
		slog.Any("brokers", kafkaConfig.Brokers),
		slog.String("topic_prefix", kafkaConfig.TopicPrefix),
	)

	objectConfig, err := objectstore.LoadConfig()
	if err != nil {
		logger.Error("Invalid object store configuration", slog.String("error", err.Error()))
		fatalExit(dbConn)
	}

	objects, err := objectstore.NewS3Store(context.Background(), objectConfig)
	if err != nil {
		logger.Error("Failed to create object store client", slog.String("error", err.Error()))
		fatalExit(dbConn)
	}

	aliasConfig, err := aliasing.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load symbol aliases", slog.String("error", err.Error()))
		fatalExit(dbConn)
	}

	symbols := aliasing.NewResolver(aliasConfig)

	logger.Info("Symbol resolver initialized", slog.Int("rules", symbols.RuleCount()))

	server := api.NewServer(serverConfig, api.Dependencies{
		Service:     ingestion.NewService(runStore, logger),
		Queries:     runStore,
		BulkStore:   runStore,
		Enqueuer:    broker,
		Objects:     objects,
		Symbols:     symbols,
		KeyStore:    keyStore,
		RateLimiter: rateLimiter,
		StatsCache:  cache.NewTTL(redisClient, cache.BulkStatsTTL, logger),
		PageCache:   cache.NewTTL(redisClient, cache.PageTTL, logger),
	})

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start", slog.String("error", err.Error()))
		fatalExit(dbConn)
	}

	logger.Info("Tickerflow API server stopped")
}

// fatalExit closes the database connection before exiting; deferred closes do
// not run through os.Exit.
func fatalExit(conn *storage.Connection) {
	_ = conn.Close()
	//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
	os.Exit(1)
}
