// Package main provides the Tickerflow pipeline worker.
//
// The worker consumes the Kafka task topics and runs the pipeline stages:
// fetch (parallel consumer group), transform (single consumer, the table
// writer is not concurrent-safe), metadata projection, and bulk fan-out.
// TICKERFLOW_WORKER_KINDS selects which stages this process consumes, so a
// deployment can pin the transform stage to exactly one instance while
// scaling fetch horizontally.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tickerflow-io/tickerflow/internal/bulk"
	"github.com/tickerflow-io/tickerflow/internal/cache"
	"github.com/tickerflow-io/tickerflow/internal/config"
	"github.com/tickerflow-io/tickerflow/internal/events"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/notify"
	"github.com/tickerflow-io/tickerflow/internal/objectstore"
	"github.com/tickerflow-io/tickerflow/internal/queue"
	"github.com/tickerflow-io/tickerflow/internal/storage"
	"github.com/tickerflow-io/tickerflow/internal/unified"
	"github.com/tickerflow-io/tickerflow/internal/upstream"
	"github.com/tickerflow-io/tickerflow/internal/worker"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "tickerflow-worker"
)

// defaultKinds consumes every stage; single-binary deployments need nothing
// else. Split deployments override TICKERFLOW_WORKER_KINDS per instance.
const defaultKinds = "fetch,transform,project_metadata,bulk_queue"

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("TICKERFLOW_WORKER_LOG_LEVEL", slog.LevelInfo),
	}))

	kinds, err := parseKinds(config.GetEnvStr("TICKERFLOW_WORKER_KINDS", defaultKinds))
	if err != nil {
		logger.Error("Invalid worker kinds", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Starting Tickerflow worker",
		slog.String("service", name),
		slog.String("version", version),
		slog.Any("kinds", kinds),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	// Worker writes (stock upserts, metadata projection) feed the same cache
	// invalidation fabric as the API server.
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
	)

	kafkaConfig := queue.LoadConfig()

	broker, err := queue.NewKafka(kafkaConfig, logger)
	if err != nil {
		logger.Error("Failed to create Kafka queue", slog.String("error", err.Error()))
		fatalExit(dbConn)
	}

	logger.Info("Kafka queue initialized",
		slog.Any("brokers", kafkaConfig.Brokers),
		slog.String("topic_prefix", kafkaConfig.TopicPrefix),
		slog.String("group_id", kafkaConfig.GroupID),
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

	upstreamClient, err := upstream.NewClientFromEnv()
	if err != nil {
		logger.Error("Invalid upstream configuration", slog.String("error", err.Error()))
		fatalExit(dbConn)
	}

	service := ingestion.NewService(runStore, logger)
	table := unified.NewDeltaTable(objects, objectConfig.TableBucket)
	webhook := notify.NewWebhook(notify.LoadConfig(), logger)

	runner := worker.NewRunner(
		broker,
		broker,
		service,
		worker.NewFetcher(service, upstreamClient, objects, objectConfig.RawBucket, broker, logger),
		worker.NewTransformer(service, objects, table, broker, webhook, logger),
		worker.NewProjector(table, runStore, logger),
		bulk.NewOrchestrator(runStore, service, broker, logger),
		webhook,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Start(ctx, kinds...); err != nil {
		logger.Error("Worker stopped with error", slog.String("error", err.Error()))
		fatalExit(dbConn)
	}

	logger.Info("Tickerflow worker stopped")
}

// parseKinds validates the comma-separated stage list.
func parseKinds(raw string) ([]queue.Kind, error) {
	parts := config.ParseCommaSeparatedList(raw)

	kinds := make([]queue.Kind, 0, len(parts))
	for _, part := range parts {
		kind, err := queue.ParseKind(part)
		if err != nil {
			return nil, err
		}

		kinds = append(kinds, kind)
	}

	return kinds, nil
}

// fatalExit closes the database connection before exiting; deferred closes do
// not run through os.Exit.
func fatalExit(conn *storage.Connection) {
	_ = conn.Close()
	//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
	os.Exit(1)
}
