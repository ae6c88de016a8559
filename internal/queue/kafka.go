package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tickerflow-io/tickerflow/internal/config"
)

const (
	defaultTopicPrefix  = "tickerflow"
	defaultGroupID      = "tickerflow-workers"
	defaultBatchTimeout = 50 * time.Millisecond
	defaultMinBytes     = 1
	defaultMaxBytes     = 10 * 1024 * 1024
)

// ErrNoBrokers indicates the broker address list is empty.
var ErrNoBrokers = errors.New("kafka broker list cannot be empty")

type (
	// Config holds Kafka connection configuration.
	Config struct {
		Brokers     []string
		TopicPrefix string
		GroupID     string
	}

	// Kafka is the kafka-go backed queue. One lazily created writer per task
	// kind on the producer side; Consume creates a group reader per call.
	Kafka struct {
		config  *Config
		logger  *slog.Logger
		mu      sync.Mutex
		writers map[Kind]*kafka.Writer
	}
)

// LoadConfig loads Kafka configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Brokers:     config.ParseCommaSeparatedList(config.GetEnvStr("TICKERFLOW_KAFKA_BROKERS", "localhost:9092")),
		TopicPrefix: config.GetEnvStr("TICKERFLOW_KAFKA_TOPIC_PREFIX", defaultTopicPrefix),
		GroupID:     config.GetEnvStr("TICKERFLOW_KAFKA_GROUP_ID", defaultGroupID),
	}
}

// Validate checks the Kafka configuration.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	return nil
}

// Topic returns the topic name for a task kind, e.g. "tickerflow.fetch".
func (c *Config) Topic(kind Kind) string {
	return fmt.Sprintf("%s.%s", c.TopicPrefix, kind)
}

// NewKafka creates a Kafka queue. Writers are created lazily per topic.
func NewKafka(cfg *Config, logger *slog.Logger) (*Kafka, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Kafka{
		config:  cfg,
		logger:  logger,
		writers: make(map[Kind]*kafka.Writer),
	}, nil
}

// Enqueue publishes a task to its kind's topic, keyed by ticker so all tasks
// for one ticker land on the same partition in order.
func (k *Kafka) Enqueue(ctx context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	writer := k.writer(task.Kind)

	if err := writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.Ticker),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("write to %s: %w", k.config.Topic(task.Kind), err)
	}

	k.logger.Debug("task enqueued",
		slog.String("kind", string(task.Kind)),
		slog.String("run_id", task.RunID.String()),
		slog.String("ticker", task.Ticker),
		slog.Int("attempt", task.Attempt),
	)

	return nil
}

// Consume reads tasks of one kind in the configured consumer group and calls
// handler for each. Messages are committed after the handler returns, whether
// or not it errored: retries are modeled by re-enqueueing (see worker.Runner),
// not by broker redelivery, so a crash-looping task cannot wedge a partition.
//
// Blocks until ctx is canceled.
func (k *Kafka) Consume(ctx context.Context, kind Kind, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.config.Brokers,
		GroupID:  fmt.Sprintf("%s-%s", k.config.GroupID, kind),
		Topic:    k.config.Topic(kind),
		MinBytes: defaultMinBytes,
		MaxBytes: defaultMaxBytes,
	})

	defer func() {
		_ = reader.Close()
	}()

	k.logger.Info("consuming",
		slog.String("topic", k.config.Topic(kind)),
		slog.String("group", fmt.Sprintf("%s-%s", k.config.GroupID, kind)),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("fetch message: %w", err)
		}

		var task Task
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			k.logger.Error("dropping undecodable task",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		} else if err := handler(ctx, task); err != nil {
			k.logger.Error("task handler failed",
				slog.String("kind", string(task.Kind)),
				slog.String("run_id", task.RunID.String()),
				slog.String("error", err.Error()),
			)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

// Close flushes and closes all writers.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var firstErr error

	for kind, writer := range k.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close writer %s: %w", kind, err)
		}
	}

	k.writers = make(map[Kind]*kafka.Writer)

	return firstErr
}

func (k *Kafka) writer(kind Kind) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()

	if w, ok := k.writers[kind]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(k.config.Brokers...),
		Topic:                  k.config.Topic(kind),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           defaultBatchTimeout,
		AllowAutoTopicCreation: true,
	}

	k.writers[kind] = w

	return w
}
