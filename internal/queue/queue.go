// Package queue provides the task transport between the API/bulk layer and
// the pipeline workers: task types, the Kafka-backed implementation, the
// retry policy, and an in-memory queue for tests.
//
// Topics are per task kind. The fetch topic is consumed by a parallel group
// (per-ticker independence makes that safe); the transform topic must be
// consumed by exactly one consumer because the unified table writer is not
// concurrent-safe. That pinning is queue configuration, not code: deploy one
// worker with transform consumption enabled.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a task topic.
type Kind string

// Task kinds, one per pipeline worker plus the bulk fan-out.
const (
	KindFetch     Kind = "fetch"
	KindTransform Kind = "transform"
	KindProject   Kind = "project_metadata"
	KindBulk      Kind = "bulk_queue"
)

// ParseKind validates a task kind string, for worker configuration.
func ParseKind(raw string) (Kind, error) {
	switch kind := Kind(raw); kind {
	case KindFetch, KindTransform, KindProject, KindBulk:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown task kind %q", raw)
	}
}

// Task is the unit of work passed between pipeline stages. Attempt counts
// completed delivery attempts; the runner re-enqueues retryable failures with
// Attempt+1 until MaxAttempts.
type Task struct {
	Kind      Kind       `json:"kind"`
	RunID     uuid.UUID  `json:"runId"`
	Ticker    string     `json:"ticker"`
	BulkRunID *uuid.UUID `json:"bulkRunId,omitempty"`

	// ExchangeFilter is only set on bulk fan-out tasks; RunID doubles as the
	// bulk run id there.
	ExchangeFilter string `json:"exchangeFilter,omitempty"`

	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Enqueuer is the producer-side contract. Implementations must be safe for
// concurrent use.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// Handler processes one task. A nil return acknowledges the task; an error is
// classified by the runner (retryable errors are re-enqueued with backoff).
type Handler func(ctx context.Context, task Task) error

// Consumer is the worker-side contract. Consume blocks until ctx is canceled.
type Consumer interface {
	Consume(ctx context.Context, kind Kind, handler Handler) error
}
