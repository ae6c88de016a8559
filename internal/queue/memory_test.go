package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	first := Task{Kind: KindFetch, RunID: uuid.New(), Ticker: "AAPL"}
	second := Task{Kind: KindFetch, RunID: uuid.New(), Ticker: "MSFT"}

	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.Enqueue(ctx, second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if got := len(q.Tasks(KindFetch)); got != 2 {
		t.Fatalf("queued tasks = %d, want 2", got)
	}

	popped, ok := q.Pop(KindFetch)
	if !ok || popped.RunID != first.RunID {
		t.Errorf("Pop returned %v, want first task", popped.RunID)
	}

	if popped.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt should be stamped on enqueue")
	}
}

func TestMemoryQueueKindsIsolated(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	_ = q.Enqueue(ctx, Task{Kind: KindFetch, RunID: uuid.New(), Ticker: "AAPL"})
	_ = q.Enqueue(ctx, Task{Kind: KindTransform, RunID: uuid.New(), Ticker: "AAPL"})

	if got := len(q.Tasks(KindFetch)); got != 1 {
		t.Errorf("fetch tasks = %d, want 1", got)
	}

	if got := len(q.Tasks(KindTransform)); got != 1 {
		t.Errorf("transform tasks = %d, want 1", got)
	}

	if got := len(q.Tasks(KindProject)); got != 0 {
		t.Errorf("project tasks = %d, want 0", got)
	}
}

func TestMemoryQueueFailNext(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	boom := errors.New("broker down")

	q.FailNext = boom

	if err := q.Enqueue(ctx, Task{Kind: KindFetch, Ticker: "AAPL"}); !errors.Is(err, boom) {
		t.Errorf("enqueue error = %v, want injected failure", err)
	}

	// Next enqueue succeeds again.
	if err := q.Enqueue(ctx, Task{Kind: KindFetch, Ticker: "AAPL"}); err != nil {
		t.Errorf("enqueue after injected failure: %v", err)
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemory()

	_ = q.Close()

	if err := q.Enqueue(context.Background(), Task{Kind: KindFetch}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("enqueue after close = %v, want ErrQueueClosed", err)
	}
}

func TestKafkaConfigTopic(t *testing.T) {
	cfg := &Config{Brokers: []string{"localhost:9092"}, TopicPrefix: "tickerflow"}

	if got := cfg.Topic(KindTransform); got != "tickerflow.transform" {
		t.Errorf("Topic = %q, want tickerflow.transform", got)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	empty := &Config{}
	if err := empty.Validate(); !errors.Is(err, ErrNoBrokers) {
		t.Errorf("Validate empty = %v, want ErrNoBrokers", err)
	}
}
