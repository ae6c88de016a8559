package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Memory.Enqueue after Close.
var ErrQueueClosed = errors.New("queue closed")

// Memory is an in-process queue used by tests and single-binary development
// runs. Tasks are held per kind in FIFO order.
type Memory struct {
	mu     sync.Mutex
	closed bool
	tasks  map[Kind][]Task

	// FailNext forces the next Enqueue to fail, for broker-error paths.
	FailNext error
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[Kind][]Task)}
}

// Enqueue appends the task to its kind's slice.
func (m *Memory) Enqueue(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrQueueClosed
	}

	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil

		return err
	}

	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	m.tasks[task.Kind] = append(m.tasks[task.Kind], task)

	return nil
}

// Tasks returns a copy of the queued tasks for a kind.
func (m *Memory) Tasks(kind Kind) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, len(m.tasks[kind]))
	copy(out, m.tasks[kind])

	return out
}

// Pop removes and returns the oldest task of a kind, if any.
func (m *Memory) Pop(kind Kind) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.tasks[kind]
	if len(pending) == 0 {
		return Task{}, false
	}

	task := pending[0]
	m.tasks[kind] = pending[1:]

	return task, true
}

// Consume drains tasks of one kind through the handler until the queue is
// empty or ctx is canceled. Handler errors are ignored here; retry behavior
// belongs to the runner.
func (m *Memory) Consume(ctx context.Context, kind Kind, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, ok := m.Pop(kind)
		if !ok {
			return nil
		}

		_ = handler(ctx, task)
	}
}

// Close rejects further enqueues.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}
