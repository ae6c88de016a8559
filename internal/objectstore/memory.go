package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Compile-time check that MemoryStore satisfies the interface.
var _ ObjectStore = (*MemoryStore)(nil)

// MemoryStore is an in-memory ObjectStore for tests. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte

	// FailNextPut injects an error into the next Put call.
	FailNextPut error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string][]byte)}
}

// Put stores a copy of data under bucket/key.
func (m *MemoryStore) Put(_ context.Context, bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNextPut != nil {
		err := m.FailNextPut
		m.FailNextPut = nil

		return err
	}

	if m.buckets[bucket] == nil {
		m.buckets[bucket] = make(map[string][]byte)
	}

	m.buckets[bucket][key] = append([]byte(nil), data...)

	return nil
}

// Get returns a copy of the stored blob.
func (m *MemoryStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("%w: s3://%s/%s", ErrObjectNotFound, bucket, key)
	}

	return append([]byte(nil), data...), nil
}

// GetReader wraps Get in a ReadCloser.
func (m *MemoryStore) GetReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	data, err := m.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// List returns keys under prefix in lexicographic order.
func (m *MemoryStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// Delete removes a key; missing keys are a no-op.
func (m *MemoryStore) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.buckets[bucket], key)

	return nil
}
