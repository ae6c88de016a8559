// Package objectstore provides blob persistence for raw and processed payloads
// with an S3 implementation and an in-memory fake for tests.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrObjectNotFound indicates the requested key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore defines a provider-agnostic interface for blob storage.
// Implementations: S3Store (AWS and S3-compatible endpoints), MemoryStore
// (tests).
type ObjectStore interface {
	// Put stores a blob. Overwrites if exists.
	Put(ctx context.Context, bucket, key string, data []byte) error

	// Get retrieves a blob by key. Returns ErrObjectNotFound if not found.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// GetReader returns a reader for streaming large blobs.
	// Caller must close the reader when done.
	GetReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// List returns the keys under a prefix in lexicographic order.
	List(ctx context.Context, bucket, prefix string) ([]string, error)

	// Delete removes a blob. No error if not found.
	Delete(ctx context.Context, bucket, key string) error
}

// BuildURI renders an s3:// URI for a stored object. Raw payloads live at
// s3://{bucket}/{TICKER}/{run_id}.json.
func BuildURI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// RawDataKey returns the object key for a run's raw upstream payload.
func RawDataKey(ticker string, runID string) string {
	return fmt.Sprintf("%s/%s.json", ticker, runID)
}

// ParseURI splits an s3:// URI into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	const scheme = "s3://"

	if !strings.HasPrefix(uri, scheme) {
		return "", "", fmt.Errorf("not an s3 URI: %q", uri)
	}

	rest := strings.TrimPrefix(uri, scheme)

	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 URI: %q", uri)
	}

	return bucket, key, nil
}
