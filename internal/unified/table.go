package unified

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tickerflow-io/tickerflow/internal/config"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/objectstore"
)

// tableName is the logical name of the unified table under the table bucket.
const tableName = "stocks"

// ErrTableNotFound indicates the table has never been written.
var ErrTableNotFound = errors.New("unified table not found")

type (
	// TableEngine abstracts the versioned table for workers and the API. The
	// implementation is single-writer; serialization is the queue's job, not
	// the engine's.
	TableEngine interface {
		// Merge upserts the frame into the table, creating it on first write.
		// Returns the table URI of the new version.
		Merge(ctx context.Context, frame *Frame) (string, error)

		// ReadRows returns the rows with the given record type, optionally
		// narrowed to one ticker (empty ticker means all).
		ReadRows(ctx context.Context, recordType, ticker string) ([]Row, error)
	}

	// DeltaTable is a commit-log table over the object store. Every merge
	// writes a full snapshot, appends a commit entry, and moves
	// _last_checkpoint. Readers go straight to the checkpoint, so a crashed
	// writer leaves at worst an orphaned snapshot, never a torn table.
	DeltaTable struct {
		store  objectstore.ObjectStore
		bucket string
		logger *slog.Logger
	}

	// checkpoint is the content of the _last_checkpoint object.
	checkpoint struct {
		Version int64 `json:"version"`
	}

	// commitEntry records one table mutation in the commit log.
	commitEntry struct {
		Version   int64     `json:"version"`
		Operation string    `json:"operation"` // "CREATE" or "MERGE"
		Rows      int       `json:"rows"`
		Timestamp time.Time `json:"timestamp"`
	}
)

// Compile-time check.
var _ TableEngine = (*DeltaTable)(nil)

// NewDeltaTable creates a table engine writing under bucket.
func NewDeltaTable(store objectstore.ObjectStore, bucket string) *DeltaTable {
	return &DeltaTable{
		store:  store,
		bucket: bucket,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With("component", "unified"),
	}
}

// URI returns the table's logical location.
func (t *DeltaTable) URI() string {
	return objectstore.BuildURI(t.bucket, tableName)
}

func (t *DeltaTable) checkpointKey() string {
	return fmt.Sprintf("%s/_last_checkpoint", tableName)
}

func (t *DeltaTable) commitKey(version int64) string {
	return fmt.Sprintf("%s/_commit_log/%020d.json", tableName, version)
}

func (t *DeltaTable) snapshotKey(version int64) string {
	return fmt.Sprintf("%s/snapshots/%020d.json", tableName, version)
}

// Merge upserts the frame. Create-or-merge: version 1 is a plain write of the
// source frame; later versions load the previous snapshot and apply the keyed
// merge predicate (ticker, record_type, period_end_date with NULL = NULL).
func (t *DeltaTable) Merge(ctx context.Context, frame *Frame) (string, error) {
	if frame == nil || frame.NumRows() == 0 {
		return "", ingestion.Fatal(ingestion.CodeTableWriteError, "cannot merge an empty frame", nil)
	}

	current, version, err := t.loadLatest(ctx)
	if err != nil && !errors.Is(err, ErrTableNotFound) {
		return "", err
	}

	operation := "CREATE"
	merged := frame

	if current != nil {
		operation = "MERGE"

		merged, err = current.Merge(frame)
		if err != nil {
			return "", ingestion.Fatal(ingestion.CodeTableMergeError, "merge failed", err)
		}
	}

	next := version + 1

	if err := t.writeVersion(ctx, next, operation, merged); err != nil {
		return "", err
	}

	t.logger.Info("table version committed",
		"version", next,
		"operation", operation,
		"rows", merged.NumRows(),
	)

	return t.URI(), nil
}

// ReadRows loads the latest snapshot and filters by record type and ticker.
func (t *DeltaTable) ReadRows(ctx context.Context, recordType, ticker string) ([]Row, error) {
	frame, _, err := t.loadLatest(ctx)
	if err != nil {
		return nil, err
	}

	return frame.Select(func(row Row) bool {
		if rt, _ := row[ColRecordType].(string); rt != recordType {
			return false
		}

		if ticker != "" {
			if tk, _ := row[ColTicker].(string); tk != ticker {
				return false
			}
		}

		return true
	}), nil
}

// loadLatest reads the checkpoint and its snapshot. Returns ErrTableNotFound
// when the table has never been written.
func (t *DeltaTable) loadLatest(ctx context.Context) (*Frame, int64, error) {
	data, err := t.store.Get(ctx, t.bucket, t.checkpointKey())
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		return nil, 0, ErrTableNotFound
	}

	if err != nil {
		return nil, 0, err
	}

	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, 0, ingestion.Fatal(ingestion.CodeTableReadError, "corrupt checkpoint", err)
	}

	snapshot, err := t.store.Get(ctx, t.bucket, t.snapshotKey(cp.Version))
	if err != nil {
		return nil, 0, ingestion.Fatal(ingestion.CodeTableReadError,
			fmt.Sprintf("snapshot for version %d missing", cp.Version), err)
	}

	var frame Frame
	if err := json.Unmarshal(snapshot, &frame); err != nil {
		return nil, 0, ingestion.Fatal(ingestion.CodeTableReadError, "corrupt snapshot", err)
	}

	return &frame, cp.Version, nil
}

// writeVersion writes snapshot, commit entry, then checkpoint, in that order.
// The checkpoint moves last so readers never see a version without data.
func (t *DeltaTable) writeVersion(ctx context.Context, version int64, operation string, frame *Frame) error {
	snapshot, err := json.Marshal(frame)
	if err != nil {
		return ingestion.Fatal(ingestion.CodeTableWriteError, "failed to serialize snapshot", err)
	}

	if err := t.store.Put(ctx, t.bucket, t.snapshotKey(version), snapshot); err != nil {
		return err
	}

	entry, err := json.Marshal(commitEntry{
		Version:   version,
		Operation: operation,
		Rows:      frame.NumRows(),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return ingestion.Fatal(ingestion.CodeTableWriteError, "failed to serialize commit entry", err)
	}

	if err := t.store.Put(ctx, t.bucket, t.commitKey(version), entry); err != nil {
		return err
	}

	cp, err := json.Marshal(checkpoint{Version: version})
	if err != nil {
		return ingestion.Fatal(ingestion.CodeTableWriteError, "failed to serialize checkpoint", err)
	}

	return t.store.Put(ctx, t.bucket, t.checkpointKey(), cp)
}
