package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tickerflow-io/tickerflow/internal/bulk"
	"github.com/tickerflow-io/tickerflow/internal/config"
	"github.com/tickerflow-io/tickerflow/internal/events"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
)

// PostgreSQL error codes checked during run state updates.
const (
	pqUniqueViolation  = "23505"
	pqLockNotAvailable = "55P03"
	pqQueryCanceled    = "57014"
)

var (
	// ErrRunStoreFailed is returned when a run persistence operation fails.
	ErrRunStoreFailed = errors.New("run storage failed")

	// Compile-time interface assertions. RunStore backs both the per-ticker
	// run lifecycle and the bulk fan-out bookkeeping.
	_ ingestion.Store = (*RunStore)(nil)
	_ bulk.Store      = (*RunStore)(nil)
)

type (
	// RunStore implements ingestion.Store and bulk.Store with a PostgreSQL
	// backend.
	//
	// Concurrency model:
	//   - QueueForFetch runs in one transaction; the partial unique index on
	//     ingestion_runs (one active run per stock) is the last line of
	//     defense when two requests race past the row lock.
	//   - UpdateRunState locks the run row with SELECT ... FOR UPDATE before
	//     validating the transition, so concurrent workers serialize.
	//   - Bulk counters use in-database arithmetic, never read-modify-write.
	RunStore struct {
		conn      *Connection
		logger    *slog.Logger
		publisher events.Publisher
	}

	// RunStoreOption configures optional RunStore behavior.
	RunStoreOption func(*RunStore)
)

// WithChangePublisher wires a change bus that receives an event after every
// committed stock or exchange write. The cache invalidation fabric subscribes
// to it. Without this option writes publish nothing.
func WithChangePublisher(p events.Publisher) RunStoreOption {
	return func(s *RunStore) {
		s.publisher = p
	}
}

// NewRunStore creates a PostgreSQL-backed run store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewRunStore(conn *Connection, opts ...RunStoreOption) (*RunStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &RunStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// HealthCheck verifies the backing database is reachable.
func (s *RunStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// publish emits a change event when a publisher is configured.
func (s *RunStore) publish(entity string) {
	if s.publisher != nil {
		s.publisher.Publish(events.Change{Entity: entity})
	}
}

const stockColumns = `
	id, ticker, name, sector, subindustry, industry,
	morningstar_sector, morningstar_industry, country, description,
	exchange_id, created_at, updated_at
`

// scanStock scans one stocks row in stockColumns order.
func scanStock(row interface{ Scan(...any) error }) (*ingestion.Stock, error) {
	var stock ingestion.Stock

	err := row.Scan(
		&stock.ID,
		&stock.Ticker,
		&stock.Name,
		&stock.Sector,
		&stock.Subindustry,
		&stock.Industry,
		&stock.MorningstarSector,
		&stock.MorningstarIndustry,
		&stock.Country,
		&stock.Description,
		&stock.ExchangeID,
		&stock.CreatedAt,
		&stock.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &stock, nil
}

// GetOrCreateStock upserts a stock by normalized ticker. The insert races are
// resolved by the unique ticker constraint: losers fall through to the select.
func (s *RunStore) GetOrCreateStock(ctx context.Context, ticker string) (*ingestion.Stock, error) {
	insert := `
		INSERT INTO stocks (id, ticker, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (ticker) DO NOTHING
	`

	result, err := s.conn.ExecContext(ctx, insert, uuid.New(), ticker)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to upsert stock: %w", ErrRunStoreFailed, err)
	}

	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		s.publish(events.EntityStock)
	}

	return s.GetStockByTicker(ctx, ticker)
}

// GetStockByTicker resolves a stock by normalized ticker.
func (s *RunStore) GetStockByTicker(ctx context.Context, ticker string) (*ingestion.Stock, error) {
	query := `SELECT ` + stockColumns + ` FROM stocks WHERE ticker = $1`

	stock, err := scanStock(s.conn.QueryRowContext(ctx, query, ticker))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingestion.ErrStockNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to load stock: %w", ErrRunStoreFailed, err)
	}

	return stock, nil
}

const runColumns = `
	r.id, r.stock_id, r.bulk_run_id, r.state,
	r.queued_for_fetch_at, r.fetching_started_at, r.fetching_finished_at,
	r.queued_for_transform_at, r.transform_started_at, r.transform_finished_at,
	r.done_at, r.failed_at,
	r.raw_data_uri, r.processed_data_uri,
	r.error_code, r.error_message,
	r.requested_by, r.request_id,
	r.created_at, r.updated_at,
	s.id, s.ticker, s.name, s.sector, s.subindustry, s.industry,
	s.morningstar_sector, s.morningstar_industry, s.country, s.description,
	s.exchange_id, s.created_at, s.updated_at
`

const runFromClause = ` FROM ingestion_runs r JOIN stocks s ON s.id = r.stock_id `

// scanRun scans one joined ingestion_runs+stocks row in runColumns order.
func scanRun(row interface{ Scan(...any) error }) (*ingestion.IngestionRun, error) {
	var (
		run      ingestion.IngestionRun
		stock    ingestion.Stock
		rawState string
	)

	err := row.Scan(
		&run.ID,
		&run.StockID,
		&run.BulkRunID,
		&rawState,
		&run.QueuedForFetchAt,
		&run.FetchingStartedAt,
		&run.FetchingFinishedAt,
		&run.QueuedForTransformAt,
		&run.TransformStartedAt,
		&run.TransformFinishedAt,
		&run.DoneAt,
		&run.FailedAt,
		&run.RawDataURI,
		&run.ProcessedDataURI,
		&run.ErrorCode,
		&run.ErrorMessage,
		&run.RequestedBy,
		&run.RequestID,
		&run.CreatedAt,
		&run.UpdatedAt,
		&stock.ID,
		&stock.Ticker,
		&stock.Name,
		&stock.Sector,
		&stock.Subindustry,
		&stock.Industry,
		&stock.MorningstarSector,
		&stock.MorningstarIndustry,
		&stock.Country,
		&stock.Description,
		&stock.ExchangeID,
		&stock.CreatedAt,
		&stock.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	state, err := ingestion.ParseState(rawState)
	if err != nil {
		return nil, err
	}

	run.State = state
	run.Stock = &stock

	return &run, nil
}

// GetRun loads a run by id with its stock.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (*ingestion.IngestionRun, error) {
	query := `SELECT ` + runColumns + runFromClause + `WHERE r.id = $1`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingestion.ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to load run: %w", ErrRunStoreFailed, err)
	}

	return run, nil
}

// LatestRunForStock returns the newest run for a stock.
func (s *RunStore) LatestRunForStock(ctx context.Context, stockID uuid.UUID) (*ingestion.IngestionRun, error) {
	query := `SELECT ` + runColumns + runFromClause + `
		WHERE r.stock_id = $1
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT 1`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, stockID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingestion.ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to load latest run: %w", ErrRunStoreFailed, err)
	}

	return run, nil
}

// ActiveRuns returns every run in a non-terminal state, oldest first.
func (s *RunStore) ActiveRuns(ctx context.Context) ([]*ingestion.IngestionRun, error) {
	query := `SELECT ` + runColumns + runFromClause + `
		WHERE r.state NOT IN ('DONE', 'FAILED')
		ORDER BY r.created_at ASC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query active runs: %w", ErrRunStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var runs []*ingestion.IngestionRun

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan run: %w", ErrRunStoreFailed, err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating runs: %w", ErrRunStoreFailed, err)
	}

	return runs, nil
}

// LatestDoneRun returns the newest DONE run for a stock.
func (s *RunStore) LatestDoneRun(ctx context.Context, stockID uuid.UUID) (*ingestion.IngestionRun, error) {
	query := `SELECT ` + runColumns + runFromClause + `
		WHERE r.stock_id = $1 AND r.state = 'DONE'
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT 1`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, stockID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingestion.ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to load done run: %w", ErrRunStoreFailed, err)
	}

	return run, nil
}

// QueueForFetch upserts the stock and either returns the existing active run
// (created=false, the idempotent fast path) or inserts a new QUEUED_FOR_FETCH
// run (created=true).
//
// The whole operation is one transaction. Two concurrent requests for the
// same ticker both pass the active-run check only if neither has committed;
// the partial unique index then rejects the second insert and the loser gets
// ErrDuplicateActiveRun.
func (s *RunStore) QueueForFetch(
	ctx context.Context,
	req ingestion.QueueRequest,
) (*ingestion.IngestionRun, bool, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to begin transaction: %w", ErrRunStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	stock, inserted, err := upsertStockTx(ctx, tx, req.Ticker)
	if err != nil {
		return nil, false, err
	}

	// Idempotent fast path: an active run already exists.
	existing, err := activeRunForStockTx(ctx, tx, stock.ID)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("%w: failed to commit: %w", ErrRunStoreFailed, err)
		}

		existing.Stock = stock

		return existing, false, nil
	}

	run, err := insertRunTx(ctx, tx, stock.ID, req)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("%w: failed to commit: %w", ErrRunStoreFailed, err)
	}

	if inserted {
		s.publish(events.EntityStock)
	}

	run.Stock = stock

	return run, true, nil
}

// upsertStockTx upserts a stock inside an open transaction and reports whether
// a new row was inserted.
func upsertStockTx(ctx context.Context, tx *sql.Tx, ticker string) (*ingestion.Stock, bool, error) {
	insert := `
		INSERT INTO stocks (id, ticker, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (ticker) DO NOTHING
	`

	result, err := tx.ExecContext(ctx, insert, uuid.New(), ticker)
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to upsert stock: %w", ErrRunStoreFailed, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to get rows affected: %w", ErrRunStoreFailed, err)
	}

	query := `SELECT ` + stockColumns + ` FROM stocks WHERE ticker = $1`

	stock, err := scanStock(tx.QueryRowContext(ctx, query, ticker))
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to load stock: %w", ErrRunStoreFailed, err)
	}

	return stock, rows > 0, nil
}

// activeRunForStockTx returns the stock's active run under a row lock, or nil
// when none exists.
func activeRunForStockTx(ctx context.Context, tx *sql.Tx, stockID uuid.UUID) (*ingestion.IngestionRun, error) {
	// The lock blocks a concurrent QueueForFetch for the same stock between
	// its check and its insert.
	query := `SELECT ` + runColumns + runFromClause + `
		WHERE r.stock_id = $1 AND r.state NOT IN ('DONE', 'FAILED')
		ORDER BY r.created_at DESC
		LIMIT 1
		FOR UPDATE OF r`

	run, err := scanRun(tx.QueryRowContext(ctx, query, stockID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to query active run: %w", ErrRunStoreFailed, err)
	}

	return run, nil
}

// insertRunTx inserts a fresh QUEUED_FOR_FETCH run, translating the partial
// unique index violation into ErrDuplicateActiveRun.
func insertRunTx(
	ctx context.Context,
	tx *sql.Tx,
	stockID uuid.UUID,
	req ingestion.QueueRequest,
) (*ingestion.IngestionRun, error) {
	insert := `
		INSERT INTO ingestion_runs (
			id, stock_id, bulk_run_id, state, queued_for_fetch_at,
			requested_by, request_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, NOW(), NULLIF($5, ''), NULLIF($6, ''), NOW(), NOW())
		RETURNING created_at, updated_at, queued_for_fetch_at
	`

	run := &ingestion.IngestionRun{
		ID:        uuid.New(),
		StockID:   stockID,
		BulkRunID: req.BulkRunID,
		State:     ingestion.StateQueuedForFetch,
	}

	if req.RequestedBy != "" {
		requestedBy := req.RequestedBy
		run.RequestedBy = &requestedBy
	}

	if req.RequestID != "" {
		requestID := req.RequestID
		run.RequestID = &requestID
	}

	err := tx.QueryRowContext(
		ctx,
		insert,
		run.ID,
		stockID,
		req.BulkRunID,
		run.State.String(),
		req.RequestedBy,
		req.RequestID,
	).Scan(&run.CreatedAt, &run.UpdatedAt, &run.QueuedForFetchAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return nil, ingestion.ErrDuplicateActiveRun
		}

		return nil, fmt.Errorf("%w: failed to insert run: %w", ErrRunStoreFailed, err)
	}

	return run, nil
}

// phaseColumns maps each state to the timestamp column stamped on first entry.
var phaseColumns = map[ingestion.State]string{
	ingestion.StateQueuedForFetch:     "queued_for_fetch_at",
	ingestion.StateFetching:           "fetching_started_at",
	ingestion.StateFetched:            "fetching_finished_at",
	ingestion.StateQueuedForTransform: "queued_for_transform_at",
	ingestion.StateTransformRunning:   "transform_started_at",
	ingestion.StateTransformFinished:  "transform_finished_at",
	ingestion.StateDone:               "done_at",
	ingestion.StateFailed:             "failed_at",
}

// UpdateRunState atomically transitions a run under a row lock.
//
// The phase timestamp for the target state is stamped with COALESCE, so a
// replayed transition keeps the first entry time. Entering FAILED without
// error fields is rejected before any write.
func (s *RunStore) UpdateRunState(
	ctx context.Context,
	runID uuid.UUID,
	newState ingestion.State,
	opts ...ingestion.TransitionOption,
) (*ingestion.IngestionRun, error) {
	var transition ingestion.Transition
	for _, opt := range opts {
		opt(&transition)
	}

	if newState == ingestion.StateFailed && (transition.ErrorCode == "" || transition.ErrorMessage == "") {
		return nil, fmt.Errorf("%w: FAILED requires error code and message",
			ingestion.ErrInvalidStateTransition)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyDatabaseError(fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	lockQuery := `SELECT state FROM ingestion_runs WHERE id = $1 FOR UPDATE`

	var rawState string

	err = tx.QueryRowContext(ctx, lockQuery, runID).Scan(&rawState)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingestion.ErrRunNotFound
	}

	if err != nil {
		return nil, classifyDatabaseError(fmt.Errorf("failed to lock run: %w", err))
	}

	currentState, err := ingestion.ParseState(rawState)
	if err != nil {
		return nil, err
	}

	if err := ingestion.ValidateTransition(currentState, newState); err != nil {
		return nil, err
	}

	// The phase column name comes from a fixed map keyed by validated state,
	// never from input.
	phaseColumn := phaseColumns[newState]

	update := `
		UPDATE ingestion_runs SET
			state = $1,
			` + phaseColumn + ` = COALESCE(` + phaseColumn + `, NOW()),
			raw_data_uri = COALESCE(NULLIF($2, ''), raw_data_uri),
			processed_data_uri = COALESCE(NULLIF($3, ''), processed_data_uri),
			error_code = COALESCE(NULLIF($4, ''), error_code),
			error_message = COALESCE(NULLIF($5, ''), error_message),
			updated_at = NOW()
		WHERE id = $6
	`

	_, err = tx.ExecContext(
		ctx,
		update,
		newState.String(),
		transition.RawDataURI,
		transition.ProcessedDataURI,
		transition.ErrorCode,
		transition.ErrorMessage,
		runID,
	)
	if err != nil {
		return nil, classifyDatabaseError(fmt.Errorf("failed to update run: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyDatabaseError(fmt.Errorf("failed to commit: %w", err))
	}

	return s.GetRun(ctx, runID)
}

// LinkRunToBulk sets the run's bulk_run_id if not already set.
func (s *RunStore) LinkRunToBulk(ctx context.Context, runID, bulkRunID uuid.UUID) error {
	query := `
		UPDATE ingestion_runs
		SET bulk_run_id = $2, updated_at = NOW()
		WHERE id = $1 AND bulk_run_id IS NULL
	`

	result, err := s.conn.ExecContext(ctx, query, runID, bulkRunID)
	if err != nil {
		return fmt.Errorf("%w: failed to link run to bulk: %w", ErrRunStoreFailed, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to get rows affected: %w", ErrRunStoreFailed, err)
	}

	if rows == 0 {
		// Either the run does not exist or it is already linked. Only the
		// former is an error.
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
	}

	return nil
}

// UpdateStockMetadata projects descriptive fields from the unified table onto
// the stock record, upserting the exchange by normalized name when present.
// Nil metadata pointers leave stored values untouched.
func (s *RunStore) UpdateStockMetadata(ctx context.Context, ticker string, meta ingestion.StockMetadata) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return classifyDatabaseError(fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	var exchangeID *uuid.UUID

	exchangeCreated := false

	if name := ingestion.NormalizeExchangeName(meta.Exchange); name != "" {
		id, created, err := upsertExchangeTx(ctx, tx, name)
		if err != nil {
			return err
		}

		exchangeID = &id
		exchangeCreated = created
	}

	lockQuery := `SELECT id FROM stocks WHERE ticker = $1 FOR UPDATE`

	var stockID uuid.UUID

	err = tx.QueryRowContext(ctx, lockQuery, ticker).Scan(&stockID)
	if errors.Is(err, sql.ErrNoRows) {
		return ingestion.ErrStockNotFound
	}

	if err != nil {
		return classifyDatabaseError(fmt.Errorf("failed to lock stock: %w", err))
	}

	update := `
		UPDATE stocks SET
			name = COALESCE($2, name),
			sector = COALESCE($3, sector),
			subindustry = COALESCE($4, subindustry),
			industry = COALESCE($5, industry),
			morningstar_sector = COALESCE($6, morningstar_sector),
			morningstar_industry = COALESCE($7, morningstar_industry),
			country = COALESCE($8, country),
			description = COALESCE($9, description),
			exchange_id = COALESCE($10, exchange_id),
			updated_at = NOW()
		WHERE id = $1
	`

	_, err = tx.ExecContext(
		ctx,
		update,
		stockID,
		meta.Name,
		meta.Sector,
		meta.Subindustry,
		meta.Industry,
		meta.MorningstarSector,
		meta.MorningstarIndustry,
		meta.Country,
		meta.Description,
		exchangeID,
	)
	if err != nil {
		return classifyDatabaseError(fmt.Errorf("failed to update stock metadata: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return classifyDatabaseError(fmt.Errorf("failed to commit: %w", err))
	}

	s.publish(events.EntityStock)

	if meta.Sector != nil || meta.MorningstarSector != nil {
		s.publish(events.EntitySector)
	}

	if exchangeCreated {
		s.publish(events.EntityExchange)
	}

	return nil
}

// upsertExchangeTx upserts an exchange by normalized name and reports whether
// a new row was inserted.
func upsertExchangeTx(ctx context.Context, tx *sql.Tx, name string) (uuid.UUID, bool, error) {
	insert := `
		INSERT INTO exchanges (id, name, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (name) DO NOTHING
		RETURNING id
	`

	var id uuid.UUID

	err := tx.QueryRowContext(ctx, insert, uuid.New(), name).Scan(&id)
	if err == nil {
		return id, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, fmt.Errorf("%w: failed to upsert exchange: %w", ErrRunStoreFailed, err)
	}

	query := `SELECT id FROM exchanges WHERE name = $1`

	if err := tx.QueryRowContext(ctx, query, name).Scan(&id); err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: failed to load exchange: %w", ErrRunStoreFailed, err)
	}

	return id, false, nil
}

// CreateBulkRun inserts a new bulk run with zeroed counters.
func (s *RunStore) CreateBulkRun(ctx context.Context, requestedBy string) (*ingestion.BulkQueueRun, error) {
	insert := `
		INSERT INTO bulk_queue_runs (id, requested_by, created_at)
		VALUES ($1, NULLIF($2, ''), NOW())
		RETURNING created_at
	`

	run := &ingestion.BulkQueueRun{ID: uuid.New()}

	if requestedBy != "" {
		rb := requestedBy
		run.RequestedBy = &rb
	}

	if err := s.conn.QueryRowContext(ctx, insert, run.ID, requestedBy).Scan(&run.CreatedAt); err != nil {
		return nil, fmt.Errorf("%w: failed to insert bulk run: %w", ErrRunStoreFailed, err)
	}

	return run, nil
}

const bulkRunColumns = `
	id, requested_by, total_stocks, queued_count, skipped_count, error_count,
	created_at, started_at, completed_at
`

// GetBulkRun loads a bulk run by id.
func (s *RunStore) GetBulkRun(ctx context.Context, id uuid.UUID) (*ingestion.BulkQueueRun, error) {
	query := `SELECT ` + bulkRunColumns + ` FROM bulk_queue_runs WHERE id = $1`

	run, err := scanBulkRun(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingestion.ErrBulkRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to load bulk run: %w", ErrRunStoreFailed, err)
	}

	return run, nil
}

// scanBulkRun scans one bulk_queue_runs row in bulkRunColumns order.
func scanBulkRun(row interface{ Scan(...any) error }) (*ingestion.BulkQueueRun, error) {
	var run ingestion.BulkQueueRun

	err := row.Scan(
		&run.ID,
		&run.RequestedBy,
		&run.TotalStocks,
		&run.QueuedCount,
		&run.SkippedCount,
		&run.ErrorCount,
		&run.CreatedAt,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	return &run, nil
}

// MarkBulkRunStarted stamps started_at (first entry wins) and records the
// candidate total.
func (s *RunStore) MarkBulkRunStarted(ctx context.Context, id uuid.UUID, totalStocks int) error {
	query := `
		UPDATE bulk_queue_runs
		SET started_at = COALESCE(started_at, NOW()), total_stocks = $2
		WHERE id = $1
	`

	return s.execBulkUpdate(ctx, query, id, totalStocks)
}

// MarkBulkRunCompleted stamps completed_at.
func (s *RunStore) MarkBulkRunCompleted(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE bulk_queue_runs
		SET completed_at = COALESCE(completed_at, NOW())
		WHERE id = $1
	`

	return s.execBulkUpdate(ctx, query, id)
}

// AdjustBulkCounters applies the delta with in-database arithmetic.
func (s *RunStore) AdjustBulkCounters(ctx context.Context, id uuid.UUID, delta bulk.CounterDelta) error {
	query := `
		UPDATE bulk_queue_runs
		SET queued_count = queued_count + $2,
		    skipped_count = skipped_count + $3,
		    error_count = error_count + $4
		WHERE id = $1
	`

	return s.execBulkUpdate(ctx, query, id, delta.Queued, delta.Skipped, delta.Errors)
}

// execBulkUpdate runs an UPDATE keyed by bulk run id and maps zero affected
// rows to ErrBulkRunNotFound.
func (s *RunStore) execBulkUpdate(ctx context.Context, query string, id uuid.UUID, args ...any) error {
	allArgs := append([]any{id}, args...)

	result, err := s.conn.ExecContext(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("%w: failed to update bulk run: %w", ErrRunStoreFailed, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to get rows affected: %w", ErrRunStoreFailed, err)
	}

	if rows == 0 {
		return ingestion.ErrBulkRunNotFound
	}

	return nil
}

// ListTickers returns all candidate tickers in alphabetical order, optionally
// filtered by normalized exchange name.
func (s *RunStore) ListTickers(ctx context.Context, exchangeFilter string) ([]string, error) {
	query := `SELECT ticker FROM stocks ORDER BY ticker ASC`
	args := []any{}

	if name := ingestion.NormalizeExchangeName(exchangeFilter); name != "" {
		query = `
			SELECT s.ticker
			FROM stocks s
			JOIN exchanges e ON e.id = s.exchange_id
			WHERE e.name = $1
			ORDER BY s.ticker ASC
		`
		args = append(args, name)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query tickers: %w", ErrRunStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var tickers []string

	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			return nil, fmt.Errorf("%w: failed to scan ticker: %w", ErrRunStoreFailed, err)
		}

		tickers = append(tickers, ticker)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating tickers: %w", ErrRunStoreFailed, err)
	}

	return tickers, nil
}

// classifyDatabaseError maps lock timeouts and canceled statements to the
// retryable taxonomy so workers re-queue instead of failing the run.
func classifyDatabaseError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqLockNotAvailable, pqQueryCanceled:
			return ingestion.Retryable(ingestion.CodeDatabaseLockTimeout, "database lock timeout", err)
		}
	}

	return fmt.Errorf("%w: %w", ErrRunStoreFailed, err)
}
