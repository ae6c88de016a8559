package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
)

// Pagination bounds. Ordering is always (created_at DESC, id DESC).
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

type (
	// PageRequest carries cursor pagination inputs. An empty Cursor means the
	// first page; Limit outside [1, MaxPageSize] falls back to defaults.
	PageRequest struct {
		Cursor string
		Limit  int
	}

	// StockFilter narrows the stock list. Exact fields match case-insensitively;
	// Contains fields do case-insensitive substring matching.
	StockFilter struct {
		Ticker           string
		TickerContains   string
		Sector           string
		SectorContains   string
		Exchange         string
		ExchangeContains string
		Country          string
		CountryContains  string
	}

	// RunFilter narrows the run list. IsTerminal and IsInProgress are the two
	// derived state-set booleans; State wins over both when set.
	RunFilter struct {
		Ticker        string
		State         *ingestion.State
		IsTerminal    *bool
		IsInProgress  *bool
		RequestedBy   string
		BulkRunID     *uuid.UUID
		CreatedAfter  *time.Time
		CreatedBefore *time.Time
	}

	// BulkRunFilter narrows the bulk run list.
	BulkRunFilter struct {
		RequestedBy   string
		Completed     *bool
		CreatedAfter  *time.Time
		CreatedBefore *time.Time
	}

	// StockPage is one page of stocks with the cursor of the next page.
	// NextCursor is empty on the last page.
	StockPage struct {
		Items      []*ingestion.Stock
		NextCursor string
	}

	// RunPage is one page of ingestion runs.
	RunPage struct {
		Items      []*ingestion.IngestionRun
		NextCursor string
	}

	// BulkRunPage is one page of bulk queue runs.
	BulkRunPage struct {
		Items      []*ingestion.BulkQueueRun
		NextCursor string
	}

	// BulkRunStats aggregates one bulk run's counters with the live per-state
	// distribution of its linked ingestion runs.
	BulkRunStats struct {
		BulkRun     *ingestion.BulkQueueRun
		StateCounts map[ingestion.State]int
	}
)

// normalizeLimit clamps a requested page size into [1, MaxPageSize].
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}

	if limit > MaxPageSize {
		return MaxPageSize
	}

	return limit
}

// whereBuilder accumulates WHERE clauses with $N positional parameters.
type whereBuilder struct {
	clauses []string
	args    []any
}

// add appends a clause, replacing each ? with the next positional parameter.
func (w *whereBuilder) add(clause string, values ...any) {
	for _, v := range values {
		w.args = append(w.args, v)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}

	w.clauses = append(w.clauses, clause)
}

// sql renders the WHERE clause, or the empty string when unfiltered.
func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}

	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// ListStocks returns one filtered page of stocks, newest first.
func (s *RunStore) ListStocks(ctx context.Context, filter StockFilter, page PageRequest) (*StockPage, error) {
	limit := normalizeLimit(page.Limit)

	cur, err := decodeCursor(page.Cursor)
	if err != nil {
		return nil, err
	}

	var where whereBuilder

	if filter.Ticker != "" {
		where.add("UPPER(s.ticker) = UPPER(?)", filter.Ticker)
	}

	if filter.TickerContains != "" {
		where.add("s.ticker ILIKE ?", contains(filter.TickerContains))
	}

	if filter.Sector != "" {
		where.add("UPPER(s.sector) = UPPER(?)", filter.Sector)
	}

	if filter.SectorContains != "" {
		where.add("s.sector ILIKE ?", contains(filter.SectorContains))
	}

	if filter.Exchange != "" {
		where.add("UPPER(e.name) = UPPER(?)", filter.Exchange)
	}

	if filter.ExchangeContains != "" {
		where.add("e.name ILIKE ?", contains(filter.ExchangeContains))
	}

	if filter.Country != "" {
		where.add("UPPER(s.country) = UPPER(?)", filter.Country)
	}

	if filter.CountryContains != "" {
		where.add("s.country ILIKE ?", contains(filter.CountryContains))
	}

	if cur != nil {
		where.add("(s.created_at, s.id) < (?, ?)", cur.createdAt, cur.id)
	}

	query := `
		SELECT s.id, s.ticker, s.name, s.sector, s.subindustry, s.industry,
		       s.morningstar_sector, s.morningstar_industry, s.country, s.description,
		       s.exchange_id, s.created_at, s.updated_at
		FROM stocks s
		LEFT JOIN exchanges e ON e.id = s.exchange_id` +
		where.sql() + `
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT ` + strconv.Itoa(limit+1)

	rows, err := s.conn.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list stocks: %w", ErrRunStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var items []*ingestion.Stock

	for rows.Next() {
		stock, err := scanStock(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan stock: %w", ErrRunStoreFailed, err)
		}

		items = append(items, stock)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating stocks: %w", ErrRunStoreFailed, err)
	}

	result := &StockPage{}

	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	result.Items = items

	return result, nil
}

// ListRuns returns one filtered page of ingestion runs, newest first, each
// with its stock loaded.
func (s *RunStore) ListRuns(ctx context.Context, filter RunFilter, page PageRequest) (*RunPage, error) {
	limit := normalizeLimit(page.Limit)

	cur, err := decodeCursor(page.Cursor)
	if err != nil {
		return nil, err
	}

	var where whereBuilder

	if filter.Ticker != "" {
		where.add("UPPER(s.ticker) = UPPER(?)", filter.Ticker)
	}

	if filter.State != nil {
		where.add("r.state = ?", filter.State.String())
	}

	if filter.IsTerminal != nil {
		if *filter.IsTerminal {
			where.add("r.state IN ('DONE', 'FAILED')")
		} else {
			where.add("r.state NOT IN ('DONE', 'FAILED')")
		}
	}

	if filter.IsInProgress != nil {
		if *filter.IsInProgress {
			where.add("r.state NOT IN ('DONE', 'FAILED')")
		} else {
			where.add("r.state IN ('DONE', 'FAILED')")
		}
	}

	if filter.RequestedBy != "" {
		where.add("r.requested_by = ?", filter.RequestedBy)
	}

	if filter.BulkRunID != nil {
		where.add("r.bulk_run_id = ?", *filter.BulkRunID)
	}

	if filter.CreatedAfter != nil {
		where.add("r.created_at >= ?", *filter.CreatedAfter)
	}

	if filter.CreatedBefore != nil {
		where.add("r.created_at <= ?", *filter.CreatedBefore)
	}

	if cur != nil {
		where.add("(r.created_at, r.id) < (?, ?)", cur.createdAt, cur.id)
	}

	query := `SELECT ` + runColumns + runFromClause +
		where.sql() + `
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT ` + strconv.Itoa(limit+1)

	rows, err := s.conn.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list runs: %w", ErrRunStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var items []*ingestion.IngestionRun

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan run: %w", ErrRunStoreFailed, err)
		}

		items = append(items, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating runs: %w", ErrRunStoreFailed, err)
	}

	result := &RunPage{}

	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	result.Items = items

	return result, nil
}

// ListBulkRuns returns one filtered page of bulk queue runs, newest first.
func (s *RunStore) ListBulkRuns(ctx context.Context, filter BulkRunFilter, page PageRequest) (*BulkRunPage, error) {
	limit := normalizeLimit(page.Limit)

	cur, err := decodeCursor(page.Cursor)
	if err != nil {
		return nil, err
	}

	var where whereBuilder

	if filter.RequestedBy != "" {
		where.add("requested_by = ?", filter.RequestedBy)
	}

	if filter.Completed != nil {
		if *filter.Completed {
			where.add("completed_at IS NOT NULL")
		} else {
			where.add("completed_at IS NULL")
		}
	}

	if filter.CreatedAfter != nil {
		where.add("created_at >= ?", *filter.CreatedAfter)
	}

	if filter.CreatedBefore != nil {
		where.add("created_at <= ?", *filter.CreatedBefore)
	}

	if cur != nil {
		where.add("(created_at, id) < (?, ?)", cur.createdAt, cur.id)
	}

	query := `SELECT ` + bulkRunColumns + ` FROM bulk_queue_runs` +
		where.sql() + `
		ORDER BY created_at DESC, id DESC
		LIMIT ` + strconv.Itoa(limit+1)

	rows, err := s.conn.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list bulk runs: %w", ErrRunStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var items []*ingestion.BulkQueueRun

	for rows.Next() {
		run, err := scanBulkRun(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan bulk run: %w", ErrRunStoreFailed, err)
		}

		items = append(items, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating bulk runs: %w", ErrRunStoreFailed, err)
	}

	result := &BulkRunPage{}

	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	result.Items = items

	return result, nil
}

// GetBulkRunStats aggregates a bulk run's counters with the per-state counts
// of its linked ingestion runs.
func (s *RunStore) GetBulkRunStats(ctx context.Context, id uuid.UUID) (*BulkRunStats, error) {
	bulkRun, err := s.GetBulkRun(ctx, id)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT state, COUNT(*)
		FROM ingestion_runs
		WHERE bulk_run_id = $1
		GROUP BY state
	`

	rows, err := s.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query bulk run stats: %w", ErrRunStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[ingestion.State]int)

	for rows.Next() {
		var (
			rawState string
			count    int
		)

		if err := rows.Scan(&rawState, &count); err != nil {
			return nil, fmt.Errorf("%w: failed to scan state count: %w", ErrRunStoreFailed, err)
		}

		state, err := ingestion.ParseState(rawState)
		if err != nil {
			return nil, err
		}

		counts[state] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating state counts: %w", ErrRunStoreFailed, err)
	}

	return &BulkRunStats{BulkRun: bulkRun, StateCounts: counts}, nil
}

// contains wraps a term for ILIKE substring matching, escaping the wildcard
// characters in user input.
func contains(term string) string {
	term = strings.ReplaceAll(term, `\`, `\\`)
	term = strings.ReplaceAll(term, "%", `\%`)
	term = strings.ReplaceAll(term, "_", `\_`)

	return "%" + term + "%"
}
