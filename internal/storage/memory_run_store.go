package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickerflow-io/tickerflow/internal/bulk"
	"github.com/tickerflow-io/tickerflow/internal/events"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
)

var (
	_ ingestion.Store = (*MemoryRunStore)(nil)
	_ bulk.Store      = (*MemoryRunStore)(nil)
)

// MemoryRunStore implements the same persistence surface as RunStore with
// in-memory maps. Used by unit tests and local development without
// PostgreSQL. A single mutex stands in for row locks, which preserves the
// same serialization guarantees at much coarser granularity.
type MemoryRunStore struct {
	mu sync.Mutex

	stocks    map[uuid.UUID]*ingestion.Stock
	byTicker  map[string]uuid.UUID
	exchanges map[string]*ingestion.Exchange
	runs      map[uuid.UUID]*ingestion.IngestionRun
	bulkRuns  map[uuid.UUID]*ingestion.BulkQueueRun

	publisher events.Publisher
}

// NewMemoryRunStore creates an empty in-memory run store. A nil publisher
// disables change events.
func NewMemoryRunStore(publisher events.Publisher) *MemoryRunStore {
	return &MemoryRunStore{
		stocks:    make(map[uuid.UUID]*ingestion.Stock),
		byTicker:  make(map[string]uuid.UUID),
		exchanges: make(map[string]*ingestion.Exchange),
		runs:      make(map[uuid.UUID]*ingestion.IngestionRun),
		bulkRuns:  make(map[uuid.UUID]*ingestion.BulkQueueRun),
		publisher: publisher,
	}
}

func (s *MemoryRunStore) publish(entity string) {
	if s.publisher != nil {
		s.publisher.Publish(events.Change{Entity: entity})
	}
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryRunStore) HealthCheck(context.Context) error {
	return nil
}

func (s *MemoryRunStore) getOrCreateStockLocked(ticker string) (*ingestion.Stock, bool) {
	if id, ok := s.byTicker[ticker]; ok {
		return s.stocks[id], false
	}

	now := time.Now().UTC()
	stock := &ingestion.Stock{ID: uuid.New(), Ticker: ticker, CreatedAt: now, UpdatedAt: now}
	s.stocks[stock.ID] = stock
	s.byTicker[ticker] = stock.ID

	return stock, true
}

// GetOrCreateStock upserts a stock by normalized ticker.
func (s *MemoryRunStore) GetOrCreateStock(_ context.Context, ticker string) (*ingestion.Stock, error) {
	s.mu.Lock()
	stock, created := s.getOrCreateStockLocked(ticker)
	copied := *stock
	s.mu.Unlock()

	if created {
		s.publish(events.EntityStock)
	}

	return &copied, nil
}

// GetStockByTicker resolves a stock by normalized ticker.
func (s *MemoryRunStore) GetStockByTicker(_ context.Context, ticker string) (*ingestion.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byTicker[ticker]
	if !ok {
		return nil, ingestion.ErrStockNotFound
	}

	copied := *s.stocks[id]

	return &copied, nil
}

func (s *MemoryRunStore) copyRunLocked(run *ingestion.IngestionRun) *ingestion.IngestionRun {
	copied := *run

	if stock, ok := s.stocks[run.StockID]; ok {
		stockCopy := *stock
		copied.Stock = &stockCopy
	}

	return &copied
}

// GetRun loads a run by id with its stock.
func (s *MemoryRunStore) GetRun(_ context.Context, runID uuid.UUID) (*ingestion.IngestionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ingestion.ErrRunNotFound
	}

	return s.copyRunLocked(run), nil
}

// LatestRunForStock returns the newest run for a stock.
func (s *MemoryRunStore) LatestRunForStock(_ context.Context, stockID uuid.UUID) (*ingestion.IngestionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *ingestion.IngestionRun

	for _, run := range s.runs {
		if run.StockID != stockID {
			continue
		}

		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			latest = run
		}
	}

	if latest == nil {
		return nil, ingestion.ErrRunNotFound
	}

	return s.copyRunLocked(latest), nil
}

// ActiveRuns returns every run in a non-terminal state, oldest first.
func (s *MemoryRunStore) ActiveRuns(context.Context) ([]*ingestion.IngestionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*ingestion.IngestionRun

	for _, run := range s.runs {
		if run.State.Active() {
			active = append(active, s.copyRunLocked(run))
		}
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	return active, nil
}

// LatestDoneRun returns the newest DONE run for a stock.
func (s *MemoryRunStore) LatestDoneRun(_ context.Context, stockID uuid.UUID) (*ingestion.IngestionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *ingestion.IngestionRun

	for _, run := range s.runs {
		if run.StockID != stockID || run.State != ingestion.StateDone {
			continue
		}

		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			latest = run
		}
	}

	if latest == nil {
		return nil, ingestion.ErrRunNotFound
	}

	return s.copyRunLocked(latest), nil
}

// QueueForFetch upserts the stock and either returns the existing active run
// or creates a new QUEUED_FOR_FETCH run.
func (s *MemoryRunStore) QueueForFetch(
	_ context.Context,
	req ingestion.QueueRequest,
) (*ingestion.IngestionRun, bool, error) {
	s.mu.Lock()

	stock, createdStock := s.getOrCreateStockLocked(req.Ticker)

	for _, run := range s.runs {
		if run.StockID == stock.ID && run.State.Active() {
			copied := s.copyRunLocked(run)
			s.mu.Unlock()

			return copied, false, nil
		}
	}

	now := time.Now().UTC()
	run := &ingestion.IngestionRun{
		ID:               uuid.New(),
		StockID:          stock.ID,
		BulkRunID:        req.BulkRunID,
		State:            ingestion.StateQueuedForFetch,
		QueuedForFetchAt: &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if req.RequestedBy != "" {
		rb := req.RequestedBy
		run.RequestedBy = &rb
	}

	if req.RequestID != "" {
		rid := req.RequestID
		run.RequestID = &rid
	}

	s.runs[run.ID] = run
	copied := s.copyRunLocked(run)
	s.mu.Unlock()

	if createdStock {
		s.publish(events.EntityStock)
	}

	return copied, true, nil
}

// phaseTimestampLocked returns the pointer to the run's phase timestamp field
// for a state.
func phaseTimestampLocked(run *ingestion.IngestionRun, state ingestion.State) **time.Time {
	switch state {
	case ingestion.StateQueuedForFetch:
		return &run.QueuedForFetchAt
	case ingestion.StateFetching:
		return &run.FetchingStartedAt
	case ingestion.StateFetched:
		return &run.FetchingFinishedAt
	case ingestion.StateQueuedForTransform:
		return &run.QueuedForTransformAt
	case ingestion.StateTransformRunning:
		return &run.TransformStartedAt
	case ingestion.StateTransformFinished:
		return &run.TransformFinishedAt
	case ingestion.StateDone:
		return &run.DoneAt
	case ingestion.StateFailed:
		return &run.FailedAt
	default:
		return nil
	}
}

// UpdateRunState transitions a run, validating against the state machine.
func (s *MemoryRunStore) UpdateRunState(
	_ context.Context,
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

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ingestion.ErrRunNotFound
	}

	if err := ingestion.ValidateTransition(run.State, newState); err != nil {
		return nil, err
	}

	run.State = newState

	// First entry wins.
	if ts := phaseTimestampLocked(run, newState); ts != nil && *ts == nil {
		now := time.Now().UTC()
		*ts = &now
	}

	if transition.RawDataURI != "" {
		uri := transition.RawDataURI
		run.RawDataURI = &uri
	}

	if transition.ProcessedDataURI != "" {
		uri := transition.ProcessedDataURI
		run.ProcessedDataURI = &uri
	}

	if transition.ErrorCode != "" {
		code := transition.ErrorCode
		msg := transition.ErrorMessage
		run.ErrorCode = &code
		run.ErrorMessage = &msg
	}

	run.UpdatedAt = time.Now().UTC()

	return s.copyRunLocked(run), nil
}

// LinkRunToBulk sets the run's bulk_run_id if not already set.
func (s *MemoryRunStore) LinkRunToBulk(_ context.Context, runID, bulkRunID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ingestion.ErrRunNotFound
	}

	if run.BulkRunID == nil {
		run.BulkRunID = &bulkRunID
	}

	return nil
}

// UpdateStockMetadata projects descriptive fields onto the stock record.
func (s *MemoryRunStore) UpdateStockMetadata(_ context.Context, ticker string, meta ingestion.StockMetadata) error {
	s.mu.Lock()

	id, ok := s.byTicker[ticker]
	if !ok {
		s.mu.Unlock()

		return ingestion.ErrStockNotFound
	}

	stock := s.stocks[id]
	exchangeCreated := false

	if name := ingestion.NormalizeExchangeName(meta.Exchange); name != "" {
		exchange, ok := s.exchanges[name]
		if !ok {
			now := time.Now().UTC()
			exchange = &ingestion.Exchange{ID: uuid.New(), Name: name, CreatedAt: now, UpdatedAt: now}
			s.exchanges[name] = exchange
			exchangeCreated = true
		}

		exchangeID := exchange.ID
		stock.ExchangeID = &exchangeID
	}

	assign := func(dst **string, src *string) {
		if src != nil {
			v := *src
			*dst = &v
		}
	}

	assign(&stock.Name, meta.Name)
	assign(&stock.Sector, meta.Sector)
	assign(&stock.Subindustry, meta.Subindustry)
	assign(&stock.Industry, meta.Industry)
	assign(&stock.MorningstarSector, meta.MorningstarSector)
	assign(&stock.MorningstarIndustry, meta.MorningstarIndustry)
	assign(&stock.Country, meta.Country)
	assign(&stock.Description, meta.Description)

	stock.UpdatedAt = time.Now().UTC()
	sectorChanged := meta.Sector != nil || meta.MorningstarSector != nil

	s.mu.Unlock()

	s.publish(events.EntityStock)

	if sectorChanged {
		s.publish(events.EntitySector)
	}

	if exchangeCreated {
		s.publish(events.EntityExchange)
	}

	return nil
}

// ExchangeByName returns a stored exchange by normalized name, used by tests.
func (s *MemoryRunStore) ExchangeByName(name string) (*ingestion.Exchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exchange, ok := s.exchanges[ingestion.NormalizeExchangeName(name)]
	if !ok {
		return nil, false
	}

	copied := *exchange

	return &copied, true
}

// CreateBulkRun inserts a new bulk run with zeroed counters.
func (s *MemoryRunStore) CreateBulkRun(_ context.Context, requestedBy string) (*ingestion.BulkQueueRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &ingestion.BulkQueueRun{ID: uuid.New(), CreatedAt: time.Now().UTC()}

	if requestedBy != "" {
		rb := requestedBy
		run.RequestedBy = &rb
	}

	s.bulkRuns[run.ID] = run
	copied := *run

	return &copied, nil
}

// GetBulkRun loads a bulk run by id.
func (s *MemoryRunStore) GetBulkRun(_ context.Context, id uuid.UUID) (*ingestion.BulkQueueRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.bulkRuns[id]
	if !ok {
		return nil, ingestion.ErrBulkRunNotFound
	}

	copied := *run

	return &copied, nil
}

// MarkBulkRunStarted stamps started_at and records the candidate total.
func (s *MemoryRunStore) MarkBulkRunStarted(_ context.Context, id uuid.UUID, totalStocks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.bulkRuns[id]
	if !ok {
		return ingestion.ErrBulkRunNotFound
	}

	if run.StartedAt == nil {
		now := time.Now().UTC()
		run.StartedAt = &now
	}

	run.TotalStocks = totalStocks

	return nil
}

// MarkBulkRunCompleted stamps completed_at.
func (s *MemoryRunStore) MarkBulkRunCompleted(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.bulkRuns[id]
	if !ok {
		return ingestion.ErrBulkRunNotFound
	}

	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}

	return nil
}

// AdjustBulkCounters applies the delta atomically under the store mutex.
func (s *MemoryRunStore) AdjustBulkCounters(_ context.Context, id uuid.UUID, delta bulk.CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.bulkRuns[id]
	if !ok {
		return ingestion.ErrBulkRunNotFound
	}

	run.QueuedCount += delta.Queued
	run.SkippedCount += delta.Skipped
	run.ErrorCount += delta.Errors

	return nil
}

// ListTickers returns all tickers alphabetically, optionally filtered by
// normalized exchange name.
func (s *MemoryRunStore) ListTickers(_ context.Context, exchangeFilter string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := ingestion.NormalizeExchangeName(exchangeFilter)

	var exchangeID *uuid.UUID

	if name != "" {
		exchange, ok := s.exchanges[name]
		if !ok {
			return nil, nil
		}

		exchangeID = &exchange.ID
	}

	var tickers []string

	for ticker, id := range s.byTicker {
		if exchangeID != nil {
			stock := s.stocks[id]
			if stock.ExchangeID == nil || *stock.ExchangeID != *exchangeID {
				continue
			}
		}

		tickers = append(tickers, ticker)
	}

	sort.Strings(tickers)

	return tickers, nil
}

// ListStocks returns one filtered page of stocks, newest first.
func (s *MemoryRunStore) ListStocks(_ context.Context, filter StockFilter, page PageRequest) (*StockPage, error) {
	limit := normalizeLimit(page.Limit)

	cur, err := decodeCursor(page.Cursor)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()

	var all []*ingestion.Stock

	for _, stock := range s.stocks {
		if !matchStockFilter(stock, s.exchangeNameLocked(stock.ExchangeID), filter) {
			continue
		}

		copied := *stock
		all = append(all, &copied)
	}

	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}

		return all[i].ID.String() > all[j].ID.String()
	})

	all = afterCursorStocks(all, cur)

	result := &StockPage{}

	if len(all) > limit {
		all = all[:limit]
		last := all[len(all)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	result.Items = all

	return result, nil
}

func (s *MemoryRunStore) exchangeNameLocked(id *uuid.UUID) string {
	if id == nil {
		return ""
	}

	for _, exchange := range s.exchanges {
		if exchange.ID == *id {
			return exchange.Name
		}
	}

	return ""
}

func matchStockFilter(stock *ingestion.Stock, exchangeName string, filter StockFilter) bool {
	equalsFold := func(have *string, want string) bool {
		return want == "" || (have != nil && strings.EqualFold(*have, want))
	}
	containsFold := func(have *string, want string) bool {
		return want == "" || (have != nil && strings.Contains(strings.ToUpper(*have), strings.ToUpper(want)))
	}

	if filter.Ticker != "" && !strings.EqualFold(stock.Ticker, filter.Ticker) {
		return false
	}

	if filter.TickerContains != "" &&
		!strings.Contains(strings.ToUpper(stock.Ticker), strings.ToUpper(filter.TickerContains)) {
		return false
	}

	if filter.Exchange != "" && !strings.EqualFold(exchangeName, filter.Exchange) {
		return false
	}

	if filter.ExchangeContains != "" &&
		!strings.Contains(strings.ToUpper(exchangeName), strings.ToUpper(filter.ExchangeContains)) {
		return false
	}

	return equalsFold(stock.Sector, filter.Sector) &&
		containsFold(stock.Sector, filter.SectorContains) &&
		equalsFold(stock.Country, filter.Country) &&
		containsFold(stock.Country, filter.CountryContains)
}

func afterCursorStocks(stocks []*ingestion.Stock, cur *cursor) []*ingestion.Stock {
	if cur == nil {
		return stocks
	}

	for i, stock := range stocks {
		if stock.CreatedAt.Before(cur.createdAt) ||
			(stock.CreatedAt.Equal(cur.createdAt) && stock.ID.String() < cur.id.String()) {
			return stocks[i:]
		}
	}

	return nil
}

// ListRuns returns one filtered page of runs, newest first.
func (s *MemoryRunStore) ListRuns(_ context.Context, filter RunFilter, page PageRequest) (*RunPage, error) {
	limit := normalizeLimit(page.Limit)

	cur, err := decodeCursor(page.Cursor)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()

	var all []*ingestion.IngestionRun

	for _, run := range s.runs {
		if s.matchRunFilterLocked(run, filter) {
			all = append(all, s.copyRunLocked(run))
		}
	}

	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}

		return all[i].ID.String() > all[j].ID.String()
	})

	if cur != nil {
		kept := all[:0]

		for _, run := range all {
			if run.CreatedAt.Before(cur.createdAt) ||
				(run.CreatedAt.Equal(cur.createdAt) && run.ID.String() < cur.id.String()) {
				kept = append(kept, run)
			}
		}

		all = kept
	}

	result := &RunPage{}

	if len(all) > limit {
		all = all[:limit]
		last := all[len(all)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	result.Items = all

	return result, nil
}

func (s *MemoryRunStore) matchRunFilterLocked(run *ingestion.IngestionRun, filter RunFilter) bool {
	if filter.Ticker != "" {
		stock, ok := s.stocks[run.StockID]
		if !ok || !strings.EqualFold(stock.Ticker, filter.Ticker) {
			return false
		}
	}

	if filter.State != nil && run.State != *filter.State {
		return false
	}

	if filter.IsTerminal != nil && run.State.Terminal() != *filter.IsTerminal {
		return false
	}

	if filter.IsInProgress != nil && run.State.Active() != *filter.IsInProgress {
		return false
	}

	if filter.RequestedBy != "" &&
		(run.RequestedBy == nil || *run.RequestedBy != filter.RequestedBy) {
		return false
	}

	if filter.BulkRunID != nil &&
		(run.BulkRunID == nil || *run.BulkRunID != *filter.BulkRunID) {
		return false
	}

	if filter.CreatedAfter != nil && run.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}

	if filter.CreatedBefore != nil && run.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}

	return true
}

// ListBulkRuns returns one filtered page of bulk runs, newest first.
func (s *MemoryRunStore) ListBulkRuns(
	_ context.Context,
	filter BulkRunFilter,
	page PageRequest,
) (*BulkRunPage, error) {
	limit := normalizeLimit(page.Limit)

	cur, err := decodeCursor(page.Cursor)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()

	var all []*ingestion.BulkQueueRun

	for _, run := range s.bulkRuns {
		if !matchBulkRunFilter(run, filter) {
			continue
		}

		copied := *run
		all = append(all, &copied)
	}

	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}

		return all[i].ID.String() > all[j].ID.String()
	})

	if cur != nil {
		kept := all[:0]

		for _, run := range all {
			if run.CreatedAt.Before(cur.createdAt) ||
				(run.CreatedAt.Equal(cur.createdAt) && run.ID.String() < cur.id.String()) {
				kept = append(kept, run)
			}
		}

		all = kept
	}

	result := &BulkRunPage{}

	if len(all) > limit {
		all = all[:limit]
		last := all[len(all)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	result.Items = all

	return result, nil
}

func matchBulkRunFilter(run *ingestion.BulkQueueRun, filter BulkRunFilter) bool {
	if filter.RequestedBy != "" &&
		(run.RequestedBy == nil || *run.RequestedBy != filter.RequestedBy) {
		return false
	}

	if filter.Completed != nil && run.Completed() != *filter.Completed {
		return false
	}

	if filter.CreatedAfter != nil && run.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}

	if filter.CreatedBefore != nil && run.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}

	return true
}

// GetBulkRunStats aggregates a bulk run's counters with the per-state counts
// of its linked ingestion runs.
func (s *MemoryRunStore) GetBulkRunStats(ctx context.Context, id uuid.UUID) (*BulkRunStats, error) {
	bulkRun, err := s.GetBulkRun(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[ingestion.State]int)

	for _, run := range s.runs {
		if run.BulkRunID != nil && *run.BulkRunID == id {
			counts[run.State]++
		}
	}

	return &BulkRunStats{BulkRun: bulkRun, StateCounts: counts}, nil
}
