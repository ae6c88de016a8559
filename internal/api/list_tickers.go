package api

import (
	"net/http"

	"github.com/tickerflow-io/tickerflow/internal/cache"
	"github.com/tickerflow-io/tickerflow/internal/storage"
)

// handleListTickers serves GET /tickers: one cursor-paginated page of stocks,
// newest first, with exact and contains filters. Pages are cached per
// path+query; stock writes evict them through the invalidation fabric. Run
// lists stay uncached, they mutate on every pipeline transition.
func (s *Server) handleListTickers(w http.ResponseWriter, r *http.Request) {
	cacheKey := cache.PageKey(cache.ViewTickerList, r.URL.Path, r.URL.RawQuery, "", "")
	if s.servePageFromCache(w, r, cacheKey) {
		return
	}

	page, apiErr := parsePage(r)
	if apiErr != nil {
		writeError(w, r, s.logger, apiErr)

		return
	}

	q := r.URL.Query()
	filter := storage.StockFilter{
		Ticker:           q.Get("ticker"),
		TickerContains:   q.Get("ticker_contains"),
		Sector:           q.Get("sector"),
		SectorContains:   q.Get("sector_contains"),
		Exchange:         q.Get("exchange"),
		ExchangeContains: q.Get("exchange_contains"),
		Country:          q.Get("country"),
		CountryContains:  q.Get("country_contains"),
	}

	result, err := s.queries.ListStocks(r.Context(), filter, page)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	resp := StockListResponse{
		Items:      make([]StockResponse, 0, len(result.Items)),
		NextCursor: result.NextCursor,
	}
	for _, stock := range result.Items {
		resp.Items = append(resp.Items, newStockResponse(stock))
	}

	s.writePageWithCache(w, r, cacheKey, resp)
}
