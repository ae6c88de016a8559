package unified

import (
	"encoding/json"
	"fmt"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
)

// droppedMetrics are quarterly metrics excluded from the unified table.
var droppedMetrics = map[string]bool{
	"roic_5yr_avg": true,
}

// rawPayload mirrors the upstream document shape. Everything is optional;
// what is absent simply produces no rows.
type rawPayload struct {
	Data struct {
		Financials struct {
			Quarterly map[string]json.RawMessage `json:"quarterly"`
			TTM       map[string]any             `json:"ttm"`
		} `json:"financials"`
		Metadata map[string]any `json:"metadata"`
	} `json:"data"`
}

// Reshape converts one raw upstream payload into unified table rows:
// one row per quarterly period, at most one metadata row, and at most one TTM
// row pinned to the last quarterly period date.
//
// Null-marker strings are normalized to nil during row construction, before
// the frame infers any dtype. Malformed payloads raise INVALID_DATA_FORMAT.
func Reshape(ticker string, payload []byte) ([]Row, error) {
	var doc rawPayload
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, ingestion.Fatal(ingestion.CodeInvalidDataFormat, "payload does not match expected shape", err)
	}

	var rows []Row

	quarterly, lastPeriod, err := reshapeQuarterly(ticker, doc.Data.Financials.Quarterly)
	if err != nil {
		return nil, err
	}

	rows = append(rows, quarterly...)

	if len(doc.Data.Metadata) > 0 {
		rows = append(rows, reshapeMetadata(ticker, doc.Data.Metadata))
	}

	// TTM rides on the last quarterly date; without quarterly periods there is
	// nothing to pin it to, so it is skipped.
	if len(doc.Data.Financials.TTM) > 0 && lastPeriod != "" {
		rows = append(rows, reshapeTTM(ticker, lastPeriod, doc.Data.Financials.TTM))
	}

	if len(rows) == 0 {
		return nil, ingestion.Fatal(ingestion.CodeInvalidDataFormat, "payload produced no rows", nil)
	}

	return rows, nil
}

// reshapeQuarterly pivots the column-oriented quarterly block into one row per
// period. Returns the rows and the last period date for TTM pinning.
func reshapeQuarterly(ticker string, quarterly map[string]json.RawMessage) ([]Row, string, error) {
	if len(quarterly) == 0 {
		return nil, "", nil
	}

	rawDates, ok := quarterly[ColPeriodEndDate]
	if !ok {
		return nil, "", ingestion.Fatal(ingestion.CodeInvalidDataFormat,
			"quarterly block missing period_end_date", nil)
	}

	var dates []string
	if err := json.Unmarshal(rawDates, &dates); err != nil {
		return nil, "", ingestion.Fatal(ingestion.CodeInvalidDataFormat,
			"quarterly period_end_date is not a string list", err)
	}

	if len(dates) == 0 {
		return nil, "", nil
	}

	// Decode every metric series up front so a length mismatch fails before
	// any row is emitted.
	metrics := make(map[string][]any, len(quarterly))

	for name, raw := range quarterly {
		if name == ColPeriodEndDate || droppedMetrics[name] {
			continue
		}

		var series []any
		if err := json.Unmarshal(raw, &series); err != nil {
			return nil, "", ingestion.Fatal(ingestion.CodeInvalidDataFormat,
				fmt.Sprintf("quarterly metric %s is not a list", name), err)
		}

		if len(series) != len(dates) {
			return nil, "", ingestion.Fatal(ingestion.CodeInvalidDataFormat,
				fmt.Sprintf("quarterly metric %s has %d values for %d periods", name, len(series), len(dates)), nil)
		}

		metrics[name] = series
	}

	rows := make([]Row, 0, len(dates))

	for i, date := range dates {
		row := Row{
			ColTicker:        ticker,
			ColRecordType:    RecordTypeFinancials,
			ColPeriodEndDate: date,
		}

		for name, series := range metrics {
			row[name] = NormalizeNull(series[i])
		}

		rows = append(rows, row)
	}

	return rows, dates[len(dates)-1], nil
}

// reshapeMetadata emits the single descriptive row with a null period.
func reshapeMetadata(ticker string, metadata map[string]any) Row {
	row := Row{
		ColTicker:        ticker,
		ColRecordType:    RecordTypeMetadata,
		ColPeriodEndDate: nil,
	}

	for name, value := range metadata {
		if name == ColTicker || name == ColRecordType || name == ColPeriodEndDate {
			continue
		}

		row[name] = NormalizeNull(value)
	}

	return row
}

// reshapeTTM emits the trailing-twelve-months row pinned to lastPeriod,
// replacing any "TTM" placeholder the upstream left in the block.
func reshapeTTM(ticker, lastPeriod string, ttm map[string]any) Row {
	row := Row{
		ColTicker:        ticker,
		ColRecordType:    RecordTypeTTM,
		ColPeriodEndDate: lastPeriod,
	}

	for name, value := range ttm {
		if name == ColTicker || name == ColRecordType || name == ColPeriodEndDate {
			continue
		}

		if droppedMetrics[name] {
			continue
		}

		row[name] = NormalizeNull(value)
	}

	return row
}
