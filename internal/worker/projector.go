package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tickerflow-io/tickerflow/internal/ingestion"
	"github.com/tickerflow-io/tickerflow/internal/queue"
	"github.com/tickerflow-io/tickerflow/internal/unified"
)

// MetadataStore is the persistence surface the projector writes through.
// Both the PostgreSQL and the in-memory run stores satisfy it.
type MetadataStore interface {
	UpdateStockMetadata(ctx context.Context, ticker string, meta ingestion.StockMetadata) error
}

// Projector copies the descriptive fields from a ticker's metadata row in the
// unified table back onto its Stock record. Runs after DONE; a ticker with no
// metadata row is simply skipped.
type Projector struct {
	table    unified.TableEngine
	metadata MetadataStore
	logger   *slog.Logger
}

// NewProjector creates a metadata projector.
func NewProjector(table unified.TableEngine, metadata MetadataStore, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Projector{
		table:    table,
		metadata: metadata,
		logger:   logger.With("component", "metadata_projector"),
	}
}

// Process executes one projection task. Multiple metadata rows should not
// happen under the merge key, but if they do the first row wins.
func (p *Projector) Process(ctx context.Context, task queue.Task) error {
	ticker := task.Ticker
	if ticker == "" {
		return ingestion.Fatal(ingestion.CodeValidationError, "projection task carries no ticker", nil)
	}

	rows, err := p.table.ReadRows(ctx, unified.RecordTypeMetadata, ticker)
	if errors.Is(err, unified.ErrTableNotFound) {
		p.logger.Info("projection skipped, table does not exist", slog.String("ticker", ticker))

		return nil
	}

	if err != nil {
		return err
	}

	if len(rows) == 0 {
		p.logger.Info("projection skipped, no metadata row", slog.String("ticker", ticker))

		return nil
	}

	if len(rows) > 1 {
		p.logger.Warn("multiple metadata rows, using the first",
			slog.String("ticker", ticker),
			slog.Int("rows", len(rows)),
		)
	}

	meta := metadataFromRow(rows[0])

	if err := p.metadata.UpdateStockMetadata(ctx, ticker, meta); err != nil {
		if errors.Is(err, ingestion.ErrStockNotFound) {
			return ingestion.Fatal(ingestion.CodeStockNotFound, "stock vanished before projection", err)
		}

		return err
	}

	p.logger.Info("stock metadata projected", slog.String("ticker", ticker))

	return nil
}

// metadataFromRow maps the known metadata columns onto StockMetadata. Unknown
// columns and non-string values are ignored.
func metadataFromRow(row unified.Row) ingestion.StockMetadata {
	str := func(name string) *string {
		if s, ok := row[name].(string); ok && s != "" {
			return &s
		}

		return nil
	}

	meta := ingestion.StockMetadata{
		Name:                str("company_name"),
		Sector:              str("sector"),
		Subindustry:         str("subindustry"),
		Industry:            str("industry"),
		MorningstarSector:   str("morningstar_sector"),
		MorningstarIndustry: str("morningstar_industry"),
		Country:             str("country"),
		Description:         str("description"),
	}

	if s, ok := row["exchange"].(string); ok {
		meta.Exchange = s
	}

	return meta
}
