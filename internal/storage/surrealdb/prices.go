package surrealdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

const priceSelectFields = "instrument_id, symbol, exchange, date, open, high, low, close, volume, adj_close, fundamentals, source, fetched_at, created_at"

// PriceStore implements interfaces.PriceStore using SurrealDB.
// Each (instrument, date) pair maps to one record id, so an UPSERT on that
// id cannot create a second row.
type PriceStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewPriceStore creates a new PriceStore.
func NewPriceStore(db *surrealdb.DB, logger *common.Logger) *PriceStore {
	return &PriceStore{db: db, logger: logger}
}

// priceRecordID derives the record key from the (instrument, date) pair.
func priceRecordID(instrumentID string, date time.Time) surrealmodels.RecordID {
	return surrealmodels.NewRecordID(TablePrices, instrumentID+"_"+date.UTC().Format("20060102"))
}

// Upsert writes the fields that carry a value and leaves the rest of an
// existing record untouched. created_at is set only when the record is new.
//
// Two writers racing on the same record can make SurrealDB abort one
// transaction with a write conflict. That write is dropped and reported as
// a conflict, the same way a duplicate-key error is on other backends.
func (s *PriceStore) Upsert(ctx context.Context, rec *models.DailyPrice) (models.UpsertResult, error) {
	date := models.TradingDate(rec.Date)
	vars := map[string]any{
		"rid":           priceRecordID(rec.InstrumentID, date),
		"instrument_id": rec.InstrumentID,
		"symbol":        rec.Symbol,
		"exchange":      rec.Exchange,
		"date":          date,
		"open":          rec.Open,
		"high":          rec.High,
		"low":           rec.Low,
		"close":         rec.Close,
		"source":        rec.Source,
		"fetched_at":    rec.FetchedAt,
		"now":           time.Now().UTC(),
	}
	sets := []string{
		"instrument_id = $instrument_id", "symbol = $symbol", "exchange = $exchange", "date = $date",
		"open = $open", "high = $high", "low = $low", "close = $close",
		"source = $source", "fetched_at = $fetched_at",
		"created_at = created_at ?? $now",
	}

	if rec.Volume != nil {
		sets = append(sets, "volume = $volume")
		vars["volume"] = *rec.Volume
	}
	if rec.AdjClose != nil {
		sets = append(sets, "adj_close = $adj_close")
		vars["adj_close"] = *rec.AdjClose
	}
	if f := rec.Fundamentals; !f.IsEmpty() {
		for name, v := range map[string]*float64{
			"pe_trailing": f.PETrailing,
			"pe_forward":  f.PEForward,
			"market_cap":  f.MarketCap,
			"week52_high": f.Week52High,
			"week52_low":  f.Week52Low,
			"avg_volume":  f.AvgVolume,
		} {
			if v != nil {
				sets = append(sets, fmt.Sprintf("fundamentals.%s = $f_%s", name, name))
				vars["f_"+name] = *v
			}
		}
	}

	type beforeRow struct {
		InstrumentID string `json:"instrument_id"`
	}

	sql := "UPSERT $rid SET " + strings.Join(sets, ", ") + " RETURN BEFORE"
	results, err := surrealdb.Query[[]*beforeRow](ctx, s.db, sql, vars)
	if err != nil {
		if isWriteConflict(err) {
			s.logger.Debug().Str("instrument_id", rec.InstrumentID).Time("date", date).Msg("Concurrent price write dropped")
			return models.UpsertResult{Conflict: true}, nil
		}
		return models.UpsertResult{}, fmt.Errorf("failed to upsert price %s %s: %w", rec.InstrumentID, date.Format("2006-01-02"), err)
	}

	before := firstResult(results)
	if len(before) == 0 || before[0] == nil || before[0].InstrumentID == "" {
		return models.UpsertResult{Inserted: true}, nil
	}
	return models.UpsertResult{Updated: true}, nil
}

// isWriteConflict matches the transaction conflict errors SurrealDB returns
// for concurrent writes to the same record.
func isWriteConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict") || strings.Contains(msg, "already exists")
}

func (s *PriceStore) CountByInstrument(ctx context.Context, instrumentID string) (int64, error) {
	sql := "SELECT count() AS cnt FROM " + TablePrices + " WHERE instrument_id = $id GROUP ALL"
	n, err := count(ctx, s.db, sql, map[string]any{"id": instrumentID})
	if err != nil {
		return 0, fmt.Errorf("failed to count prices for %s: %w", instrumentID, err)
	}
	return n, nil
}

func (s *PriceStore) DateRange(ctx context.Context, instrumentID string) (time.Time, time.Time, error) {
	earliest, err := s.edgeDate(ctx, instrumentID, "ASC")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	latest, err := s.edgeDate(ctx, instrumentID, "DESC")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return earliest, latest, nil
}

func (s *PriceStore) edgeDate(ctx context.Context, instrumentID, order string) (time.Time, error) {
	type row struct {
		Date time.Time `json:"date"`
	}

	sql := "SELECT date FROM " + TablePrices + " WHERE instrument_id = $id ORDER BY date " + order + " LIMIT 1"
	results, err := surrealdb.Query[[]row](ctx, s.db, sql, map[string]any{"id": instrumentID})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read date range for %s: %w", instrumentID, err)
	}
	rows := firstResult(results)
	if len(rows) == 0 {
		return time.Time{}, nil
	}
	return rows[0].Date.UTC(), nil
}

func (s *PriceStore) GetPrices(ctx context.Context, instrumentID string, from, to time.Time) ([]*models.DailyPrice, error) {
	sql := "SELECT " + priceSelectFields + " FROM " + TablePrices +
		" WHERE instrument_id = $id AND date >= $from AND date <= $to ORDER BY date ASC"
	vars := map[string]any{
		"id":   instrumentID,
		"from": models.TradingDate(from),
		"to":   models.TradingDate(to),
	}

	results, err := surrealdb.Query[[]models.DailyPrice](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get prices for %s: %w", instrumentID, err)
	}

	rows := firstResult(results)
	out := make([]*models.DailyPrice, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

// DeleteOlderThan counts then deletes; DELETE does not report an affected count.
func (s *PriceStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	vars := map[string]any{"cutoff": cutoff.UTC()}

	n, err := count(ctx, s.db, "SELECT count() AS cnt FROM "+TablePrices+" WHERE date < $cutoff GROUP ALL", vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired prices: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := surrealdb.Query[any](ctx, s.db, "DELETE FROM "+TablePrices+" WHERE date < $cutoff", vars); err != nil {
		return 0, fmt.Errorf("failed to delete expired prices: %w", err)
	}
	return n, nil
}

// Compile-time check
var _ interfaces.PriceStore = (*PriceStore)(nil)
