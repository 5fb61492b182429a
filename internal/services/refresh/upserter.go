package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

// ErrInvalidRecord is returned for records without an instrument or date.
var ErrInvalidRecord = errors.New("invalid price record")

// UpsertSummary totals the results of UpsertMany.
type UpsertSummary struct {
	Inserted  int
	Updated   int
	Conflicts int
}

// Written is the number of records that reached storage.
func (s UpsertSummary) Written() int {
	return s.Inserted + s.Updated
}

// Upserter writes price records so repeated or overlapping fetches never
// create duplicates and never clear fields a later provider left empty.
type Upserter struct {
	prices interfaces.PriceStore
	logger *common.Logger
	now    func() time.Time
}

// NewUpserter creates an upserter over the price store.
func NewUpserter(prices interfaces.PriceStore, logger *common.Logger) *Upserter {
	return &Upserter{prices: prices, logger: logger, now: time.Now}
}

// Upsert normalizes and writes one record.
//
// The store finds the record by (instrument, date) and inserts it when
// absent. Two writers can both miss on the find and race to insert; the
// loser's write fails the uniqueness constraint and comes back as
// Conflict. That write is dropped and the winner's row stands. The next
// run rewrites the same day from the same provider data.
func (u *Upserter) Upsert(ctx context.Context, rec *models.DailyPrice) (models.UpsertResult, error) {
	if rec == nil || rec.InstrumentID == "" || rec.Date.IsZero() {
		return models.UpsertResult{}, ErrInvalidRecord
	}

	rec.Date = models.TradingDate(rec.Date)
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = u.now().UTC()
	}
	if rec.Fundamentals.IsEmpty() {
		rec.Fundamentals = nil
	}

	res, err := u.prices.Upsert(ctx, rec)
	if err != nil {
		return res, err
	}
	if res.Conflict {
		u.logger.Debug().
			Str("instrument_id", rec.InstrumentID).
			Str("date", rec.Date.Format("2006-01-02")).
			Msg("Duplicate key on upsert, concurrent write kept")
	}
	return res, nil
}

// UpsertMany writes records in order and stops at the first storage error.
func (u *Upserter) UpsertMany(ctx context.Context, recs []*models.DailyPrice) (UpsertSummary, error) {
	var sum UpsertSummary
	for i, rec := range recs {
		res, err := u.Upsert(ctx, rec)
		if err != nil {
			return sum, fmt.Errorf("upsert record %d: %w", i, err)
		}
		switch {
		case res.Conflict:
			sum.Conflicts++
		case res.Inserted:
			sum.Inserted++
		case res.Updated:
			sum.Updated++
		}
	}
	return sum, nil
}
