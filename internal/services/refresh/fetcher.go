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

// Fetcher pulls prices for one instrument from the providers and writes them
// through the upserter. Each provider is called at most once per instrument
// per run; a failure moves on to the next provider instead of retrying.
type Fetcher struct {
	primary     interfaces.PrimarySource
	secondary   interfaces.SecondarySource
	instruments interfaces.InstrumentStore
	upserter    *Upserter
	logger      *common.Logger

	backfillYears   int
	incrementalDays int

	session      *time.Location
	sessionOpen  int // minutes after local midnight
	sessionClose int

	now func() time.Time
}

// NewFetcher creates a fetcher. primary may be nil, in which case every
// refresh uses the secondary source only.
func NewFetcher(primary interfaces.PrimarySource, secondary interfaces.SecondarySource, instruments interfaces.InstrumentStore, upserter *Upserter, config common.RefreshConfig, logger *common.Logger) *Fetcher {
	open, err := common.ParseClock(config.SessionOpen)
	if err != nil {
		open = 9*60 + 15
	}
	closeAt, err := common.ParseClock(config.SessionClose)
	if err != nil {
		closeAt = 15*60 + 30
	}
	backfill := config.BackfillYears
	if backfill <= 0 {
		backfill = 5
	}
	incremental := config.IncrementalDays
	if incremental <= 0 {
		incremental = 3
	}

	return &Fetcher{
		primary:         primary,
		secondary:       secondary,
		instruments:     instruments,
		upserter:        upserter,
		logger:          logger,
		backfillYears:   backfill,
		incrementalDays: incremental,
		session:         config.GetSessionLocation(),
		sessionOpen:     open,
		sessionClose:    closeAt,
		now:             time.Now,
	}
}

// FullRange is the backfill window ending today.
func (f *Fetcher) FullRange() (time.Time, time.Time) {
	today := models.TradingDate(f.now().In(f.session))
	return today.AddDate(-f.backfillYears, 0, 0), today
}

// ShortRange covers the last incrementalDays calendar days including today.
func (f *Fetcher) ShortRange() (time.Time, time.Time) {
	today := models.TradingDate(f.now().In(f.session))
	return today.AddDate(0, 0, -(f.incrementalDays - 1)), today
}

// InSession reports whether t falls inside the primary source's trading
// session, Monday to Friday.
func (f *Fetcher) InSession(t time.Time) bool {
	local := t.In(f.session)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= f.sessionOpen && minute <= f.sessionClose
}

// Backfill loads the full history range from the secondary source.
func (f *Fetcher) Backfill(ctx context.Context, inst *models.Instrument) models.InstrumentOutcome {
	out := models.InstrumentOutcome{InstrumentID: inst.ID, Symbol: inst.Symbol, Kind: models.OutcomeBackfill}

	from, to := f.FullRange()
	n, conflicts, err := f.fromSecondary(ctx, inst, from, to, true)
	switch {
	case errors.Is(err, ErrNoData):
		out.NoData = true
	case err != nil:
		out.Err = err
	default:
		out.Source = f.secondary.Name()
		out.Records = n
		out.Conflicts = conflicts
	}
	return out
}

// Refresh brings recent days up to date. During the trading session the
// primary quote is tried first with the secondary short range as fallback;
// outside it the order is reversed. Only a failed call moves on to the next
// source: a source that answers with nothing ends the instrument as NoData.
func (f *Fetcher) Refresh(ctx context.Context, inst *models.Instrument) models.InstrumentOutcome {
	out := models.InstrumentOutcome{InstrumentID: inst.ID, Symbol: inst.Symbol, Kind: models.OutcomeRefresh}

	type attempt struct {
		name string
		run  func() (int, int, error)
	}
	from, to := f.ShortRange()
	secondary := attempt{f.secondary.Name(), func() (int, int, error) { return f.fromSecondary(ctx, inst, from, to, false) }}

	attempts := []attempt{secondary}
	if f.primary != nil {
		primary := attempt{f.primary.Name(), func() (int, int, error) { return f.fromPrimary(ctx, inst) }}
		if f.InSession(f.now()) {
			attempts = []attempt{primary, secondary}
		} else {
			attempts = []attempt{secondary, primary}
		}
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}
		n, conflicts, err := a.run()
		if err == nil {
			out.Source = a.name
			out.Records = n
			out.Conflicts = conflicts
			return out
		}
		if errors.Is(err, ErrNoData) {
			out.Source = a.name
			out.NoData = true
			return out
		}
		lastErr = err
		f.logger.Debug().Err(err).Str("symbol", inst.Symbol).Str("source", a.name).Msg("Source failed, trying next")
	}

	out.Err = lastErr
	return out
}

// fromPrimary stores the current quote as a single-point bar for today and
// writes any sector data the quote carried. A quote from an earlier trading
// day is refused, and once the session has closed a bar the secondary source
// already stored for today is left alone.
func (f *Fetcher) fromPrimary(ctx context.Context, inst *models.Instrument) (int, int, error) {
	quote, err := f.primary.GetQuote(ctx, inst.Symbol)
	if err != nil {
		return 0, 0, fmt.Errorf("%s quote: %w", f.primary.Name(), err)
	}
	if quote == nil || quote.Price <= 0 {
		return 0, 0, ErrNoData
	}

	now := f.now()
	asOf := quote.AsOf
	if asOf.IsZero() {
		asOf = now
	}
	today := models.TradingDate(now.In(f.session))
	if date := models.TradingDate(asOf.In(f.session)); !date.Equal(today) {
		return 0, 0, fmt.Errorf("%s quote for %s is from %s: %w", f.primary.Name(), inst.Symbol, date.Format("2006-01-02"), ErrStaleQuote)
	}

	if !f.InSession(now) {
		stored, err := f.upserter.prices.GetPrices(ctx, inst.ID, today, today)
		if err != nil {
			return 0, 0, fmt.Errorf("load stored bar for %s: %w", inst.Symbol, err)
		}
		if len(stored) > 0 && stored[0].Source == f.secondary.Name() {
			f.logger.Debug().Str("symbol", inst.Symbol).Msg("Closed day already has a full bar, quote not stored")
			return 0, 0, nil
		}
	}

	rec := &models.DailyPrice{
		InstrumentID: inst.ID,
		Symbol:       inst.Symbol,
		Exchange:     inst.Exchange,
		Date:         today,
		Open:         quote.Price,
		High:         quote.Price,
		Low:          quote.Price,
		Close:        quote.Price,
		Source:       f.primary.Name(),
	}

	res, err := f.upserter.Upsert(ctx, rec)
	if err != nil {
		return 0, 0, fmt.Errorf("store %s quote: %w", f.primary.Name(), err)
	}

	if !quote.Sector.IsEmpty() {
		if err := f.instruments.UpdateSector(ctx, inst.ID, quote.Sector); err != nil {
			f.logger.Warn().Err(err).Str("instrument_id", inst.ID).Msg("Failed to update sector data")
		}
	}

	if res.Conflict {
		return 0, 1, nil
	}
	return 1, 0, nil
}

// fromSecondary stores every bar of the range. Fundamentals go on the most
// recent bar only. The separate fundamentals request is made only when
// quoteFundamentals is set; otherwise the chart metadata is all there is.
func (f *Fetcher) fromSecondary(ctx context.Context, inst *models.Instrument, from, to time.Time, quoteFundamentals bool) (int, int, error) {
	series, err := f.secondary.GetHistory(ctx, inst.Symbol, inst.Exchange, from, to)
	if err != nil {
		return 0, 0, fmt.Errorf("%s history: %w", f.secondary.Name(), err)
	}
	if series == nil || len(series.Bars) == 0 {
		return 0, 0, ErrNoData
	}

	fundamentals := series.Fundamentals
	if quoteFundamentals {
		if extra, err := f.secondary.GetFundamentals(ctx, inst.Symbol, inst.Exchange); err != nil {
			f.logger.Debug().Err(err).Str("symbol", inst.Symbol).Msg("Fundamentals unavailable")
		} else {
			fundamentals = extra.Merge(fundamentals)
		}
	}

	recs := make([]*models.DailyPrice, 0, len(series.Bars))
	for i, bar := range series.Bars {
		rec := &models.DailyPrice{
			InstrumentID: inst.ID,
			Symbol:       inst.Symbol,
			Exchange:     inst.Exchange,
			Date:         bar.Date,
			Open:         bar.Open,
			High:         bar.High,
			Low:          bar.Low,
			Close:        bar.Close,
			Volume:       bar.Volume,
			AdjClose:     bar.AdjClose,
			Source:       f.secondary.Name(),
		}
		if i == len(series.Bars)-1 && !fundamentals.IsEmpty() {
			rec.Fundamentals = fundamentals
		}
		recs = append(recs, rec)
	}

	sum, err := f.upserter.UpsertMany(ctx, recs)
	if err != nil {
		return sum.Written(), sum.Conflicts, fmt.Errorf("store %s history: %w", f.secondary.Name(), err)
	}
	return sum.Written(), sum.Conflicts, nil
}
