package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

// DefaultCompleteThreshold is the stored record count at which an
// instrument's history is treated as complete.
const DefaultCompleteThreshold = 1000

// Classifier decides whether an instrument needs a full backfill or only an
// incremental refresh. It reads storage only.
type Classifier struct {
	prices    interfaces.PriceStore
	strategy  string
	threshold int64

	backfillYears  int
	retentionYears int
	retention      time.Duration
	slack          time.Duration

	now func() time.Time
}

// NewClassifier builds a classifier from the refresh and retention settings.
func NewClassifier(prices interfaces.PriceStore, config *common.Config) *Classifier {
	threshold := int64(config.Refresh.CompleteThreshold)
	if threshold <= 0 {
		threshold = DefaultCompleteThreshold
	}
	return &Classifier{
		prices:         prices,
		strategy:       config.Refresh.Completeness,
		threshold:      threshold,
		backfillYears:  config.Refresh.BackfillYears,
		retentionYears: config.Retention.HorizonYears(),
		retention:      config.Retention.GetHorizon(),
		slack:          config.Refresh.GetCoverageSlack(),
		now:            time.Now,
	}
}

// IsComplete reports whether stored history for the instrument is complete.
// With the count strategy the answer only changes when records are added or
// swept, so inserting records can never make a complete instrument incomplete.
func (c *Classifier) IsComplete(ctx context.Context, instrumentID string) (bool, error) {
	if c.strategy == common.CompletenessCoverage {
		return c.coverageComplete(ctx, instrumentID)
	}

	n, err := c.prices.CountByInstrument(ctx, instrumentID)
	if err != nil {
		return false, fmt.Errorf("classify %s: %w", instrumentID, err)
	}
	return n >= c.Threshold(), nil
}

// Threshold is the record count that marks history complete. It never asks
// for more records than the retention window keeps, otherwise every sweep
// would send the instrument back to a full backfill.
func (c *Classifier) Threshold() int64 {
	if capacity := c.retentionCapacity(); capacity > 0 && capacity < c.threshold {
		return capacity
	}
	return c.threshold
}

// retentionCapacity estimates the trading days between the retention cutoff
// and today: weekdays only, less a fifth for exchange holidays and gaps.
func (c *Classifier) retentionCapacity() int64 {
	today := models.TradingDate(c.now().UTC())
	days := int64(today.Sub(c.retentionCutoff(today)).Hours() / 24)
	return days * 5 / 7 * 4 / 5
}

// coverageComplete compares the earliest stored date with the start of the
// window that backfill and retention together allow to exist.
func (c *Classifier) coverageComplete(ctx context.Context, instrumentID string) (bool, error) {
	earliest, _, err := c.prices.DateRange(ctx, instrumentID)
	if err != nil {
		return false, fmt.Errorf("classify %s: %w", instrumentID, err)
	}
	if earliest.IsZero() {
		return false, nil
	}
	return !earliest.After(c.windowStart().Add(c.slack)), nil
}

// windowStart is the later of the backfill start and the retention cutoff.
func (c *Classifier) windowStart() time.Time {
	today := models.TradingDate(c.now().UTC())

	start := today.AddDate(-c.backfillYears, 0, 0)
	if cutoff := c.retentionCutoff(today); cutoff.After(start) {
		return cutoff
	}
	return start
}

func (c *Classifier) retentionCutoff(today time.Time) time.Time {
	if c.retentionYears > 0 {
		return today.AddDate(-c.retentionYears, 0, 0)
	}
	return today.Add(-c.retention)
}
