package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

// Sweeper deletes price records older than the retention horizon.
type Sweeper struct {
	prices  interfaces.PriceStore
	logger  *common.Logger
	years   int
	horizon time.Duration
	now     func() time.Time
}

// NewSweeper creates a sweeper for the configured horizon.
func NewSweeper(prices interfaces.PriceStore, config common.RetentionConfig, logger *common.Logger) *Sweeper {
	return &Sweeper{
		prices:  prices,
		logger:  logger,
		years:   config.HorizonYears(),
		horizon: config.GetHorizon(),
		now:     time.Now,
	}
}

// Cutoff returns the oldest date that survives a sweep run now.
// Whole-year horizons use calendar years so leap days do not shift the boundary.
func (s *Sweeper) Cutoff() time.Time {
	today := models.TradingDate(s.now().UTC())
	if s.years > 0 {
		return today.AddDate(-s.years, 0, 0)
	}
	return models.TradingDate(today.Add(-s.horizon))
}

// Sweep deletes every record dated strictly before Cutoff. Running it again
// deletes nothing new.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := s.Cutoff()

	deleted, err := s.prices.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}

	s.logger.Info().
		Time("cutoff", cutoff).
		Int64("deleted", deleted).
		Dur("elapsed", time.Since(start)).
		Msg("Retention sweep complete")
	return deleted, nil
}
