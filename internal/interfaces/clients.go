package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/pricefeed/internal/models"
)

// PrimarySource is the session-based quote provider. It returns a single
// current price point per symbol and has no OHLC history.
type PrimarySource interface {
	// GetQuote retrieves the latest traded price for an exchange symbol.
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)

	// Name identifies the provider on stored records.
	Name() string
}

// SecondarySource is the range-query provider with daily OHLCV history.
type SecondarySource interface {
	// GetHistory retrieves daily bars for [from, to], ascending by date.
	// A well-formed response with no bars returns an empty series.
	GetHistory(ctx context.Context, symbol, exchange string, from, to time.Time) (*models.PriceSeries, error)

	// GetFundamentals retrieves the current valuation snapshot.
	GetFundamentals(ctx context.Context, symbol, exchange string) (*models.Fundamentals, error)

	// Name identifies the provider on stored records.
	Name() string
}
