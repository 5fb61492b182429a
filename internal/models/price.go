package models

import "time"

// Source names recorded on stored prices.
const (
	SourcePrimary   = "nse"
	SourceSecondary = "yahoo"
)

// Fundamentals holds optional per-day valuation data. A nil field means the
// provider did not supply it and the stored value must be left alone.
type Fundamentals struct {
	PETrailing *float64 `json:"pe_trailing,omitempty" bson:"pe_trailing,omitempty"`
	PEForward  *float64 `json:"pe_forward,omitempty" bson:"pe_forward,omitempty"`
	MarketCap  *float64 `json:"market_cap,omitempty" bson:"market_cap,omitempty"`
	Week52High *float64 `json:"week52_high,omitempty" bson:"week52_high,omitempty"`
	Week52Low  *float64 `json:"week52_low,omitempty" bson:"week52_low,omitempty"`
	AvgVolume  *float64 `json:"avg_volume,omitempty" bson:"avg_volume,omitempty"`
}

// IsEmpty reports whether no fundamental field is set.
func (f *Fundamentals) IsEmpty() bool {
	return f == nil || (f.PETrailing == nil && f.PEForward == nil && f.MarketCap == nil &&
		f.Week52High == nil && f.Week52Low == nil && f.AvgVolume == nil)
}

// Merge fills nil fields of f from other and returns the result.
func (f *Fundamentals) Merge(other *Fundamentals) *Fundamentals {
	if f == nil {
		return other
	}
	if other == nil {
		return f
	}
	out := *f
	if out.PETrailing == nil {
		out.PETrailing = other.PETrailing
	}
	if out.PEForward == nil {
		out.PEForward = other.PEForward
	}
	if out.MarketCap == nil {
		out.MarketCap = other.MarketCap
	}
	if out.Week52High == nil {
		out.Week52High = other.Week52High
	}
	if out.Week52Low == nil {
		out.Week52Low = other.Week52Low
	}
	if out.AvgVolume == nil {
		out.AvgVolume = other.AvgVolume
	}
	return &out
}

// DailyPrice is one trading day of OHLCV data for one instrument.
// (InstrumentID, Date) is unique in storage.
type DailyPrice struct {
	InstrumentID string    `json:"instrument_id" bson:"instrument_id"`
	Symbol       string    `json:"symbol" bson:"symbol"`
	Exchange     string    `json:"exchange" bson:"exchange"`
	Date         time.Time `json:"date" bson:"date"`

	Open     float64  `json:"open" bson:"open"`
	High     float64  `json:"high" bson:"high"`
	Low      float64  `json:"low" bson:"low"`
	Close    float64  `json:"close" bson:"close"`
	Volume   *int64   `json:"volume,omitempty" bson:"volume,omitempty"`
	AdjClose *float64 `json:"adj_close,omitempty" bson:"adj_close,omitempty"`

	Fundamentals *Fundamentals `json:"fundamentals,omitempty" bson:"fundamentals,omitempty"`

	Source    string    `json:"source" bson:"source"`
	FetchedAt time.Time `json:"fetched_at" bson:"fetched_at"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// TradingDate truncates t to midnight UTC of its calendar day in t's location.
func TradingDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Quote is a single current price point from the primary source.
type Quote struct {
	Symbol string     `json:"symbol"`
	Price  float64    `json:"price"`
	AsOf   time.Time  `json:"as_of"`
	Sector SectorInfo `json:"-"`
}

// PriceBar is one daily bar from the secondary source.
type PriceBar struct {
	Date     time.Time `json:"date"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	AdjClose *float64  `json:"adj_close,omitempty"`
	Volume   *int64    `json:"volume,omitempty"`
}

// PriceSeries is a range response from the secondary source, ascending by date.
type PriceSeries struct {
	Symbol       string        `json:"symbol"`
	Exchange     string        `json:"exchange"`
	Bars         []PriceBar    `json:"bars"`
	Fundamentals *Fundamentals `json:"fundamentals,omitempty"`
}

// Coverage summarises what is stored for one instrument.
type Coverage struct {
	InstrumentID string    `json:"instrument_id"`
	Count        int64     `json:"count"`
	Earliest     time.Time `json:"earliest,omitempty"`
	Latest       time.Time `json:"latest,omitempty"`
	Complete     bool      `json:"complete"`
}

// UpsertResult reports what a single upsert did to storage.
type UpsertResult struct {
	Inserted bool
	Updated  bool
	// Conflict means a concurrent writer created the row between our find and
	// insert. The write is dropped; the other writer's row stands.
	Conflict bool
}
