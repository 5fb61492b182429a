package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a keyed lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Exchange codes carried on instrument master records.
const (
	ExchangeNSE = "NSE"
	ExchangeBSE = "BSE"
)

// Instrument is the master record for a tradable security.
// Records are created and maintained by the import process; the refresh
// pipeline only reads them, apart from opportunistic sector enrichment.
type Instrument struct {
	ID       string `json:"instrument_id" bson:"_id"` // exchange identifier (ISIN)
	Name     string `json:"name" bson:"name"`
	Symbol   string `json:"symbol" bson:"symbol"`
	Exchange string `json:"exchange" bson:"exchange"`
	Sector   string `json:"sector,omitempty" bson:"sector,omitempty"`
	Industry string `json:"industry,omitempty" bson:"industry,omitempty"`

	SectorPE *float64 `json:"sector_pe,omitempty" bson:"sector_pe,omitempty"`
	SymbolPE *float64 `json:"symbol_pe,omitempty" bson:"symbol_pe,omitempty"`

	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// SectorInfo is the slow-moving classification data the primary source
// returns alongside a quote.
type SectorInfo struct {
	Sector   string
	Industry string
	SectorPE *float64
	SymbolPE *float64
}

// IsEmpty reports whether the info carries nothing worth writing.
func (s SectorInfo) IsEmpty() bool {
	return s.Sector == "" && s.Industry == "" && s.SectorPE == nil && s.SymbolPE == nil
}

// Holding marks an instrument as held in at least one portfolio.
// Holdings are owned by the portfolio service; this pipeline reads them
// to prioritise batches.
type Holding struct {
	InstrumentID string `json:"instrument_id" bson:"instrument_id"`
	Portfolio    string `json:"portfolio" bson:"portfolio"`
}
