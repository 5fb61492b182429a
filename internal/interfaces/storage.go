package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/pricefeed/internal/models"
)

// StorageManager coordinates the stores of one backend.
type StorageManager interface {
	InstrumentStore() InstrumentStore
	HoldingStore() HoldingStore
	PriceStore() PriceStore
	RunStore() RunStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// InstrumentStore reads instrument master records.
type InstrumentStore interface {
	// ListInstruments returns every instrument in the universe.
	ListInstruments(ctx context.Context) ([]*models.Instrument, error)

	// GetInstruments returns the instruments with the given IDs; unknown IDs are skipped.
	GetInstruments(ctx context.Context, ids []string) ([]*models.Instrument, error)

	// GetInstrument returns a single instrument or models.ErrNotFound.
	GetInstrument(ctx context.Context, id string) (*models.Instrument, error)

	// SaveInstrument creates or replaces an instrument (import and tests).
	SaveInstrument(ctx context.Context, inst *models.Instrument) error

	// UpdateSector sets only the non-empty fields of info.
	UpdateSector(ctx context.Context, id string, info models.SectorInfo) error
}

// HoldingStore reads holdings written by the portfolio service.
type HoldingStore interface {
	// ListHeldInstrumentIDs returns the distinct instrument IDs held in any portfolio.
	ListHeldInstrumentIDs(ctx context.Context) ([]string, error)

	// SaveHolding records a holding (import and tests).
	SaveHolding(ctx context.Context, h *models.Holding) error
}

// PriceStore persists daily price records keyed by (instrument, date).
type PriceStore interface {
	// Upsert finds the record by (instrument, date), sets the fields that carry
	// a value and inserts if absent. A uniqueness violation from a concurrent
	// insert is reported as UpsertResult.Conflict with a nil error.
	Upsert(ctx context.Context, rec *models.DailyPrice) (models.UpsertResult, error)

	// CountByInstrument returns the number of stored records for the instrument.
	CountByInstrument(ctx context.Context, instrumentID string) (int64, error)

	// DateRange returns the earliest and latest stored dates (zero when empty).
	DateRange(ctx context.Context, instrumentID string) (time.Time, time.Time, error)

	// GetPrices returns records in [from, to] ascending by date.
	GetPrices(ctx context.Context, instrumentID string, from, to time.Time) ([]*models.DailyPrice, error)

	// DeleteOlderThan removes records with date strictly before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunStore persists refresh run status records.
type RunStore interface {
	// SaveRun creates or replaces the run.
	SaveRun(ctx context.Context, run *models.RefreshRun) error

	// GetRun returns the run or models.ErrNotFound.
	GetRun(ctx context.Context, id string) (*models.RefreshRun, error)

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]*models.RefreshRun, error)

	// ListRunsByStatus returns runs in any of the given statuses, oldest first.
	ListRunsByStatus(ctx context.Context, statuses ...string) ([]*models.RefreshRun, error)

	// ClaimRun moves a run from queued to dispatching. It reports false when
	// the run was not queued.
	ClaimRun(ctx context.Context, id string) (bool, error)

	// RequestCancel sets the cancel flag on an unfinished run.
	RequestCancel(ctx context.Context, id string) error

	// ResetActiveRuns moves dispatching and paused runs back to queued with
	// trigger "resume". Called on startup after a crash.
	ResetActiveRuns(ctx context.Context) (int, error)
}
