package interfaces

import (
	"context"

	"github.com/bobmcallan/pricefeed/internal/models"
)

// TriggerRequest describes a requested refresh run.
type TriggerRequest struct {
	Mode      string // holdings or universe
	FetchMode string // auto, backfill or incremental
	Trigger   string // scheduled or manual
}

// RefreshService runs the ingestion pipeline.
type RefreshService interface {
	// Trigger enumerates instruments, plans batches and persists a queued run.
	Trigger(ctx context.Context, req TriggerRequest) (*models.RefreshRun, error)

	// Execute dispatches the run's remaining batches. Closing stop requests
	// cancellation, observed between batches.
	Execute(ctx context.Context, run *models.RefreshRun, stop <-chan struct{}) (*models.RefreshRun, error)

	// Get returns a persisted run or models.ErrNotFound.
	Get(ctx context.Context, id string) (*models.RefreshRun, error)

	// List returns recent runs, newest first.
	List(ctx context.Context, limit int) ([]*models.RefreshRun, error)

	// Sweep deletes records beyond the retention horizon.
	Sweep(ctx context.Context) (int64, error)

	// Coverage reports stored history for one instrument.
	Coverage(ctx context.Context, instrumentID string) (*models.Coverage, error)
}

// RunSupervisor owns the lifecycle of detached refresh runs.
type RunSupervisor interface {
	Submit(ctx context.Context, req TriggerRequest) (*models.RefreshRun, error)
	Cancel(ctx context.Context, id string) (*models.RefreshRun, error)
	GetRun(ctx context.Context, id string) (*models.RefreshRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.RefreshRun, error)
}
