package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

// runSummaryFields lists the run fields without the instrument plan,
// aliasing run_id to id for struct mapping.
const runSummaryFields = "run_id as id, mode, fetch_mode, trigger, status, held_count, total_instruments, batch_size, batch_count, pause_ms, last_completed_batch, succeeded, failed, no_data, backfilled, refreshed, primary_hits, secondary_hits, records_upserted, conflicts, errors, swept, cancel_requested, error, created_at, started_at, updated_at, completed_at"

const runSelectFields = runSummaryFields + ", instrument_ids"

var finishedStatuses = []string{models.RunStatusCompleted, models.RunStatusCancelled, models.RunStatusFailed}

// RunStore implements interfaces.RunStore using SurrealDB.
type RunStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *surrealdb.DB, logger *common.Logger) *RunStore {
	return &RunStore{db: db, logger: logger}
}

func (s *RunStore) SaveRun(ctx context.Context, run *models.RefreshRun) error {
	run.UpdatedAt = time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = run.UpdatedAt
	}

	sql := `UPSERT $rid SET
		run_id = $run_id, mode = $mode, fetch_mode = $fetch_mode, trigger = $trigger, status = $status,
		instrument_ids = $instrument_ids, held_count = $held_count, total_instruments = $total_instruments,
		batch_size = $batch_size, batch_count = $batch_count, pause_ms = $pause_ms,
		last_completed_batch = $last_completed_batch,
		succeeded = $succeeded, failed = $failed, no_data = $no_data, backfilled = $backfilled,
		refreshed = $refreshed, primary_hits = $primary_hits, secondary_hits = $secondary_hits,
		records_upserted = $records_upserted, conflicts = $conflicts,
		errors = $errors, swept = $swept, cancel_requested = cancel_requested OR $cancel_requested,
		error = $error, created_at = $created_at, started_at = $started_at,
		updated_at = $updated_at, completed_at = $completed_at`

	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	ids := run.InstrumentIDs
	if ids == nil {
		ids = []string{}
	}

	vars := map[string]any{
		"rid":                  surrealmodels.NewRecordID(TableRuns, run.ID),
		"run_id":               run.ID,
		"mode":                 run.Mode,
		"fetch_mode":           run.FetchMode,
		"trigger":              run.Trigger,
		"status":               run.Status,
		"instrument_ids":       ids,
		"held_count":           run.HeldCount,
		"total_instruments":    run.TotalInstruments,
		"batch_size":           run.BatchSize,
		"batch_count":          run.BatchCount,
		"pause_ms":             run.PauseMS,
		"last_completed_batch": run.LastCompletedBatch,
		"succeeded":            run.Succeeded,
		"failed":               run.Failed,
		"no_data":              run.NoData,
		"backfilled":           run.Backfilled,
		"refreshed":            run.Refreshed,
		"primary_hits":         run.PrimaryHits,
		"secondary_hits":       run.SecondaryHits,
		"records_upserted":     run.RecordsUpserted,
		"conflicts":            run.Conflicts,
		"errors":               errs,
		"swept":                run.Swept,
		"cancel_requested":     run.CancelRequested,
		"error":                run.Error,
		"created_at":           run.CreatedAt,
		"started_at":           run.StartedAt,
		"updated_at":           run.UpdatedAt,
		"completed_at":         run.CompletedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (*models.RefreshRun, error) {
	sql := "SELECT " + runSelectFields + " FROM $rid"
	runs, err := s.queryRuns(ctx, sql, map[string]any{"rid": surrealmodels.NewRecordID(TableRuns, id)})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
	}
	return runs[0], nil
}

func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]*models.RefreshRun, error) {
	if limit <= 0 {
		limit = 20
	}
	sql := "SELECT " + runSummaryFields + " FROM " + TableRuns + " ORDER BY created_at DESC LIMIT $limit"
	return s.queryRuns(ctx, sql, map[string]any{"limit": limit})
}

func (s *RunStore) ListRunsByStatus(ctx context.Context, statuses ...string) ([]*models.RefreshRun, error) {
	sql := "SELECT " + runSelectFields + " FROM " + TableRuns + " WHERE status IN $statuses ORDER BY created_at ASC"
	return s.queryRuns(ctx, sql, map[string]any{"statuses": statuses})
}

// ClaimRun only updates the record while it is still queued, so two
// processors cannot both claim it.
func (s *RunStore) ClaimRun(ctx context.Context, id string) (bool, error) {
	sql := "UPDATE $rid SET status = $dispatching, updated_at = $now WHERE status = $queued RETURN run_id"
	vars := map[string]any{
		"rid":         surrealmodels.NewRecordID(TableRuns, id),
		"dispatching": models.RunStatusDispatching,
		"queued":      models.RunStatusQueued,
		"now":         time.Now().UTC(),
	}

	n, err := s.updated(ctx, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to claim run %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *RunStore) RequestCancel(ctx context.Context, id string) error {
	sql := "UPDATE $rid SET cancel_requested = true, updated_at = $now WHERE status NOTINSIDE $finished"
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID(TableRuns, id),
		"finished": finishedStatuses,
		"now":      time.Now().UTC(),
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to request cancel for run %s: %w", id, err)
	}
	return nil
}

// ResetActiveRuns re-queues runs a crashed process left mid-flight.
func (s *RunStore) ResetActiveRuns(ctx context.Context) (int, error) {
	sql := "UPDATE " + TableRuns + " SET status = $queued, trigger = $resume, updated_at = $now WHERE status IN $active RETURN run_id"
	vars := map[string]any{
		"queued": models.RunStatusQueued,
		"resume": models.TriggerResume,
		"active": []string{models.RunStatusDispatching, models.RunStatusPaused},
		"now":    time.Now().UTC(),
	}

	n, err := s.updated(ctx, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to reset active runs: %w", err)
	}
	return n, nil
}

// updated runs an UPDATE ... RETURN run_id and counts the affected records.
func (s *RunStore) updated(ctx context.Context, sql string, vars map[string]any) (int, error) {
	type row struct {
		RunID string `json:"run_id"`
	}
	results, err := surrealdb.Query[[]row](ctx, s.db, sql, vars)
	if err != nil {
		return 0, err
	}
	return len(firstResult(results)), nil
}

func (s *RunStore) queryRuns(ctx context.Context, sql string, vars map[string]any) ([]*models.RefreshRun, error) {
	results, err := surrealdb.Query[[]models.RefreshRun](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	rows := firstResult(results)
	runs := make([]*models.RefreshRun, 0, len(rows))
	for i := range rows {
		runs = append(runs, &rows[i])
	}
	return runs, nil
}

// Compile-time check
var _ interfaces.RunStore = (*RunStore)(nil)
