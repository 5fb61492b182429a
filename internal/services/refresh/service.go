// Package refresh ingests daily prices for the instrument universe in paced
// batches and keeps stored history within the retention horizon.
package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

// DefaultMaxErrors caps the per-instrument error messages kept on a run.
const DefaultMaxErrors = 50

// Service implements interfaces.RefreshService.
type Service struct {
	storage    interfaces.StorageManager
	classifier *Classifier
	upserter   *Upserter
	fetcher    *Fetcher
	planner    *Planner
	sweeper    *Sweeper
	logger     *common.Logger

	batchSize     int
	universePause time.Duration
	holdingsPause time.Duration
	maxErrors     int
	sweepAfterRun bool

	now func() time.Time
}

// NewService wires the pipeline stages over one storage backend.
// primary may be nil.
func NewService(storage interfaces.StorageManager, primary interfaces.PrimarySource, secondary interfaces.SecondarySource, config *common.Config, logger *common.Logger) *Service {
	upserter := NewUpserter(storage.PriceStore(), logger)

	maxErrors := config.Refresh.MaxErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}

	return &Service{
		storage:       storage,
		classifier:    NewClassifier(storage.PriceStore(), config),
		upserter:      upserter,
		fetcher:       NewFetcher(primary, secondary, storage.InstrumentStore(), upserter, config.Refresh, logger),
		planner:       NewPlanner(config.Refresh.Concurrency, config.Refresh.GetItemDelay(), logger),
		sweeper:       NewSweeper(storage.PriceStore(), config.Retention, logger),
		logger:        logger,
		batchSize:     config.Refresh.BatchSize,
		universePause: config.Refresh.GetUniversePause(),
		holdingsPause: config.Refresh.GetHoldingsPause(),
		maxErrors:     maxErrors,
		sweepAfterRun: config.Retention.SweepAfterRun,
		now:           time.Now,
	}
}

// Trigger enumerates the instruments for the requested mode, plans the
// batches and persists a queued run. The returned run is the acknowledgment.
// Nothing is dispatched here; a storage error before the run is saved is
// returned to the caller.
func (s *Service) Trigger(ctx context.Context, req interfaces.TriggerRequest) (*models.RefreshRun, error) {
	mode, fetchMode, trigger, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	held, err := s.storage.HoldingStore().ListHeldInstrumentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate holdings: %w", err)
	}

	var instruments []*models.Instrument
	if mode == models.RefreshModeHoldings {
		if len(held) > 0 {
			instruments, err = s.storage.InstrumentStore().GetInstruments(ctx, held)
		}
	} else {
		instruments, err = s.storage.InstrumentStore().ListInstruments(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("enumerate instruments: %w", err)
	}

	plan := s.planner.Plan(instruments, held, s.batchSize)
	pause := s.universePause
	if mode == models.RefreshModeHoldings {
		pause = s.holdingsPause
	}

	now := s.now().UTC()
	run := &models.RefreshRun{
		ID:                 uuid.New().String(),
		Mode:               mode,
		FetchMode:          fetchMode,
		Trigger:            trigger,
		Status:             models.RunStatusQueued,
		InstrumentIDs:      plan.InstrumentIDs,
		HeldCount:          plan.HeldCount,
		TotalInstruments:   len(plan.InstrumentIDs),
		BatchSize:          s.batchSize,
		BatchCount:         plan.BatchCount(),
		PauseMS:            pause.Milliseconds(),
		LastCompletedBatch: -1,
		CreatedAt:          now,
		StartedAt:          now,
	}

	if run.TotalInstruments == 0 {
		run.Status = models.RunStatusCompleted
		run.CompletedAt = now
	}

	if err := s.storage.RunStore().SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("mode", mode).
		Str("fetch_mode", fetchMode).
		Str("trigger", trigger).
		Int("instruments", run.TotalInstruments).
		Int("held", run.HeldCount).
		Int("batches", run.BatchCount).
		Dur("pause", pause).
		Msg("Refresh run queued")

	return run, nil
}

func normalizeRequest(req interfaces.TriggerRequest) (mode, fetchMode, trigger string, err error) {
	mode = req.Mode
	if mode == "" {
		mode = models.RefreshModeUniverse
	}
	if mode != models.RefreshModeUniverse && mode != models.RefreshModeHoldings {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	fetchMode = req.FetchMode
	if fetchMode == "" {
		fetchMode = models.FetchModeAuto
	}
	switch fetchMode {
	case models.FetchModeAuto, models.FetchModeBackfill, models.FetchModeIncremental:
	default:
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidFetchMode, req.FetchMode)
	}

	trigger = req.Trigger
	if trigger == "" {
		trigger = models.TriggerManual
	}
	return mode, fetchMode, trigger, nil
}

// Execute dispatches the run's remaining batches starting after
// LastCompletedBatch. The run value is threaded through every batch step and
// persisted after each one. Closing stop, or setting the persisted cancel
// flag, ends the run as cancelled at the next batch boundary. If ctx ends the
// run is left in its last persisted state so a later process can resume it.
func (s *Service) Execute(ctx context.Context, run *models.RefreshRun, stop <-chan struct{}) (*models.RefreshRun, error) {
	if run.IsFinished() {
		return run, nil
	}

	log := s.logger.With().Str("run_id", run.ID).Logger()
	first := run.NextBatch()
	if first > 0 {
		log.Info().Int("from_batch", first).Int("batches", run.BatchCount).Msg("Resuming refresh run")
	}

	for b := first; b < run.BatchCount; b++ {
		if b > first {
			run.Status = models.RunStatusPaused
			if err := s.save(ctx, run); err != nil {
				return run, err
			}
			if !Pause(ctx, run.Pause(), stop) && ctx.Err() != nil {
				return run, ctx.Err()
			}
		}

		if s.cancelRequested(ctx, run, stop) {
			return s.finish(ctx, run, models.RunStatusCancelled)
		}

		run.Status = models.RunStatusDispatching
		var err error
		run, err = s.runBatch(ctx, run, b)
		if err != nil {
			return run, err
		}
	}

	if s.sweepAfterRun {
		if deleted, err := s.sweeper.Sweep(ctx); err != nil {
			log.Warn().Err(err).Msg("Post-run retention sweep failed")
		} else {
			run.Swept = deleted
		}
	}

	return s.finish(ctx, run, models.RunStatusCompleted)
}

// runBatch processes batch idx and returns the run with its counters and
// checkpoint advanced. A batch cut short by ctx is not checkpointed.
func (s *Service) runBatch(ctx context.Context, run *models.RefreshRun, idx int) (*models.RefreshRun, error) {
	start := time.Now()
	ids := Batch(run.InstrumentIDs, run.BatchSize, idx)

	found, err := s.storage.InstrumentStore().GetInstruments(ctx, ids)
	if err != nil {
		return run, fmt.Errorf("load batch %d: %w", idx, err)
	}
	byID := make(map[string]*models.Instrument, len(found))
	for _, inst := range found {
		byID[inst.ID] = inst
	}

	batch := make([]*models.Instrument, 0, len(ids))
	var outcomes []models.InstrumentOutcome
	for _, id := range ids {
		if inst, ok := byID[id]; ok {
			batch = append(batch, inst)
			continue
		}
		outcomes = append(outcomes, models.InstrumentOutcome{InstrumentID: id, Err: fmt.Errorf("instrument %s: %w", id, models.ErrNotFound)})
	}

	outcomes = append(outcomes, s.planner.DispatchBatch(ctx, batch, s.processFunc(run.FetchMode))...)
	if err := ctx.Err(); err != nil {
		return run, err
	}

	for _, o := range outcomes {
		s.fold(run, o)
	}
	run.LastCompletedBatch = idx

	if err := s.save(ctx, run); err != nil {
		return run, err
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Int("batch", idx+1).
		Int("batches", run.BatchCount).
		Int("instruments", len(ids)).
		Int("succeeded", run.Succeeded).
		Int("failed", run.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("Batch complete")

	return run, nil
}

// processFunc returns the per-instrument step for the run's fetch mode.
func (s *Service) processFunc(fetchMode string) InstrumentFunc {
	return func(ctx context.Context, inst *models.Instrument) models.InstrumentOutcome {
		switch fetchMode {
		case models.FetchModeBackfill:
			return s.fetcher.Backfill(ctx, inst)
		case models.FetchModeIncremental:
			return s.fetcher.Refresh(ctx, inst)
		}

		complete, err := s.classifier.IsComplete(ctx, inst.ID)
		if err != nil {
			return models.InstrumentOutcome{InstrumentID: inst.ID, Symbol: inst.Symbol, Err: err}
		}
		if complete {
			return s.fetcher.Refresh(ctx, inst)
		}
		return s.fetcher.Backfill(ctx, inst)
	}
}

// fold adds one outcome to the run counters.
func (s *Service) fold(run *models.RefreshRun, o models.InstrumentOutcome) {
	switch {
	case o.Err != nil:
		run.Failed++
		label := o.Symbol
		if label == "" {
			label = o.InstrumentID
		}
		if len(run.Errors) < s.maxErrors {
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", label, o.Err))
		}
		s.logger.Warn().Err(o.Err).Str("run_id", run.ID).Str("instrument_id", o.InstrumentID).Str("symbol", o.Symbol).Msg("Instrument refresh failed")
		return
	case o.NoData:
		run.NoData++
		s.logger.Debug().Str("run_id", run.ID).Str("symbol", o.Symbol).Msg("No data for instrument")
		return
	}

	run.Succeeded++
	switch o.Kind {
	case models.OutcomeBackfill:
		run.Backfilled++
	case models.OutcomeRefresh:
		run.Refreshed++
	}
	switch o.Source {
	case models.SourcePrimary:
		run.PrimaryHits++
	case models.SourceSecondary:
		run.SecondaryHits++
	}
	run.RecordsUpserted += o.Records
	run.Conflicts += o.Conflicts
}

// cancelRequested checks the stop channel, then the persisted flag.
func (s *Service) cancelRequested(ctx context.Context, run *models.RefreshRun, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
	}
	if run.CancelRequested {
		return true
	}

	stored, err := s.storage.RunStore().GetRun(ctx, run.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to read cancel flag")
		return false
	}
	if stored.CancelRequested {
		run.CancelRequested = true
	}
	return run.CancelRequested
}

func (s *Service) finish(ctx context.Context, run *models.RefreshRun, status string) (*models.RefreshRun, error) {
	run.Status = status
	run.CompletedAt = s.now().UTC()
	if err := s.save(ctx, run); err != nil {
		return run, err
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("status", status).
		Int("succeeded", run.Succeeded).
		Int("failed", run.Failed).
		Int("no_data", run.NoData).
		Int("records", run.RecordsUpserted).
		Int("conflicts", run.Conflicts).
		Int64("swept", run.Swept).
		Dur("elapsed", run.CompletedAt.Sub(run.StartedAt)).
		Msg("Refresh run finished")
	return run, nil
}

func (s *Service) save(ctx context.Context, run *models.RefreshRun) error {
	if err := s.storage.RunStore().SaveRun(ctx, run); err != nil {
		return fmt.Errorf("persist run %s: %w", run.ID, err)
	}
	return nil
}

// Get returns a persisted run.
func (s *Service) Get(ctx context.Context, id string) (*models.RefreshRun, error) {
	return s.storage.RunStore().GetRun(ctx, id)
}

// List returns recent runs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*models.RefreshRun, error) {
	return s.storage.RunStore().ListRuns(ctx, limit)
}

// Sweep runs the retention sweeper.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	return s.sweeper.Sweep(ctx)
}

// Coverage reports stored history for one instrument.
func (s *Service) Coverage(ctx context.Context, instrumentID string) (*models.Coverage, error) {
	if _, err := s.storage.InstrumentStore().GetInstrument(ctx, instrumentID); err != nil {
		return nil, err
	}

	prices := s.storage.PriceStore()
	count, err := prices.CountByInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	earliest, latest, err := prices.DateRange(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	complete, err := s.classifier.IsComplete(ctx, instrumentID)
	if err != nil {
		return nil, err
	}

	return &models.Coverage{
		InstrumentID: instrumentID,
		Count:        count,
		Earliest:     earliest,
		Latest:       latest,
		Complete:     complete,
	}, nil
}

// Ensure Service implements RefreshService
var _ interfaces.RefreshService = (*Service)(nil)
