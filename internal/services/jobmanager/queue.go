package jobmanager

import (
	"context"
	"time"

	"github.com/bobmcallan/pricefeed/internal/models"
)

// enqueue hands a run ID to the processors without blocking. A full queue
// drops the ID; the poller finds the run in storage on its next tick.
func (m *Manager) enqueue(id string) {
	select {
	case m.queue <- id:
	default:
		m.logger.Debug().Str("run_id", id).Msg("Run queue full, leaving run for the poller")
	}
}

// pollLoop queues runs found in storage with status queued, which covers
// runs resumed after a restart and runs submitted by another process.
func (m *Manager) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		m.pollQueued(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) pollQueued(ctx context.Context) {
	runs, err := m.runs.ListRunsByStatus(ctx, models.RunStatusQueued)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("Failed to poll queued runs")
		}
		return
	}
	for _, run := range runs {
		m.enqueue(run.ID)
	}
}

// processLoop executes queued runs until ctx ends.
func (m *Manager) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.process(ctx, id)
		}
	}
}

// process claims and executes one run. A run claimed elsewhere, or already
// cancelled, is skipped.
func (m *Manager) process(ctx context.Context, id string) {
	claimed, err := m.runs.ClaimRun(ctx, id)
	if err != nil {
		m.logger.Warn().Err(err).Str("run_id", id).Msg("Failed to claim run")
		return
	}
	if !claimed {
		return
	}

	run, err := m.runs.GetRun(ctx, id)
	if err != nil {
		m.logger.Warn().Err(err).Str("run_id", id).Msg("Failed to load claimed run")
		return
	}

	stop := m.register(id)
	defer m.unregister(id)
	if run.CancelRequested {
		m.signalStop(id)
	}

	m.logger.Info().
		Str("run_id", id).
		Str("mode", run.Mode).
		Str("trigger", run.Trigger).
		Int("instruments", run.TotalInstruments).
		Int("from_batch", run.NextBatch()).
		Msg("Refresh run started")

	start := time.Now()
	run, err = m.refresh.Execute(ctx, run, stop)
	if err == nil {
		return
	}

	if ctx.Err() != nil {
		m.logger.Info().Str("run_id", id).Msg("Refresh run interrupted by shutdown; it resumes on next start")
		return
	}

	m.logger.Error().Err(err).Str("run_id", id).Dur("elapsed", time.Since(start)).Msg("Refresh run failed")
	run.Status = models.RunStatusFailed
	run.Error = err.Error()
	run.CompletedAt = time.Now().UTC()
	if err := m.runs.SaveRun(context.Background(), run); err != nil {
		m.logger.Warn().Err(err).Str("run_id", id).Msg("Failed to persist failed run")
	}
}

func (m *Manager) register(id string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	stop := make(chan struct{})
	m.active[id] = stop
	return stop
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// signalStop closes the run's stop channel once.
func (m *Manager) signalStop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.active[id]; ok {
		close(stop)
		delete(m.active, id)
	}
}
