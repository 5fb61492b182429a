// Package jobmanager supervises detached refresh runs: it queues triggered
// runs, executes them on background processors, and resumes runs a previous
// process left unfinished.
package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

var (
	// ErrRunNotFound is returned for an unknown run ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = errors.New("run already finished")
)

const queueSize = 64

// Manager implements interfaces.RunSupervisor. Triggering happens on the
// caller's goroutine; execution happens on processor goroutines owned by the
// manager, so no run outlives Stop and no request waits for a run.
type Manager struct {
	refresh interfaces.RefreshService
	runs    interfaces.RunStore
	logger  *common.Logger

	maxConcurrent int
	pollInterval  time.Duration

	queue chan string

	mu     sync.Mutex
	active map[string]chan struct{} // stop channel per executing run

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a run supervisor.
func NewManager(refresh interfaces.RefreshService, runs interfaces.RunStore, config common.RefreshConfig, logger *common.Logger) *Manager {
	maxConc := config.MaxConcurrentRuns
	if maxConc <= 0 {
		maxConc = 1
	}
	return &Manager{
		refresh:       refresh,
		runs:          runs,
		logger:        logger,
		maxConcurrent: maxConc,
		pollInterval:  config.GetQueuePollInterval(),
		queue:         make(chan string, queueSize),
		active:        make(map[string]chan struct{}),
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (m *Manager) safeGo(name string, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in run supervisor goroutine")
			}
		}()
		fn()
	}()
}

// Start re-queues runs orphaned by a previous process and launches the
// queue poller and processors. Safe to call multiple times; stops any
// existing loops before starting.
func (m *Manager) Start() {
	if m.cancel != nil {
		m.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if count, err := m.runs.ResetActiveRuns(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to reset orphaned refresh runs")
	} else if count > 0 {
		m.logger.Info().Int("count", count).Msg("Re-queued orphaned refresh runs for resume")
	}

	m.safeGo("poller", func() { m.pollLoop(ctx) })

	for i := 0; i < m.maxConcurrent; i++ {
		name := fmt.Sprintf("processor-%d", i)
		m.safeGo(name, func() { m.processLoop(ctx) })
	}

	m.logger.Info().
		Int("max_concurrent", m.maxConcurrent).
		Dur("poll_interval", m.pollInterval).
		Msg("Run supervisor started")
}

// Stop cancels all loops and waits for them. Executing runs keep their last
// persisted checkpoint and are resumed by the next Start.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
	m.logger.Info().Msg("Run supervisor stopped")
}

// Submit triggers a run and queues it. It returns once the run is persisted;
// the returned run is the acknowledgment.
func (m *Manager) Submit(ctx context.Context, req interfaces.TriggerRequest) (*models.RefreshRun, error) {
	run, err := m.refresh.Trigger(ctx, req)
	if err != nil {
		return nil, err
	}
	if run.Status == models.RunStatusQueued {
		m.enqueue(run.ID)
	}
	return run, nil
}

// Cancel stops a run. A queued run is cancelled at once; an executing run
// stops at its next batch boundary.
func (m *Manager) Cancel(ctx context.Context, id string) (*models.RefreshRun, error) {
	run, err := m.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.IsFinished() {
		return run, ErrRunFinished
	}

	if run.Status == models.RunStatusQueued {
		claimed, err := m.runs.ClaimRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if claimed {
			run.Status = models.RunStatusCancelled
			run.CancelRequested = true
			run.CompletedAt = time.Now().UTC()
			if err := m.runs.SaveRun(ctx, run); err != nil {
				return nil, err
			}
			m.logger.Info().Str("run_id", id).Msg("Queued refresh run cancelled")
			return run, nil
		}
	}

	if err := m.runs.RequestCancel(ctx, id); err != nil {
		return nil, err
	}
	m.signalStop(id)
	m.logger.Info().Str("run_id", id).Msg("Cancel requested for refresh run")

	return m.GetRun(ctx, id)
}

// GetRun returns a run or ErrRunNotFound.
func (m *Manager) GetRun(ctx context.Context, id string) (*models.RefreshRun, error) {
	run, err := m.refresh.Get(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns recent runs, newest first.
func (m *Manager) ListRuns(ctx context.Context, limit int) ([]*models.RefreshRun, error) {
	return m.refresh.List(ctx, limit)
}

// Ensure Manager implements RunSupervisor
var _ interfaces.RunSupervisor = (*Manager)(nil)
