// Package scheduler fires refresh runs and retention sweeps on a clock.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/bobmcallan/pricefeed/internal/common"
	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
)

// Job tags
const (
	TagUniverse = "universe-refresh"
	TagHoldings = "holdings-refresh"
	TagSweep    = "retention-sweep"
)

// submitTimeout bounds the synchronous part of a scheduled trigger
// (enumeration and persisting the run).
const submitTimeout = 2 * time.Minute

// Scheduler submits runs through the supervisor so scheduled and manual runs
// share one path.
type Scheduler struct {
	cron       *gocron.Scheduler
	supervisor interfaces.RunSupervisor
	refresh    interfaces.RefreshService
	logger     *common.Logger
	loc        *time.Location
}

// NewScheduler registers the configured jobs. It does not start them.
func NewScheduler(supervisor interfaces.RunSupervisor, refresh interfaces.RefreshService, config common.SchedulerConfig, logger *common.Logger) (*Scheduler, error) {
	loc := config.GetLocation()
	s := &Scheduler{
		cron:       gocron.NewScheduler(loc),
		supervisor: supervisor,
		refresh:    refresh,
		logger:     logger,
		loc:        loc,
	}
	// A slow universe run must not stack a second trigger behind it.
	s.cron.SingletonModeAll()

	if at := strings.TrimSpace(config.DailyAt); at != "" {
		if _, err := s.cron.Every(1).Day().At(at).Tag(TagUniverse).Do(s.runUniverse); err != nil {
			return nil, fmt.Errorf("failed to schedule universe refresh at %q: %w", at, err)
		}
	}

	if every := config.GetHoldingsEvery(); every > 0 {
		if _, err := s.cron.Every(every).WaitForSchedule().Tag(TagHoldings).Do(s.runHoldings); err != nil {
			return nil, fmt.Errorf("failed to schedule holdings refresh every %s: %w", every, err)
		}
	}

	if at := strings.TrimSpace(config.SweepAt); at != "" {
		day, err := parseWeekday(config.SweepWeekday)
		if err != nil {
			return nil, err
		}
		if _, err := s.cron.Every(1).Week().Weekday(day).At(at).Tag(TagSweep).Do(s.runSweep); err != nil {
			return nil, fmt.Errorf("failed to schedule retention sweep at %s %q: %w", day, at, err)
		}
	}

	return s, nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.StartAsync()
	for _, job := range s.cron.Jobs() {
		s.logger.Info().
			Strs("tags", job.Tags()).
			Time("next_run", job.NextRun()).
			Msg("Scheduled job registered")
	}
}

// Stop halts the scheduler. Runs already submitted belong to the supervisor.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info().Msg("Scheduler stopped")
}

// JobCount returns the number of registered jobs.
func (s *Scheduler) JobCount() int {
	return s.cron.Len()
}

func (s *Scheduler) runUniverse() {
	s.submit(models.RefreshModeUniverse)
}

// runHoldings skips weekends in the scheduler's timezone.
func (s *Scheduler) runHoldings() {
	switch time.Now().In(s.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return
	}
	s.submit(models.RefreshModeHoldings)
}

func (s *Scheduler) submit(mode string) {
	defer s.recoverPanic(mode)

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	run, err := s.supervisor.Submit(ctx, interfaces.TriggerRequest{
		Mode:      mode,
		FetchMode: models.FetchModeAuto,
		Trigger:   models.TriggerScheduled,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("mode", mode).Msg("Scheduled refresh failed to start")
		return
	}
	s.logger.Info().
		Str("run_id", run.ID).
		Str("mode", mode).
		Int("instruments", run.TotalInstruments).
		Msg("Scheduled refresh submitted")
}

func (s *Scheduler) runSweep() {
	defer s.recoverPanic("sweep")

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	if _, err := s.refresh.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled retention sweep failed")
	}
}

func (s *Scheduler) recoverPanic(job string) {
	if r := recover(); r != nil {
		s.logger.Error().
			Str("job", job).
			Str("panic", fmt.Sprintf("%v", r)).
			Str("stack", string(debug.Stack())).
			Msg("Recovered from panic in scheduled job")
	}
}

func parseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return time.Sunday, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("invalid sweep weekday %q", s)
}
