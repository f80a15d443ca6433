// Package cron runs the daemon's periodic maintenance loop: firing due
// recurring schedules as idempotent task upserts, and sweeping stale claims
// back to blocked.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentfs/internal/otel"
	"github.com/basket/agentfs/internal/persistence"
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Metrics  *otel.Metrics // may be nil
	Interval time.Duration // tick interval; defaults to 30s if zero
	ClaimTTL time.Duration // stale-claim cutoff; 0 disables the sweep
}

// Scheduler periodically fires due schedules and sweeps expired claims.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	metrics  *otel.Metrics
	interval time.Duration

	mu       sync.Mutex
	claimTTL time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		metrics:  cfg.Metrics,
		interval: interval,
		claimTTL: cfg.ClaimTTL,
	}
}

// SetClaimTTL adjusts the stale-claim cutoff, used by config hot reload.
func (s *Scheduler) SetClaimTTL(ttl time.Duration) {
	s.mu.Lock()
	s.claimTTL = ttl
	s.mu.Unlock()
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "claim_ttl", s.claimTTL)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass. Exported so tests and the CLI can drive
// it without the timer.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: query due schedules", "error", err)
	} else {
		for _, sched := range due {
			s.fire(ctx, sched, now)
		}
	}

	s.mu.Lock()
	ttl := s.claimTTL
	s.mu.Unlock()
	if ttl > 0 {
		swept, err := s.store.SweepStaleClaims(ctx, ttl)
		if err != nil {
			s.logger.Error("scheduler: sweep stale claims", "error", err)
		} else if swept > 0 {
			s.logger.Warn("scheduler: swept stale claims", "count", swept, "ttl", ttl)
			if s.metrics != nil {
				s.metrics.StaleClaimsSwept.Add(ctx, swept)
			}
		}
	}
}

// fire upserts the schedule's task and advances its run timestamps. The
// upsert keeps firings idempotent: a schedule whose previous task is still
// pending refreshes that task instead of stacking a duplicate.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	result, err := s.store.UpsertTask(ctx, persistence.UpsertTaskParams{
		TaskID:    sched.TaskID,
		Title:     sched.Title,
		Domain:    sched.Domain,
		Project:   sched.Project,
		Priority:  sched.Priority,
		CreatedBy: "scheduler:" + sched.Name,
		Payload:   sched.Payload,
	})
	if err != nil {
		s.logger.Error("scheduler: upsert task for schedule",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"error", err,
		)
		return
	}

	if err := s.store.MarkScheduleRun(ctx, sched.ID, now); err != nil {
		s.logger.Error("scheduler: mark schedule run",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}

	if s.metrics != nil {
		s.metrics.SchedulesFired.Add(ctx, 1)
	}
	s.logger.Info("scheduler: fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"task_id", result.TaskID,
		"action", result.Action,
	)
}
