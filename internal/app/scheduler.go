/**
 * @description
 * Cron scheduler for the reconciliation sweep.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepTimeout = 5 * time.Minute

// Scheduler runs the reconciler on a fixed schedule.
type Scheduler struct {
	cron     *cron.Cron
	svc      *Service
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(svc *Service, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		svc:      svc,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the reconcile job and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		s.logger.Error("failed to schedule reconcile job", "error", err, "schedule", s.schedule)
		return
	}
	s.logger.Info("scheduled reconcile job", "schedule", s.schedule)
	s.cron.Start()
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	result, err := s.svc.ReconcileStaleAttempts(ctx)
	if err != nil {
		s.logger.Error("reconcile sweep failed", "error", err)
		return
	}
	s.logger.Info("reconcile sweep finished",
		"swept", result.Swept,
		"finalized", result.Finalized,
		"still_pending", result.StillPending,
		"alerts", result.Alerts,
		"check_failed", result.CheckFailed,
	)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
