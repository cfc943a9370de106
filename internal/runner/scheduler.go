package runner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Scheduler triggers one cycle at startup and then on a fixed interval
// until the context finishes.
type Scheduler struct {
	pipeline *Pipeline
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(pipeline *Pipeline, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		pipeline: pipeline,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until ctx finishes. The initial cycle runs immediately so a
// restarted process does not wait a full interval before checking.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.pipeline.RunCycle(ctx); err != nil {
		if errors.Is(err, ErrCycleInFlight) {
			s.logger.Warn("previous cycle still running, skipping tick")
			return
		}
		s.logger.Error("cycle failed", zap.Error(err))
	}
}
