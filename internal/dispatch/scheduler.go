package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler fires due cron schedules on a fixed tick. Schedule
// resolution is bounded below by the tick interval.
type Scheduler struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
	interval   time.Duration
}

// NewScheduler creates a scheduler around the dispatcher.
func NewScheduler(dispatcher *Dispatcher, logger *zap.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{dispatcher: dispatcher, logger: logger, interval: interval}
}

// Run loops until the context is cancelled, firing due schedules on
// each tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			created, err := s.dispatcher.RunDue(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Error("run due schedules failed", zap.Error(err))
				continue
			}
			if len(created) > 0 {
				s.logger.Info("schedules fired", zap.Int("executions_created", len(created)))
			}
		}
	}
}
