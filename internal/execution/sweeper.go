package execution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/model"
)

const (
	defaultSweepBatch = 50
	defaultStaleAfter = 5 * time.Minute
)

// Sweeper periodically drives executions that are not attached to a
// live request: freshly created pending runs, paused runs due to
// resume, and running rows orphaned by a crashed engine.
type Sweeper struct {
	engine     *Engine
	store      Store
	logger     *zap.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	staleAfter time.Duration
	batch      int
}

// NewSweeper creates a sweeper around the engine and its store.
func NewSweeper(engine *Engine, store Store, logger *zap.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{
		engine:     engine,
		store:      store,
		logger:     logger,
		interval:   interval,
		staleAfter: defaultStaleAfter,
		batch:      defaultSweepBatch,
	}
}

// SetLimits overrides the stale cutoff and batch size. Non-positive
// values keep the defaults.
func (s *Sweeper) SetLimits(staleAfter time.Duration, batch int) {
	if staleAfter > 0 {
		s.staleAfter = staleAfter
	}
	if batch > 0 {
		s.batch = batch
	}
}

// SetMetrics attaches the metric instruments.
func (s *Sweeper) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Run loops until the context is cancelled, sweeping on each tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep performs one pass over pending, due-paused, and stale-running
// executions.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	s.sweepStale(ctx, now)
	s.sweepDuePaused(ctx, now)
	s.sweepPending(ctx)
}

func (s *Sweeper) sweepPending(ctx context.Context) {
	s.metrics.RecordSweep("pending")
	ids, err := s.store.FindPending(ctx, s.batch)
	if err != nil {
		s.logger.Error("find pending executions failed", zap.Error(err))
		return
	}
	s.runAll(ctx, ids)
}

func (s *Sweeper) sweepDuePaused(ctx context.Context, now time.Time) {
	s.metrics.RecordSweep("due_paused")
	ids, err := s.store.FindDuePaused(ctx, now, s.batch)
	if err != nil {
		s.logger.Error("find due paused executions failed", zap.Error(err))
		return
	}
	s.runAll(ctx, ids)
}

// sweepStale requeues running executions whose engine stopped
// checkpointing. The requeued runs are picked up by the pending sweep;
// checkpoints make the replay at-least-once.
func (s *Sweeper) sweepStale(ctx context.Context, now time.Time) {
	s.metrics.RecordSweep("stale")
	ids, err := s.store.FindStaleRunning(ctx, now.Add(-s.staleAfter), s.batch)
	if err != nil {
		s.logger.Error("find stale running executions failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := s.store.Requeue(ctx, id); err != nil {
			if !model.IsCode(err, model.ErrExecutionNotActive) {
				s.logger.Warn("requeue stale execution failed",
					zap.String("execution_id", id), zap.Error(err))
			}
			continue
		}
		s.metrics.RecordStaleRequeue()
		s.logger.Warn("requeued stale running execution", zap.String("execution_id", id))
	}
}

func (s *Sweeper) runAll(ctx context.Context, ids []string) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		err := s.engine.Run(ctx, id)
		switch {
		case err == nil:
		case model.IsCode(err, model.ErrExecutionClaimed),
			model.IsCode(err, model.ErrExecutionNotActive):
			// Another instance got there first.
		default:
			s.logger.Error("execution run failed",
				zap.String("execution_id", id), zap.Error(err))
		}
	}
}
