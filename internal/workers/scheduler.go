package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler ties the workers to their timers: the sync worker to its
// ticker and the rollup worker to a cron expression evaluated in UTC.
type Scheduler struct {
	sync   *SyncWorker
	rollup *RollupWorker
	cron   *cron.Cron
	logger *zap.Logger
}

func NewScheduler(sync *SyncWorker, rollup *RollupWorker, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		sync:   sync,
		rollup: rollup,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger,
	}
}

// Start launches the sync loop and schedules the daily rollup. The
// given cron expression should fire shortly after UTC midnight so the
// finished day closes out promptly.
func (s *Scheduler) Start(ctx context.Context, rollupSchedule string) error {
	if _, err := cron.ParseStandard(rollupSchedule); err != nil {
		return fmt.Errorf("invalid rollup schedule %q: %w", rollupSchedule, err)
	}

	_, err := s.cron.AddFunc(rollupSchedule, func() {
		if err := s.rollup.RollupYesterday(ctx); err != nil && !errors.Is(err, ErrRollupLocked) {
			s.logger.Error("scheduled rollup failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("couldn't schedule rollup: %w", err)
	}

	s.cron.Start()
	go s.sync.Run(ctx)

	s.logger.Info("workers started", zap.String("rollup_schedule", rollupSchedule))

	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()

	return nil
}
