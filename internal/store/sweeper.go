package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SweepTask removes expired data and reports how many items it dropped.
type SweepTask struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Sweeper runs its tasks on a cron schedule, skipping a tick while the
// previous run is still going.
type Sweeper struct {
	cron   *cron.Cron
	tasks  []SweepTask
	logger *zap.Logger
}

func NewSweeper(schedule string, logger *zap.Logger, tasks ...SweepTask) (*Sweeper, error) {
	s := &Sweeper{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		tasks:  tasks,
		logger: logger.Named("sweeper"),
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce executes every task immediately. A failing task does not stop the
// others.
func (s *Sweeper) RunOnce(ctx context.Context) map[string]int {
	removed := make(map[string]int, len(s.tasks))
	for _, t := range s.tasks {
		n, err := t.Run(ctx)
		if err != nil {
			s.logger.Error("sweep failed", zap.String("task", t.Name), zap.Error(err))
			continue
		}
		removed[t.Name] = n
		if n > 0 {
			s.logger.Info("swept expired entries", zap.String("task", t.Name), zap.Int("removed", n))
		}
	}
	return removed
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish or ctx
// to end.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// BlobSweep adapts a Blob to a SweepTask that drops blobs older than maxAge.
func BlobSweep(name string, b Blob, maxAge time.Duration) SweepTask {
	return SweepTask{
		Name: name,
		Run: func(ctx context.Context) (int, error) {
			return b.Sweep(ctx, time.Now().Add(-maxAge))
		},
	}
}
