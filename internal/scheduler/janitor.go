package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	lf "github.com/bigredeye/deploygate/internal/logfield"
)

// Prune forgets runs that finished before the given time and returns their number.
// Recorded history is kept by the recorder.
func (s *Scheduler) Prune(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, run := range s.runs {
		run.mu.RLock()
		finishedAt := run.finishedAt
		run.mu.RUnlock()

		if finishedAt != nil && finishedAt.Before(before) {
			delete(s.runs, id)
			s.logger.Debug("Pruned run", lf.RunID(id))
			pruned++
		}
	}
	return pruned
}

// Janitor periodically prunes finished runs older than the retention period.
type Janitor struct {
	scheduler *Scheduler
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

func NewJanitor(scheduler *Scheduler, retention time.Duration, logger *zap.Logger) *Janitor {
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Janitor{
		scheduler: scheduler,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

func (j *Janitor) Run(ctx context.Context) {
	if j.retention <= 0 {
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Stopping janitor")
			return
		case now := <-ticker.C:
			if pruned := j.scheduler.Prune(now.Add(-j.retention)); pruned > 0 {
				j.logger.Info("Pruned finished runs", zap.Int("count", pruned))
			}
		}
	}
}
