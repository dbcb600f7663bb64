// Package scheduler runs the gateway's periodic jobs on ticker
// goroutines (no external cron library). Every job acquires a named
// advisory lock before running its tick, so
// only one gateway instance performs a given job at a time even when
// several instances are deployed side by side. Interval defaults mirror
// config/celery.py's beat_schedule.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaysms/gateway/internal/hotstore"
)

// Job is a single unit of periodic work. It returns the number of
// items processed (for logging) or an error.
type Job struct {
	Name     string
	Interval time.Duration
	LockTTL  time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Scheduler runs a fixed set of Jobs, each on its own ticker.
type Scheduler struct {
	hot  *hotstore.Store
	log  zerolog.Logger
	jobs []Job
}

// New constructs a Scheduler over the given jobs.
func New(hot *hotstore.Store, log zerolog.Logger, jobs []Job) *Scheduler {
	return &Scheduler{hot: hot, log: log.With().Str("component", "scheduler").Logger(), jobs: jobs}
}

// Start launches one goroutine per job. It returns immediately; jobs
// run until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		go s.run(ctx, job)
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, job Job) {
	lockTTL := job.LockTTL
	if lockTTL == 0 {
		lockTTL = job.Interval
	}
	lock, acquired, err := s.hot.TryLock(ctx, "scheduler:"+job.Name, lockTTL)
	if err != nil {
		s.log.Error().Err(err).Str("job", job.Name).Msg("lock acquisition failed")
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			s.log.Warn().Err(err).Str("job", job.Name).Msg("unlock failed, will expire on its own")
		}
	}()

	n, err := job.Run(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("job", job.Name).Msg("job run failed")
		return
	}
	if n > 0 {
		s.log.Debug().Str("job", job.Name).Int("processed", n).Msg("job tick complete")
	}
}
