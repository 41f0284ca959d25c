// Package retention periodically removes finished jobs and their logs.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/caesium-cloud/fleetline/internal/metrics"
	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/google/uuid"
	"github.com/robfig/cron"
)

// JobPurger removes terminal jobs last updated before cutoff.
type JobPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

// LogDeleter removes the log fragments of jobs.
type LogDeleter interface {
	Delete(ctx context.Context, jobIDs []uuid.UUID) (int64, error)
}

// Sweeper purges expired jobs on a cron schedule.
type Sweeper struct {
	jobs     JobPurger
	logs     LogDeleter
	ttl      time.Duration
	schedule cron.Schedule
	now      func() time.Time
}

// New returns a sweeper keeping finished jobs for ttl. schedule is a standard
// five field cron expression or a descriptor such as "@every 1h".
func New(jobs JobPurger, logs LogDeleter, ttl time.Duration, schedule string) (*Sweeper, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("retention ttl must be positive, got %s", ttl)
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	return &Sweeper{jobs: jobs, logs: logs, ttl: ttl, schedule: sched, now: time.Now}, nil
}

// Run sweeps on every schedule tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	log.Info("retention sweeper started", "ttl", s.ttl)

	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Error("retention sweep failure", "error", err)
			}
		}
	}
}

// Sweep removes jobs that finished more than ttl ago together with their
// log fragments and returns how many jobs were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.ttl)

	ids, err := s.jobs.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	fragments, err := s.logs.Delete(ctx, ids)
	if err != nil {
		return len(ids), fmt.Errorf("delete log fragments: %w", err)
	}

	metrics.RetentionPurgedTotal.Add(float64(len(ids)))
	log.Info("retention sweep complete", "jobs", len(ids), "fragments", fragments, "cutoff", cutoff)
	return len(ids), nil
}
