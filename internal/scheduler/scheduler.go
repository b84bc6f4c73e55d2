package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc runs one scheduled job. bucket is the aligned start of the
// interval that just elapsed.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Scheduler fires a job on wall-clock aligned intervals. The ingest stats
// report runs on it so that successive reports cover contiguous windows.
type Scheduler struct {
	interval time.Duration
	logger   zerolog.Logger
}

// New constructs a Scheduler instance.
func New(interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks, invoking tick at each aligned interval until ctx is cancelled.
// A failing tick is logged and the schedule continues.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	next := nextAligned(time.Now().UTC(), s.interval)
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = nextAligned(time.Now().UTC(), s.interval)
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		bucket := next.Add(-s.interval)
		if err := tick(ctx, bucket); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}

		next = next.Add(s.interval)
	}
}

// nextAligned returns the first interval boundary strictly after now.
func nextAligned(now time.Time, interval time.Duration) time.Time {
	bucket := now.Truncate(interval)
	if !bucket.After(now) {
		bucket = bucket.Add(interval)
	}
	return bucket
}
