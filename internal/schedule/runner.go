package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Job is one unit of scheduled work. Errors are logged and the schedule
// keeps going; the next attempt is the next natural tick.
type Job func(ctx context.Context) error

// Runner fires a Job on every tick of a Schedule until its context ends.
// Ticks are never overlapped: a job that outlives its interval skips the
// ticks it missed.
type Runner struct {
	name   string
	sched  Schedule
	job    Job
	logger *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewRunner(name string, s Schedule, job Job, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		name:   name,
		sched:  s,
		job:    job,
		logger: logger.With(slog.String("job", name)),
		now:    time.Now,
		after:  time.After,
	}
}

// Run blocks until ctx is cancelled. It returns nil on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("schedule_started",
		slog.String("schedule", r.sched.String()),
		slog.Duration("interval", r.sched.Interval()),
		slog.Time("next_run", r.sched.Next(r.now())),
	)

	for {
		next := r.sched.Next(r.now())
		select {
		case <-ctx.Done():
			r.logger.Info("schedule_stopped")
			return nil
		case <-r.after(next.Sub(r.now())):
		}
		if ctx.Err() != nil {
			r.logger.Info("schedule_stopped")
			return nil
		}
		r.fire(ctx)
	}
}

func (r *Runner) fire(ctx context.Context) {
	start := r.now()
	err := r.safeRun(ctx)
	dur := r.now().Sub(start)

	if err != nil {
		r.logger.Error("scheduled_job_failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", dur),
		)
		return
	}
	r.logger.Info("scheduled_job_done", slog.Duration("duration", dur))
}

func (r *Runner) safeRun(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("schedule: %s: panic: %v", r.name, rec)
		}
	}()
	return r.job(ctx)
}
