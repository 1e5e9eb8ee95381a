package scheduler

import (
	"context"
	"errors"
	"log"
	"time"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Runner invokes a Job on a fixed interval until its context ends.
type Runner struct {
	Name           string
	Interval       time.Duration
	Job            Job
	Clock          Clock
	RunImmediately bool
}

// Run blocks until ctx is cancelled. Job failures are logged and the next
// tick proceeds normally; a job never runs concurrently with itself.
func (r *Runner) Run(ctx context.Context) error {
	if r.Job == nil {
		return errors.New("scheduler: job is required")
	}
	if r.Interval <= 0 {
		return errors.New("scheduler: interval must be positive")
	}
	clock := r.Clock
	if clock == nil {
		clock = RealClock{}
	}

	ticker := clock.NewTicker(r.Interval)
	defer ticker.Stop()

	log.Printf("[SCHED][%s][START] interval=%s", r.Name, r.Interval)
	if r.RunImmediately {
		r.runOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("[SCHED][%s][STOP]", r.Name)
			return nil
		case <-ticker.C():
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	if err := r.Job(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[SCHED][%s][ERROR] %v", r.Name, err)
	}
}
