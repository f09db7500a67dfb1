package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"goldflow/logger"
)

// Job is a named periodic task. Runs are single-flight; a tick that fires
// while the previous run is still in progress is skipped.
type Job struct {
	Name     string
	Interval time.Duration
	RunOnce  bool
	Fn       func(ctx context.Context) error

	busy atomic.Bool
}

// Runner drives a set of jobs on their own tickers.
type Runner struct {
	jobs    []*Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

func NewRunner() *Runner {
	return &Runner{
		log: logger.GetLogger().WithComponent("scheduler"),
	}
}

// Register adds a job. Jobs registered after Start are ignored.
func (r *Runner) Register(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.jobs = append(r.jobs, job)
}

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	jobs := r.jobs
	r.mu.Unlock()

	for _, job := range jobs {
		if job.Interval <= 0 {
			r.log.WithFields(logger.Fields{"job": job.Name}).Warn("job has no interval, skipping")
			continue
		}
		r.wg.Add(1)
		go r.runJob(job)
	}

	r.log.WithFields(logger.Fields{"jobs": len(jobs)}).Info("scheduler started")
	return nil
}

func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.log.Info("scheduler stopped")
}

func (r *Runner) runJob(job *Job) {
	defer r.wg.Done()

	log := r.log.WithFields(logger.Fields{"job": job.Name})

	if job.RunOnce {
		r.execute(job, log)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.execute(job, log)
		}
	}
}

func (r *Runner) execute(job *Job, log *logger.Entry) {
	if !job.busy.CompareAndSwap(false, true) {
		log.Warn("previous run still in progress, skipping tick")
		return
	}
	defer job.busy.Store(false)

	started := time.Now()
	if err := job.Fn(r.ctx); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"elapsed": time.Since(started).String(),
		}).Error("job run failed")
		return
	}
	log.WithFields(logger.Fields{
		"elapsed": time.Since(started).String(),
	}).Debug("job run completed")
}
