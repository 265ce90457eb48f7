// Package cron runs periodic maintenance jobs (summary backfill,
// completion-pending sweeps) on standard 5-field cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one maintenance task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger *slog.Logger
	// Timeout bounds a single job run; defaults to 5 minutes.
	Timeout time.Duration
}

// Scheduler fires registered jobs on their schedules. A job never runs
// concurrently with itself; an overlapping tick is skipped.
type Scheduler struct {
	cron    *cronlib.Cron
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running map[string]bool
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		cron:    cronlib.New(cronlib.WithParser(cronParser)),
		logger:  logger.With("component", "cron"),
		timeout: timeout,
		running: make(map[string]bool),
	}
}

// Add registers job on expr. Jobs may be added before or after Start.
func (s *Scheduler) Add(expr string, job Job) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("cron: job %s: %w", job.Name(), err)
	}
	_, err := s.cron.AddFunc(expr, func() { s.RunNow(job) })
	return err
}

// Start begins firing jobs. Jobs run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops scheduling and waits for running jobs to exit.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-stopCtx.Done()
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// RunNow runs job synchronously unless it is already running. It
// reports whether the job ran.
func (s *Scheduler) RunNow(job Job) bool {
	s.mu.Lock()
	if s.running[job.Name()] {
		s.mu.Unlock()
		s.logger.Debug("cron: job still running, skipping tick", "job", job.Name())
		return false
	}
	s.running[job.Name()] = true
	parent := s.ctx
	if parent == nil {
		parent = context.Background()
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.Name())
		s.mu.Unlock()
		s.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", job.Name(), "error", err, "duration", time.Since(start))
		return true
	}
	s.logger.Debug("cron: job finished", "job", job.Name(), "duration", time.Since(start))
	return true
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
