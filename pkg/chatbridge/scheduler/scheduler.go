// Package scheduler runs periodic maintenance jobs (backend health probes,
// history pruning) on robfig/cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 5 * time.Minute

// Config holds scheduler settings.
type Config struct {
	// JobTimeout bounds a single job run (default 5m).
	JobTimeout time.Duration `yaml:"job_timeout" env:"SCHEDULER_JOB_TIMEOUT"`
}

// DefaultConfig returns the default scheduler settings.
func DefaultConfig() Config {
	return Config{JobTimeout: DefaultJobTimeout}
}

// JobFunc is the work of a job. ctx is cancelled on timeout or Stop.
type JobFunc func(ctx context.Context) error

// Job is a registered job and its run bookkeeping.
type Job struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	RunCount  int       `json:"run_count"`

	fn      JobFunc
	running bool
}

// Scheduler manages named cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	jobs       map[string]*Job
	jobTimeout time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Jobs may be added before or after Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		jobs:       make(map[string]*Job),
		jobTimeout: DefaultJobTimeout,
		logger:     logger.With("component", "scheduler"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetJobTimeout changes the per-run timeout. Non-positive values restore
// the default.
func (s *Scheduler) SetJobTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultJobTimeout
	}
	s.mu.Lock()
	s.jobTimeout = d
	s.mu.Unlock()
}

// Add registers fn under name with a cron expression or descriptor such as
// "@every 5m". Names are unique.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	if fn == nil {
		return fmt.Errorf("job %q: nil func", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	job := &Job{Name: name, Schedule: schedule, fn: fn}
	if _, err := s.cron.AddFunc(schedule, func() { s.execute(job) }); err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", name, schedule, err)
	}
	s.jobs[name] = job
	return nil
}

// List returns a snapshot of the registered jobs sorted by name.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Job{
			Name:      j.Name,
			Schedule:  j.Schedule,
			LastRunAt: j.LastRunAt,
			LastError: j.LastError,
			RunCount:  j.RunCount,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunNow executes a job immediately in the caller's goroutine.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.execute(job)
	return nil
}

// Start begins firing jobs. Runs are cancelled when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", count)
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out, cancelling running jobs")
	}
	if cancel != nil {
		cancel()
	}
	s.logger.Info("scheduler stopped")
}

// execute runs one job. Overlapping fires are skipped and panics are
// recovered so a bad job cannot take the scheduler down.
func (s *Scheduler) execute(job *Job) {
	s.mu.Lock()
	if job.running {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "job", job.Name)
		return
	}
	job.running = true
	parent, timeout := s.ctx, s.jobTimeout
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, timeout)
	start := time.Now()

	var err error
	defer func() {
		cancel()
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}

		s.mu.Lock()
		job.running = false
		job.LastRunAt = start
		job.RunCount++
		job.LastError = ""
		if err != nil {
			job.LastError = err.Error()
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("scheduled job failed", "job", job.Name, "error", err,
				"duration_ms", time.Since(start).Milliseconds())
			return
		}
		s.logger.Debug("scheduled job done", "job", job.Name,
			"duration_ms", time.Since(start).Milliseconds())
	}()

	err = job.fn(ctx)
}
