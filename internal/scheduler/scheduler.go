// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/verdict/internal/metrics"
)

// DefaultTickInterval is how often the loop checks for due jobs.
const DefaultTickInterval = 30 * time.Second

// Job is a named unit of periodic work.
type Job struct {
	Name string
	Cron string // five-field cron expression or a descriptor such as "@every 5m"
	Run  func(ctx context.Context, now time.Time) error
}

// JobStatus reports the schedule and last outcome of a job.
type JobStatus struct {
	Name          string     `json:"name"`
	Cron          string     `json:"cron"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Runs          int        `json:"runs"`
}

type jobState struct {
	job      Job
	schedule cron.Schedule
	status   JobStatus
}

// Scheduler checks registered jobs on a ticker and runs those that are due.
// A job never overlaps with itself.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
	metrics  *metrics.Metrics

	mu     sync.Mutex
	jobs   map[string]*jobState
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTickInterval sets how often due jobs are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMetrics records job outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a new Scheduler.
func NewScheduler(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		now:      time.Now,
		interval: DefaultTickInterval,
		jobs:     make(map[string]*jobState),
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds a job. Its first run is the next cron match after now.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run function")
	}
	schedule, err := s.parser.Parse(job.Cron)
	if err != nil {
		return fmt.Errorf("parse cron expression %q for job %q: %w", job.Cron, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("scheduler: job %q already registered", job.Name)
	}
	s.jobs[job.Name] = &jobState{
		job:      job,
		schedule: schedule,
		status:   JobStatus{Name: job.Name, Cron: job.Cron, NextRunAt: schedule.Next(s.now().UTC())},
	}
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Status())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	s.mu.Lock()
	var due []string
	for name, st := range s.jobs {
		if !st.status.NextRunAt.After(now) {
			due = append(due, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(due)

	for _, name := range due {
		if !s.tryAcquire(name) {
			continue // already running (dedup)
		}
		s.runJob(ctx, name, now)
		s.releaseJob(name)
	}
}

// RunNow runs a job immediately, outside its schedule. Its next scheduled
// run is unchanged.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	if !s.tryAcquire(name) {
		return fmt.Errorf("scheduler: job %q is already running", name)
	}
	defer s.releaseJob(name)
	return s.runJob(ctx, name, s.now().UTC())
}

// runJob executes a job and updates its status.
func (s *Scheduler) runJob(ctx context.Context, name string, now time.Time) error {
	s.mu.Lock()
	st := s.jobs[name]
	s.mu.Unlock()

	s.logger.Debug("running scheduled job", slog.String("job", name))
	err := st.job.Run(ctx, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	st.status.LastRunAt = &now
	st.status.Runs++
	st.status.LastRunStatus = "success"
	st.status.LastError = ""
	if err != nil {
		st.status.LastRunStatus = "error"
		st.status.LastError = err.Error()
		s.logger.Error("scheduled job failed",
			slog.String("job", name),
			slog.String("error", err.Error()),
		)
	}
	s.metrics.JobRan(name, st.status.LastRunStatus)
	if next := st.schedule.Next(now); next.After(st.status.NextRunAt) {
		st.status.NextRunAt = next
	}
	return err
}

// Status returns every job's status sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, st := range s.jobs {
		cp := st.status
		if cp.LastRunAt != nil {
			t := *cp.LastRunAt
			cp.LastRunAt = &t
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.done = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
	return nil
}
