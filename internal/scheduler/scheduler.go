// Package scheduler fires workflows whose starter block declares a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/blockflow/internal/handlers"
	"github.com/rendis/blockflow/pkg/schema"
)

// Last run statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const defaultInterval = 30 * time.Second

// Job is one scheduled workflow.
type Job struct {
	ID       string
	Schedule string
	Workflow *schema.SerializedWorkflow
	// Input is the triggering input of every scheduled run.
	Input   any
	Enabled bool

	NextRunAt     *time.Time
	LastRunAt     *time.Time
	LastRunStatus string
}

// Runner executes one scheduled run.
type Runner interface {
	RunScheduled(ctx context.Context, job *Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *Job) error

// RunScheduled calls f.
func (f RunnerFunc) RunScheduled(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// JobFromWorkflow builds a job from the schedule input of wf's first enabled
// starter block. ok is false when no starter declares a schedule.
func JobFromWorkflow(id string, wf *schema.SerializedWorkflow) (job *Job, ok bool) {
	for i := range wf.Blocks {
		b := &wf.Blocks[i]
		if b.Type != handlers.TypeStarter || !b.IsEnabled() {
			continue
		}
		spec, _ := b.Inputs["schedule"].(string)
		if spec == "" {
			continue
		}
		return &Job{ID: id, Schedule: spec, Workflow: wf, Enabled: true}, true
	}
	return nil, false
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets how often due jobs are checked.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler checks its jobs on a ticker and runs the due ones concurrently.
type Scheduler struct {
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
	running    sync.WaitGroup
}

// NewScheduler creates a new Scheduler. Schedules use the standard five
// field cron syntax plus descriptors such as @hourly.
func NewScheduler(runner Runner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: defaultInterval,
		now:      time.Now,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers job, computing its first run from now when NextRunAt is unset.
func (s *Scheduler) Add(job *Job) error {
	if job == nil || job.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires an id")
	}
	next, err := s.CalculateNextRun(job.Schedule, s.now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %q: %v", job.ID, err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already scheduled", job.ID)
	}
	cp := *job
	if cp.NextRunAt == nil {
		cp.NextRunAt = &next
	}
	s.jobs[job.ID] = &cp
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(id string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	delete(s.jobs, id)
}

// SetEnabled pauses or resumes a job.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	j.Enabled = enabled
	return nil
}

// Jobs returns copies of every job sorted by id.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
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
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())), slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer s.running.Wait()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every enabled job whose next run is due, each on its own
// goroutine. A job still running from an earlier tick is skipped.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, job := range s.Jobs() {
		if !job.Enabled || (job.NextRunAt != nil && job.NextRunAt.After(now)) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			s.logger.Debug("scheduled job still running, skipping", slog.String("job_id", job.ID))
			continue
		}
		s.running.Go(func() {
			defer s.releaseJob(job.ID)
			if err := s.runJob(ctx, &job, now); err != nil {
				s.logger.Error("failed to run scheduled job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}

// runJob executes a scheduled job and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("schedule", job.Schedule),
	)

	status := StatusSuccess
	if err := s.runner.RunScheduled(ctx, job); err != nil {
		status = StatusError
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	nextRun, err := s.CalculateNextRun(job.Schedule, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if j, ok := s.jobs[job.ID]; ok {
		j.LastRunAt = &now
		j.NextRunAt = &nextRun
		j.LastRunStatus = status
	}
	return nil
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler. Running jobs see their context
// cancelled and Stop waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
