package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Task is the body of a scheduled job. ctx is the context the job was
// added with and is cancelled when the orchestrator stops.
type Task func(ctx context.Context) error

// JobInfo describes a scheduled job.
type JobInfo struct {
	Name     string
	Schedule string    // cron expression
	NextRun  time.Time // zero if not scheduled
	Runs     int
	LastRun  time.Time // zero if never run
	LastTook time.Duration
	LastErr  error
}

// job is a registered task plus its run history.
type job struct {
	name     string
	schedule string
	task     Task
	ctx      context.Context
	logger   *slog.Logger
	handle   gocron.Job

	mu       sync.Mutex
	runs     int
	lastRun  time.Time
	lastTook time.Duration
	lastErr  error
}

func (j *job) run() {
	start := time.Now()
	err := j.task(j.ctx)
	took := time.Since(start)

	j.mu.Lock()
	j.runs++
	j.lastRun, j.lastTook, j.lastErr = start, took, err
	j.mu.Unlock()

	if err != nil {
		j.logger.Warn("scheduled job failed", "name", j.name, "duration", took, "error", err)
		return
	}
	j.logger.Debug("scheduled job finished", "name", j.name, "duration", took)
}

func (j *job) info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		Name:     j.name,
		Schedule: j.schedule,
		Runs:     j.runs,
		LastRun:  j.lastRun,
		LastTook: j.lastTook,
		LastErr:  j.lastErr,
	}
	if nr, err := j.handle.NextRun(); err == nil {
		info.NextRun = nr
	}
	return info
}

// Scheduler runs named cron jobs in UTC. A job never overlaps with itself:
// a tick that arrives while the previous run is still going is skipped.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]*job
	logger    *slog.Logger
}

func newScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]*job),
		logger:    logger,
	}, nil
}

// AddJob registers task under name. The seconds field is optional, as in
// config.ValidateCron.
func (s *Scheduler) AddJob(ctx context.Context, name, cronExpr string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}
	j := &job{name: name, schedule: cronExpr, task: task, ctx: ctx, logger: s.logger}
	handle, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, true),
		gocron.NewTask(j.run),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}
	j.handle = handle
	s.jobs[name] = j
	s.logger.Info("scheduled job added", "name", name, "cron", cronExpr)
	return nil
}

// RemoveJob removes a job. Unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return
	}
	if err := s.scheduler.RemoveJob(j.handle.ID()); err != nil {
		s.logger.Warn("failed to remove scheduled job", "name", name, "error", err)
	}
	delete(s.jobs, name)
}

func (s *Scheduler) HasJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// ListJobs returns the registered jobs sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	infos := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		infos = append(infos, j.info())
	}
	slices.SortFunc(infos, func(a, b JobInfo) int { return strings.Compare(a.Name, b.Name) })
	return infos
}

// RunNow runs a job once, outside its schedule, and waits for it.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no scheduled job %s", name)
	}
	j.run()
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop halts job execution and waits for running jobs. Start resumes it.
func (s *Scheduler) Stop() error {
	return s.scheduler.StopJobs()
}

// Shutdown releases the scheduler for good.
func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}
