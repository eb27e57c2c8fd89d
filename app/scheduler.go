package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/meterd/ports"
)

// Job is a periodic background task.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration // per run; zero uses the scheduler default
	Run      func(ctx context.Context) error
}

// SchedulerConfig contains configuration for Scheduler.
type SchedulerConfig struct {
	JobTimeout  time.Duration // default per-run timeout (default: 30s)
	EnabledJobs []string      // empty enables every job
}

// Scheduler runs jobs on fixed intervals until its context is cancelled.
// A failed run is logged and retried on the next tick.
type Scheduler struct {
	cfg     SchedulerConfig
	logger  zerolog.Logger
	metrics ports.Metrics

	mu   sync.Mutex
	jobs []Job
}

// NewScheduler creates an empty scheduler.
func NewScheduler(cfg SchedulerConfig, logger zerolog.Logger, metrics ports.Metrics) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	return &Scheduler{cfg: cfg, logger: logger, metrics: orNop(metrics)}
}

// Add registers a job. Jobs that are not enabled or have no interval are skipped.
func (s *Scheduler) Add(j Job) {
	if j.Interval <= 0 || !s.enabled(j.Name) {
		s.logger.Debug().Str("job", j.Name).Msg("job disabled")
		return
	}
	if j.Timeout <= 0 {
		j.Timeout = s.cfg.JobTimeout
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

func (s *Scheduler) enabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, e := range s.cfg.EnabledJobs {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}

// Run starts every job and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			s.runForever(ctx, j)
			return nil
		})
	}
	s.logger.Info().Strs("jobs", s.Jobs()).Msg("scheduler started")
	err := g.Wait()
	s.logger.Info().Msg("scheduler stopped")
	return err
}

func (s *Scheduler) runForever(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_ = s.runOnce(ctx, j)
	}
}

// RunOnce runs the named job immediately.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			job = &s.jobs[i]
			break
		}
	}
	s.mu.Unlock()
	if job == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.runOnce(ctx, *job)
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) error {
	runCtx, cancel := context.WithTimeout(ctx, j.Timeout)
	defer cancel()

	start := time.Now()
	err := j.Run(runCtx)
	elapsed := time.Since(start)
	s.metrics.JobRun(j.Name, elapsed, err)

	switch {
	case err == nil:
		s.logger.Debug().Str("job", j.Name).Dur("duration", elapsed).Msg("job finished")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// shutting down
	default:
		s.logger.Warn().Err(err).Str("job", j.Name).Dur("duration", elapsed).Msg("job failed, retrying next tick")
	}
	return err
}
