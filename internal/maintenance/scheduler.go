// Package maintenance runs periodic housekeeping for the governed components:
// retiring stale identities, snapshotting limiter state and pruning queue
// history.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/metrics"
)

// Job names.
const (
	JobIdentitySweep   = "identity_sweep"
	JobLimiterSnapshot = "limiter_snapshot"
	JobQueuePrune      = "queue_prune"
)

// Config holds cron specs (seconds field included) per job. An empty spec
// disables that job.
type Config struct {
	IdentitySweep   string        `mapstructure:"identity_sweep"`
	LimiterSnapshot string        `mapstructure:"limiter_snapshot"`
	QueuePrune      string        `mapstructure:"queue_prune"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
}

// DefaultConfig returns the stock schedule.
func DefaultConfig() Config {
	return Config{
		IdentitySweep:   "0 * * * * *",
		LimiterSnapshot: "*/30 * * * * *",
		QueuePrune:      "0 */5 * * * *",
		JobTimeout:      time.Minute,
	}
}

// Task is one unit of housekeeping; the int is how many records it touched.
type Task func(ctx context.Context) (int, error)

// Sweeper retires stale identities.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Snapshotter persists every tracked target.
type Snapshotter interface {
	SnapshotAll(ctx context.Context) (int, error)
}

// Pruner drops terminal history.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// Targets are the components maintained. Nil members skip their job.
type Targets struct {
	Identities Sweeper
	Limiter    Snapshotter
	Queue      Pruner
}

type job struct {
	name string
	spec string
	run  Task
}

// Scheduler owns a cron runner.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]Task
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
}

// New registers every enabled job. A bad spec fails construction.
func New(cfg Config, targets Targets, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		jobs:    make(map[string]Task),
		timeout: cfg.JobTimeout,
		logger:  logger.Named("maintenance"),
	}

	var jobs []job
	if targets.Identities != nil {
		jobs = append(jobs, job{JobIdentitySweep, cfg.IdentitySweep, targets.Identities.Sweep})
	}
	if targets.Limiter != nil {
		jobs = append(jobs, job{JobLimiterSnapshot, cfg.LimiterSnapshot, targets.Limiter.SnapshotAll})
	}
	if targets.Queue != nil {
		jobs = append(jobs, job{JobQueuePrune, cfg.QueuePrune, targets.Queue.Prune})
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, func() { _, _ = s.Run(context.Background(), j.name) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
		s.jobs[j.name] = j.run
	}
	return s, nil
}

// Jobs reports how many jobs are scheduled.
func (s *Scheduler) Jobs() int {
	return len(s.jobs)
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("maintenance started", zap.Int("jobs", len(s.jobs)))
}

// Stop halts the schedule and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop maintenance: %w", ctx.Err())
	}
}

// Run executes a named job immediately.
func (s *Scheduler) Run(ctx context.Context, name string) (int, error) {
	task, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("maintenance job %q: %w", name, governance.ErrNotFound)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := task(ctx)
	metrics.ObserveMaintenance(name, err)
	fields := []zap.Field{zap.String("job", name), zap.Int("records", n), zap.Duration("took", time.Since(start))}
	switch {
	case err != nil && governance.IsPersistence(err):
		s.logger.Error("maintenance job persistence failure", append(fields, zap.Error(err))...)
	case err != nil:
		s.logger.Warn("maintenance job failed", append(fields, zap.Error(err))...)
	default:
		s.logger.Debug("maintenance job finished", fields...)
	}
	return n, err
}

// RunAll executes every scheduled job once, joining their errors.
func (s *Scheduler) RunAll(ctx context.Context) error {
	var errs []error
	for _, name := range []string{JobIdentitySweep, JobLimiterSnapshot, JobQueuePrune} {
		if _, ok := s.jobs[name]; !ok {
			continue
		}
		if _, err := s.Run(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
