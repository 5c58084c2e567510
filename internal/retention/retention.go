// Package retention prunes old saved analyses on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes records created before a cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, t time.Time) (int, error)
}

// Config controls the pruning schedule.
type Config struct {
	// Schedule is a standard five-field cron expression, evaluated in UTC.
	Schedule string
	// MaxAge is how long an analysis is kept.
	MaxAge time.Duration
	// Timeout bounds a single run. Defaults to one minute.
	Timeout time.Duration
}

// Service runs the pruning job.
type Service struct {
	pruner  Pruner
	maxAge  time.Duration
	timeout time.Duration
	cron    *cron.Cron
	logger  *slog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates cfg and schedules the job. Call Start to begin running it.
func New(pruner Pruner, cfg Config, logger *slog.Logger) (*Service, error) {
	if pruner == nil {
		return nil, fmt.Errorf("pruner is required")
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive")
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "retention")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		pruner:  pruner,
		maxAge:  cfg.MaxAge,
		timeout: cfg.Timeout,
		logger:  logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	cronLogger := slogAdapter{logger: logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	s.cron.Schedule(schedule, cron.FuncJob(s.run))
	return s, nil
}

// Start runs the scheduler in the background.
func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info("retention scheduler started", "max_age", s.maxAge.String(), "next_run", s.Next())
}

// Stop halts the scheduler, cancels a running job and waits for it to
// finish or for ctx to end.
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next scheduled run, or the zero time before Start.
func (s *Service) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce prunes analyses older than the configured max age.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.maxAge)
	n, err := s.pruner.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune analyses before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}

func (s *Service) run() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("retention run failed", "error", err)
		return
	}
	s.logger.Info("retention run finished", "pruned", n)
}

// slogAdapter satisfies cron.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error(msg, append(keysAndValues, "error", err)...)
}
