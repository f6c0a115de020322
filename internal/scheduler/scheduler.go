package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Config struct {
	OutboxSpec  string
	DiffSpec    string
	CleanupSpec string
	OutboxLimit int
	DiffLimit   int
	// JobTimeout bounds a single scheduled run.
	JobTimeout time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		OutboxSpec:  "@every 30s",
		DiffSpec:    "@every 1m",
		CleanupSpec: "0 3 * * *",
		OutboxLimit: 50,
		DiffLimit:   50,
		JobTimeout:  DefaultJobTimeout,
	}
}

// Scheduler triggers Runner jobs on cron specs. A failing or panicking job is logged
// and the next tick runs as usual.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	config Config
	logger *zap.Logger
}

// New registers the three jobs. It fails on an invalid spec.
func New(runner *Runner, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.OutboxSpec == "" {
		cfg.OutboxSpec = def.OutboxSpec
	}
	if cfg.DiffSpec == "" {
		cfg.DiffSpec = def.DiffSpec
	}
	if cfg.CleanupSpec == "" {
		cfg.CleanupSpec = def.CleanupSpec
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}

	cl := cronLogger{logger: logger.Named("cron")}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		config: cfg,
		logger: logger,
	}

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{JobOutbox, cfg.OutboxSpec, func(ctx context.Context) error {
			_, err := runner.FlushOutbox(ctx, cfg.OutboxLimit)
			return err
		}},
		{JobStatusDiffs, cfg.DiffSpec, func(ctx context.Context) error {
			_, err := runner.FlushStatusDiffs(ctx, cfg.DiffLimit)
			return err
		}},
		{JobCleanup, cfg.CleanupSpec, func(ctx context.Context) error {
			_, err := runner.CleanupExpired(ctx)
			return err
		}},
	}

	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, s.wrap(j.name, j.run)); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

// wrap gives each run its own timeout and turns errors and panics into log lines.
func (s *Scheduler) wrap(name string, run func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
		defer cancel()

		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("scheduled job panicked",
					zap.String("job", name),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
			}
		}()

		if err := run(ctx); err != nil {
			s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	}
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started",
		zap.String("outbox", s.config.OutboxSpec),
		zap.String("status_diffs", s.config.DiffSpec),
		zap.String("cleanup", s.config.CleanupSpec),
	)
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
