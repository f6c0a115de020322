package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/roadsync/internal/api"
	"github.com/lalithlochan/roadsync/internal/scheduler"
	"github.com/lalithlochan/roadsync/internal/sqs"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the SQS intake and the ops HTTP server",
		Long: `Run roadsync as a long-lived process.

The scheduler flushes the outbox and the status diffs on their cron specs and
removes expired outbox rows nightly. When SQS_QUEUE_URL is set, status-change
events are consumed from the queue. The ops HTTP server exposes /health,
/metrics and the manual triggers under /internal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	cfg, logger := a.cfg, a.logger
	logger.Info("starting roadsync",
		zap.Int("port", cfg.Port),
		zap.String("push_provider", cfg.PushProvider),
		zap.String("lease_backend", cfg.LeaseBackend),
		zap.Bool("scheduler_enabled", cfg.SchedulerEnabled),
	)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go a.reportPoolStats(bgCtx, 15*time.Second)

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched, err = scheduler.New(a.runner, scheduler.Config{
			OutboxSpec:  cfg.OutboxFlushSpec,
			DiffSpec:    cfg.DiffFlushSpec,
			CleanupSpec: cfg.CleanupSpec,
			OutboxLimit: cfg.OutboxBatchSize,
			DiffLimit:   cfg.DiffBatchSize,
			JobTimeout:  cfg.JobTimeout,
		}, logger.Named("scheduler"))
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		sched.Start()
	}

	intakeDone := make(chan struct{})
	if cfg.SQSQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:      cfg.AWSRegion,
			Endpoint:    cfg.AWSEndpoint,
			QueueURL:    cfg.SQSQueueURL,
			WaitSeconds: cfg.SQSWaitSeconds,
			MaxMessages: cfg.SQSMaxMessages,
		}, a.outbox, logger.Named("intake"))
		if err != nil {
			return fmt.Errorf("failed to create sqs consumer: %w", err)
		}
		go func() {
			defer close(intakeDone)
			consumer.Run(bgCtx)
		}()
	} else {
		close(intakeDone)
	}

	handler := api.NewHandler(logger, a.runner, a.outbox, a.diffs, a.database)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, cfg.OpsToken, cfg.JobTimeout, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.JobTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		_ = srv.Close()
	}

	bgCancel()
	<-intakeDone

	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler did not stop in time", zap.Error(err))
		}
	}

	logger.Info("roadsync stopped", zap.Any("push_breaker", a.gateway.BreakerStats()))
	return runErr
}
