// Package scheduler runs the periodic outbox and status-diff flushes.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lalithlochan/roadsync/internal/outbox"
	"github.com/lalithlochan/roadsync/internal/statussync"
)

// Job kinds. At most one run of a kind executes at a time in a process.
const (
	JobOutbox      = "outbox"
	JobStatusDiffs = "status_diffs"
	JobCleanup     = "cleanup"
)

type OutboxService interface {
	FlushPending(ctx context.Context, limit int) (outbox.Summary, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

type DiffService interface {
	FlushPendingStatusDiffs(ctx context.Context, limit int) (statussync.Summary, error)
}

// DefaultJobTimeout bounds one run of a job.
const DefaultJobTimeout = 5 * time.Minute

// Runner is the single entry point for flushes, scheduled or manual. A call that
// arrives while the same kind is running joins that run and gets its result.
//
// The shared run is detached from the caller that started it: it keeps the caller's
// context values but is bounded only by the job timeout. A caller whose context ends
// stops waiting without cancelling the run for the others.
type Runner struct {
	outbox  OutboxService
	diffs   DiffService
	group   singleflight.Group
	timeout time.Duration
	logger  *zap.Logger
}

func NewRunner(outboxSvc OutboxService, diffs DiffService, logger *zap.Logger) *Runner {
	return &Runner{outbox: outboxSvc, diffs: diffs, timeout: DefaultJobTimeout, logger: logger}
}

// WithTimeout sets the bound of a single run; non-positive values keep the default.
func (r *Runner) WithTimeout(d time.Duration) *Runner {
	if d > 0 {
		r.timeout = d
	}
	return r
}

func (r *Runner) FlushOutbox(ctx context.Context, limit int) (outbox.Summary, error) {
	v, err := r.run(ctx, JobOutbox, func(ctx context.Context) (any, error) {
		return r.outbox.FlushPending(ctx, limit)
	})
	sum, _ := v.(outbox.Summary)
	return sum, err
}

func (r *Runner) FlushStatusDiffs(ctx context.Context, limit int) (statussync.Summary, error) {
	v, err := r.run(ctx, JobStatusDiffs, func(ctx context.Context) (any, error) {
		return r.diffs.FlushPendingStatusDiffs(ctx, limit)
	})
	sum, _ := v.(statussync.Summary)
	return sum, err
}

func (r *Runner) CleanupExpired(ctx context.Context) (int64, error) {
	v, err := r.run(ctx, JobCleanup, func(ctx context.Context) (any, error) {
		return r.outbox.CleanupExpired(ctx)
	})
	n, _ := v.(int64)
	return n, err
}

func (r *Runner) run(ctx context.Context, job string, fn func(ctx context.Context) (any, error)) (any, error) {
	ch := r.group.DoChan(job, func() (v any, err error) {
		// DoChan re-panics on its own goroutine, out of reach of the caller's recover
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("job panicked", zap.String("job", job), zap.Any("panic", rec), zap.Stack("stack"))
				err = fmt.Errorf("%s job panicked: %v", job, rec)
			}
		}()

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return fn(runCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			r.logger.Debug("joined in-flight run", zap.String("job", job))
		}
		return res.Val, res.Err
	case <-ctx.Done():
		r.logger.Debug("stopped waiting for run", zap.String("job", job), zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}
}
