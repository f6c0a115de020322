package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lalithlochan/roadsync/internal/outbox"
	"github.com/lalithlochan/roadsync/internal/statussync"
)

// JobOptions holds flags shared by the one-shot job commands.
type JobOptions struct {
	*RootOptions
	Limit int
}

// NewFlushOutboxCommand creates the flush-outbox command.
func NewFlushOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JobOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "flush-outbox",
		Short: "Deliver due outbox notifications once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sum, err := a.runner.FlushOutbox(ctx, opts.Limit)
				if err != nil {
					return err
				}
				return writeResult(cmd.OutOrStdout(), opts.Format, sum, formatOutboxSummary)
			})
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", outbox.DefaultFlushLimit, "maximum rows to process")
	return cmd
}

// NewFlushDiffsCommand creates the flush-diffs command.
func NewFlushDiffsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JobOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "flush-diffs",
		Short: "Push pending status diffs to the mobile store once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sum, err := a.runner.FlushStatusDiffs(ctx, opts.Limit)
				if err != nil {
					return err
				}
				return writeResult(cmd.OutOrStdout(), opts.Format, sum, formatDiffSummary)
			})
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", statussync.DefaultFlushLimit, "maximum history rows to process")
	return cmd
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired outbox rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				removed, err := a.runner.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				return writeResult(cmd.OutOrStdout(), rootOpts.Format, map[string]int64{"removed": removed},
					func(v map[string]int64) string { return fmt.Sprintf("removed %d expired outbox rows", v["removed"]) })
			})
		},
	}
}

// BulkOptions holds flags for the bulk-sync command.
type BulkOptions struct {
	*RootOptions
	Reason string
}

// NewBulkSyncCommand creates the bulk-sync command.
func NewBulkSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BulkOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bulk-sync",
		Short: "Rewrite the mirror document of every signalement",
		Long: `Rewrite the mirror document of every signalement from PostgreSQL.

Only one bulk sync runs across all instances; the command fails when another
instance holds the bulk-sync lease.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.diffs.BulkSync(ctx, opts.Reason)
				if err != nil {
					return err
				}
				return writeResult(cmd.OutOrStdout(), opts.Format, res, formatBulkResult)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Reason, "reason", "cli", "reason recorded on the lease")
	return cmd
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.JobTimeout)
		defer cancel()
	}
	return fn(ctx, a)
}

func formatOutboxSummary(s outbox.Summary) string {
	return fmt.Sprintf("processed %d outbox rows: %d sent, %d failed", s.Processed, s.Sent, s.Failed)
}

func formatDiffSummary(s statussync.Summary) string {
	return fmt.Sprintf("processed %d status diffs: %d synced, %d failed", s.Processed, s.Synced, s.Failed)
}

func formatBulkResult(r statussync.BulkResult) string {
	return fmt.Sprintf("bulk sync: %d signalements, %d written, %d skipped", r.Signalements, r.Written, r.Skipped)
}
