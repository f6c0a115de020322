// Package statussync projects signalement status history from PostgreSQL into the
// Firestore mirror read by the mobile app. Every write is a merge and every document id
// is derived from relational ids, so re-running a row never duplicates anything.
package statussync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lalithlochan/roadsync/internal/db"
	"github.com/lalithlochan/roadsync/internal/docstore"
	"github.com/lalithlochan/roadsync/internal/lease"
	"github.com/lalithlochan/roadsync/internal/metrics"
)

const (
	DefaultFlushLimit = 50

	// BulkLockID names the lease guarding the bulk mirror sync.
	BulkLockID = "bulk-sync"

	defaultBulkLeaseTTL = 10 * time.Minute
	defaultBulkPageSize = 200
	defaultBatchSize    = 400
)

// Repository is the relational side of the diff sync.
type Repository interface {
	ListUnsyncedHistory(ctx context.Context, limit int) ([]*db.HistoryRow, error)
	MarkHistorySynced(ctx context.Context, id int64, attempts int, syncedAt time.Time) error
	MarkHistorySyncFailed(ctx context.Context, id int64, attempts int, errorMsg string) error
	ListSignalementsAfter(ctx context.Context, afterID int64, limit int) ([]*db.Signalement, error)
}

type Config struct {
	BulkLeaseTTL time.Duration
	BulkPageSize int
	// BatchSize bounds writes per atomic batch; Firestore allows 500.
	BatchSize int
}

// Service runs the diff sync and the bulk mirror sync.
type Service struct {
	repo   Repository
	store  docstore.Store
	locker lease.Locker
	config Config
	bulk   singleflight.Group
	now    func() time.Time
	logger *zap.Logger
}

// New creates a sync service.
func New(repo Repository, store docstore.Store, locker lease.Locker, cfg Config, logger *zap.Logger) *Service {
	if cfg.BulkLeaseTTL <= 0 {
		cfg.BulkLeaseTTL = defaultBulkLeaseTTL
	}
	if cfg.BulkPageSize <= 0 {
		cfg.BulkPageSize = defaultBulkPageSize
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 500 {
		cfg.BatchSize = defaultBatchSize
	}

	return &Service{
		repo:   repo,
		store:  store,
		locker: locker,
		config: cfg,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Summary is the result of one diff flush.
type Summary struct {
	Processed int `json:"processed"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}

// ProgressFor maps a status to the completion percentage shown by the app.
func ProgressFor(status string) int {
	switch db.NormalizeStatus(status) {
	case db.StatusEnCours:
		return 50
	case db.StatusResolu:
		return 100
	default:
		return 0
	}
}

// MirrorDocID is the canonical mirror document of a signalement.
func MirrorDocID(signalementID int64) string {
	return fmt.Sprintf("pg_%d", signalementID)
}

// DiffDocID is the diff-log document of one history row.
func DiffDocID(signalementID, historyID int64) string {
	return fmt.Sprintf("pg_%d__h_%d", signalementID, historyID)
}

// PushOne writes the diff-log entry, the canonical mirror and, best effort, the
// app-owned documents of the signalement. The history row must carry its signalement
// and manager.
func (s *Service) PushOne(ctx context.Context, h *db.HistoryRow) error {
	if h.Signalement == nil || h.Manager == nil {
		return fmt.Errorf("history row %d: signalement and manager must be loaded", h.ID)
	}
	sid := h.Signalement.ID
	changedAt := docstore.ISOTime(h.ChangedAt)

	diff := map[string]any{
		"signalement_pg_id": sid,
		"ancien_statut":     h.PreviousStatus,
		"nouveau_statut":    h.NewStatus,
		"manager_pg_id":     h.Manager.ID,
		"date_changement":   changedAt,
		"source":            "pg",
		"version":           h.ID,
	}
	if err := s.store.SetMerge(ctx, docstore.CollectionStatusDiffs, DiffDocID(sid, h.ID), diff); err != nil {
		return fmt.Errorf("write status diff: %w", err)
	}

	mirror := map[string]any{
		"pg_id":                    sid,
		"statut":                   h.NewStatus,
		"avancement":               ProgressFor(h.NewStatus),
		"last_status_diff_version": h.ID,
		"last_status_changed_at":   changedAt,
		"updated_from":             "pg",
	}
	if err := s.store.SetMerge(ctx, docstore.CollectionSignalements, MirrorDocID(sid), mirror); err != nil {
		return fmt.Errorf("write mirror document: %w", err)
	}

	if err := s.updateAppDocuments(ctx, h.Signalement, mirror); err != nil {
		s.logger.Warn("failed to update app-owned signalement documents",
			zap.Int64("signalement_id", sid),
			zap.Int64("history_id", h.ID),
			zap.Error(err),
		)
	}
	return nil
}

// updateAppDocuments mirrors fields onto documents the mobile app created itself: the
// cross-referenced one when known, otherwise every document carrying pg_id.
func (s *Service) updateAppDocuments(ctx context.Context, sig *db.Signalement, fields map[string]any) error {
	canonical := MirrorDocID(sig.ID)

	if sig.FirebaseID != nil && *sig.FirebaseID != "" {
		if *sig.FirebaseID == canonical {
			return nil
		}
		return s.store.SetMerge(ctx, docstore.CollectionSignalements, *sig.FirebaseID, fields)
	}

	ids, err := s.store.FindIDs(ctx, docstore.CollectionSignalements, "pg_id", sig.ID)
	if err != nil {
		return err
	}

	writes := make([]docstore.Write, 0, len(ids))
	for _, id := range ids {
		if id == canonical {
			continue
		}
		writes = append(writes, docstore.Write{Collection: docstore.CollectionSignalements, ID: id, Data: fields})
	}
	for start := 0; start < len(writes); start += s.config.BatchSize {
		end := min(start+s.config.BatchSize, len(writes))
		if err := s.store.Batch(ctx, writes[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// FlushPendingStatusDiffs syncs PENDING and FAILED history rows oldest first. A failing
// row is marked FAILED and the batch moves on.
func (s *Service) FlushPendingStatusDiffs(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = DefaultFlushLimit
	}
	began := time.Now()
	defer func() { metrics.RecordFlushDuration("status_diffs", time.Since(began)) }()

	rows, err := s.repo.ListUnsyncedHistory(ctx, limit)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, h := range rows {
		if ctx.Err() != nil {
			break
		}
		sum.Processed++
		attempts := h.SyncAttempts + 1
		log := s.logger.With(zap.Int64("history_id", h.ID), zap.Int64("signalement_id", h.SignalementID))

		if pushErr := s.PushOne(ctx, h); pushErr != nil {
			sum.Failed++
			metrics.RecordStatusDiff("failed")
			log.Warn("status diff sync failed", zap.Int("attempts", attempts), zap.Error(pushErr))
			if err := s.repo.MarkHistorySyncFailed(ctx, h.ID, attempts, pushErr.Error()); err != nil {
				log.Error("failed to record status diff failure", zap.Error(err))
			}
			continue
		}

		sum.Synced++
		metrics.RecordStatusDiff("synced")
		if err := s.repo.MarkHistorySynced(ctx, h.ID, attempts, s.now()); err != nil {
			log.Error("failed to mark history row synced", zap.Error(err))
		}
	}

	if sum.Processed > 0 {
		s.logger.Info("status diffs flushed",
			zap.Int("processed", sum.Processed),
			zap.Int("synced", sum.Synced),
			zap.Int("failed", sum.Failed),
		)
	}
	return sum, ctx.Err()
}
