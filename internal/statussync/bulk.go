package statussync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/roadsync/internal/db"
	"github.com/lalithlochan/roadsync/internal/docstore"
	"github.com/lalithlochan/roadsync/internal/lease"
	"github.com/lalithlochan/roadsync/internal/metrics"
)

// BulkResult reports a bulk mirror sync. Skipped counts signalements whose batch failed
// to commit; a re-run picks them up.
type BulkResult struct {
	Signalements int `json:"signalements"`
	Written      int `json:"written"`
	Skipped      int `json:"skipped"`
}

// BulkSync rewrites the mirror document of every signalement. Concurrent calls in this
// process share one run; another process holding the lease gets lease.ErrLockHeld.
// The run is detached from the caller that started it and bounded by the lease TTL, so a
// caller that stops waiting does not cut the run short for the others.
func (s *Service) BulkSync(ctx context.Context, reason string) (BulkResult, error) {
	ch := s.bulk.DoChan(BulkLockID, func() (v any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("bulk sync panicked", zap.Any("panic", rec), zap.Stack("stack"))
				err = fmt.Errorf("bulk sync panicked: %v", rec)
			}
		}()

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.BulkLeaseTTL)
		defer cancel()
		return s.bulkSync(runCtx, reason)
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("joined in-flight bulk sync")
		}
		out, _ := res.Val.(BulkResult)
		return out, res.Err
	case <-ctx.Done():
		return BulkResult{}, ctx.Err()
	}
}

func (s *Service) bulkSync(ctx context.Context, reason string) (BulkResult, error) {
	ok, err := s.locker.TryAcquire(ctx, BulkLockID, s.config.BulkLeaseTTL)
	if err != nil {
		return BulkResult{}, err
	}
	if !ok {
		return BulkResult{}, lease.ErrLockHeld
	}

	log := s.logger.With(zap.String("reason", reason))
	log.Info("bulk mirror sync started")

	res, err := s.syncAllSignalements(ctx)

	final := reason + ": completed"
	if err != nil {
		final = fmt.Sprintf("%s: failed: %v", reason, err)
	}
	// ctx may already be past its deadline; release must still go out
	s.locker.Release(context.WithoutCancel(ctx), BulkLockID, final)

	log.Info("bulk mirror sync finished",
		zap.Int("signalements", res.Signalements),
		zap.Int("written", res.Written),
		zap.Int("skipped", res.Skipped),
		zap.Error(err),
	)
	return res, err
}

func (s *Service) syncAllSignalements(ctx context.Context) (BulkResult, error) {
	var res BulkResult
	batch := make([]docstore.Write, 0, s.config.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.store.Batch(ctx, batch); err != nil {
			res.Skipped += len(batch)
			s.logger.Warn("mirror batch failed",
				zap.Int("writes", len(batch)),
				zap.String("first_doc", batch[0].ID),
				zap.Error(err),
			)
		} else {
			res.Written += len(batch)
			metrics.RecordMirrorDocsWritten(len(batch))
		}
		batch = batch[:0]
	}

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			flush()
			return res, err
		}

		page, err := s.repo.ListSignalementsAfter(ctx, afterID, s.config.BulkPageSize)
		if err != nil {
			flush()
			return res, err
		}
		if len(page) == 0 {
			break
		}

		for _, sig := range page {
			res.Signalements++
			batch = append(batch, docstore.Write{
				Collection: docstore.CollectionSignalements,
				ID:         MirrorDocID(sig.ID),
				Data:       mirrorFields(sig),
			})
			if len(batch) >= s.config.BatchSize {
				flush()
			}
		}
		afterID = page[len(page)-1].ID

		if len(page) < s.config.BulkPageSize {
			break
		}
	}

	flush()
	return res, nil
}

func mirrorFields(sig *db.Signalement) map[string]any {
	return map[string]any{
		"pg_id":            sig.ID,
		"statut":           sig.Status,
		"avancement":       ProgressFor(sig.Status),
		"description":      sig.Description,
		"latitude":         sig.Latitude,
		"longitude":        sig.Longitude,
		"surface_m2":       optional(sig.SurfaceM2),
		"budget":           optional(sig.Budget),
		"date_signalement": docstore.ISOTime(sig.DateSignalement),
		"user_pg_id":       optional(sig.UserID),
		"updated_from":     "pg",
	}
}

// optional turns a nil pointer into an untyped nil so the store writes null.
func optional[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
