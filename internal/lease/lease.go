// Package lease provides the cross-process lock that guards one-off jobs such as the bulk
// mirror sync. A lock is either UNLOCKED (lease in the past) or LOCKED (lease in the
// future); a holder that dies simply lets the lease run out.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/roadsync/internal/docstore"
	"github.com/lalithlochan/roadsync/internal/metrics"
)

// ErrLockHeld is returned by callers that need a lock another process holds.
var ErrLockHeld = errors.New("lease lock is held by another process")

// Locker acquires and releases named leases.
type Locker interface {
	// TryAcquire returns false, without writing, while an unexpired lease exists.
	TryAcquire(ctx context.Context, lockID string, ttl time.Duration) (bool, error)
	// Release is best effort; failures are logged.
	Release(ctx context.Context, lockID, reason string)
}

// DocLocker keeps leases in the document store under sync_locks/{lockID}.
type DocLocker struct {
	store  docstore.Store
	holder string
	now    func() time.Time
	logger *zap.Logger
}

// NewDocLocker creates a locker. holder identifies this process in the lock document.
func NewDocLocker(store docstore.Store, holder string, logger *zap.Logger) *DocLocker {
	return &DocLocker{store: store, holder: holder, now: time.Now, logger: logger}
}

// WithClock replaces the time source.
func (l *DocLocker) WithClock(now func() time.Time) *DocLocker {
	l.now = now
	return l
}

// TryAcquire reads and writes the lock document in one transaction.
func (l *DocLocker) TryAcquire(ctx context.Context, lockID string, ttl time.Duration) (bool, error) {
	var acquired bool

	err := l.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		acquired = false
		now := l.now()

		doc, err := tx.Get(docstore.CollectionLocks, lockID)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		if err == nil && leaseUntil(doc) > now.UnixMilli() {
			return nil
		}

		acquired = true
		return tx.Set(docstore.CollectionLocks, lockID, map[string]any{
			"leaseUntil": now.Add(ttl).UnixMilli(),
			"updatedAt":  docstore.ISOTime(now),
			"reason":     "acquired",
			"holder":     l.holder,
		})
	})
	if err != nil {
		metrics.RecordLeaseAcquisition(lockID, "error")
		return false, fmt.Errorf("acquire lease %s: %w", lockID, err)
	}

	if acquired {
		metrics.RecordLeaseAcquisition(lockID, "acquired")
		l.logger.Info("lease acquired", zap.String("lock_id", lockID), zap.Duration("ttl", ttl))
	} else {
		metrics.RecordLeaseAcquisition(lockID, "held")
	}
	return acquired, nil
}

// Release sets leaseUntil to 0.
func (l *DocLocker) Release(ctx context.Context, lockID, reason string) {
	err := l.store.SetMerge(ctx, docstore.CollectionLocks, lockID, map[string]any{
		"leaseUntil": int64(0),
		"updatedAt":  docstore.ISOTime(l.now()),
		"reason":     reason,
		"holder":     l.holder,
	})
	if err != nil {
		l.logger.Warn("lease release failed, it will expire on its own",
			zap.String("lock_id", lockID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	l.logger.Info("lease released", zap.String("lock_id", lockID), zap.String("reason", reason))
}

// leaseUntil reads the millisecond timestamp whatever numeric type the store decoded.
func leaseUntil(doc map[string]any) int64 {
	switch v := doc["leaseUntil"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
