package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/roadsync/internal/metrics"
)

// releaseScript deletes the key only if this holder still owns it, so a lease that
// expired and was taken by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a lease lock on SET NX PX.
type Lease struct {
	client *Client
	holder string
	logger *zap.Logger
}

// NewLease creates a lease backend. holder must be unique per process.
func NewLease(client *Client, holder string, logger *zap.Logger) *Lease {
	return &Lease{client: client, holder: holder, logger: logger}
}

func (l *Lease) buildKey(lockID string) string {
	return fmt.Sprintf("roadsync:lock:%s", lockID)
}

// TryAcquire sets the key if absent with a ttl expiry.
func (l *Lease) TryAcquire(ctx context.Context, lockID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, l.buildKey(lockID), l.holder, ttl).Result()
	if err != nil {
		metrics.RecordLeaseAcquisition(lockID, "error")
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	if ok {
		metrics.RecordLeaseAcquisition(lockID, "acquired")
		l.logger.Info("lease acquired",
			zap.String("lock_id", lockID),
			zap.String("backend", "redis"),
			zap.Duration("ttl", ttl),
		)
	} else {
		metrics.RecordLeaseAcquisition(lockID, "held")
	}
	return ok, nil
}

// Release drops the key if still owned. Errors are logged; the key expires anyway.
func (l *Lease) Release(ctx context.Context, lockID, reason string) {
	n, err := releaseScript.Run(ctx, l.client.rdb, []string{l.buildKey(lockID)}, l.holder).Int()
	if err != nil {
		l.logger.Warn("lease release failed, it will expire on its own",
			zap.String("lock_id", lockID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}

	l.logger.Info("lease released",
		zap.String("lock_id", lockID),
		zap.String("reason", reason),
		zap.Bool("owned", n == 1),
	)
}
