// Package outbox drains the notification outbox: every status change gets one in-app
// notification document, plus best-effort device pushes.
//
// Only the document write gates success. Once the in-app inbox has the notification the
// row is done, whatever the push gateway says.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/roadsync/internal/db"
	"github.com/lalithlochan/roadsync/internal/docstore"
	"github.com/lalithlochan/roadsync/internal/metrics"
	"github.com/lalithlochan/roadsync/internal/push"
)

const (
	// DefaultExpiryHorizon bounds how long a notification keeps being retried.
	DefaultExpiryHorizon = 30 * 24 * time.Hour

	// DefaultFlushLimit is the batch size of a flush when the caller gives none.
	DefaultFlushLimit = 50

	baseBackoff = 5 * time.Second
	maxBackoff  = time.Hour
)

// Repository is the relational side of the outbox.
type Repository interface {
	CreateOutboxRow(ctx context.Context, row *db.OutboxRow) (bool, error)
	GetOutboxRowByHistory(ctx context.Context, historyID int64) (*db.OutboxRow, error)
	GetOutboxRow(ctx context.Context, id int64) (*db.OutboxRow, error)
	OutboxRowExists(ctx context.Context, id int64) (bool, error)
	ListDueOutboxRows(ctx context.Context, now time.Time, limit int) ([]*db.OutboxRow, error)
	MarkOutboxFailed(ctx context.Context, id int64, attempts int, errorMsg string, nextAttemptAt time.Time) error
	CompleteOutboxRow(ctx context.Context, id int64, status string) error
	DeleteExpiredOutboxRows(ctx context.Context, now time.Time) (int64, error)

	GetHistoryRow(ctx context.Context, id int64) (*db.HistoryRow, error)
	GetUser(ctx context.Context, id int64) (*db.User, error)
	ClearUserPushToken(ctx context.Context, userID int64, token string) (bool, error)
}

type Config struct {
	ExpiryHorizon time.Duration
}

// Service owns enqueue and delivery of outbox rows.
type Service struct {
	repo    Repository
	store   docstore.Store
	gateway push.Gateway
	config  Config
	now     func() time.Time
	logger  *zap.Logger
}

// New creates an outbox service.
func New(repo Repository, store docstore.Store, gateway push.Gateway, cfg Config, logger *zap.Logger) *Service {
	if cfg.ExpiryHorizon <= 0 {
		cfg.ExpiryHorizon = DefaultExpiryHorizon
	}

	return &Service{
		repo:    repo,
		store:   store,
		gateway: gateway,
		config:  cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// StatusChangeEvent names the history row a notification is produced for.
type StatusChangeEvent struct {
	HistoryID int64 `json:"history_id"`
}

// Summary is the result of one flush.
type Summary struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// Backoff returns the wait before the next delivery attempt: 5s doubled per attempt,
// capped at one hour.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 5s * 2^10 is already past the cap
	if attempts >= 10 {
		return maxBackoff
	}
	d := baseBackoff << uint(attempts)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Enqueue records the notification for a status change. Enqueuing the same history row
// twice returns the row created the first time.
func (s *Service) Enqueue(ctx context.Context, history *db.HistoryRow, signalement *db.Signalement, user *db.User) (*db.OutboxRow, error) {
	title, body := composeMessage(signalement, history)
	sid := signalement.ID

	row := &db.OutboxRow{
		Type:          db.OutboxTypeStatusChanged,
		Status:        db.OutboxStatusPending,
		Title:         title,
		Body:          body,
		Data:          notificationData(history),
		ExpiresAt:     s.now().Add(s.config.ExpiryHorizon),
		UserID:        user.ID,
		SignalementID: &sid,
		HistoryID:     history.ID,
	}

	created, err := s.repo.CreateOutboxRow(ctx, row)
	if err != nil {
		return nil, err
	}
	metrics.RecordOutboxEnqueued(created)

	if !created {
		s.logger.Debug("outbox row already exists for history row",
			zap.Int64("history_id", history.ID),
		)
		return s.repo.GetOutboxRowByHistory(ctx, history.ID)
	}

	s.logger.Info("notification enqueued",
		zap.Int64("outbox_id", row.ID),
		zap.Int64("history_id", history.ID),
		zap.Int64("signalement_id", sid),
		zap.Int64("user_id", user.ID),
	)
	return row, nil
}

// EnqueueSignalementStatusChange loads the status change, enqueues its notification and
// tries to deliver it straight away. A failed immediate delivery is left to the next flush.
func (s *Service) EnqueueSignalementStatusChange(ctx context.Context, ev StatusChangeEvent) (*db.OutboxRow, error) {
	history, err := s.repo.GetHistoryRow(ctx, ev.HistoryID)
	if err != nil {
		return nil, err
	}
	if history.Signalement == nil {
		return nil, fmt.Errorf("signalement %d of history row %d: %w", history.SignalementID, history.ID, db.ErrNotFound)
	}
	if history.Signalement.UserID == nil {
		return nil, fmt.Errorf("reporting user of signalement %d: %w", history.SignalementID, db.ErrNotFound)
	}

	user, err := s.repo.GetUser(ctx, *history.Signalement.UserID)
	if err != nil {
		return nil, err
	}

	row, err := s.Enqueue(ctx, history, history.Signalement, user)
	if err != nil {
		return nil, err
	}

	if err := s.TryDeliverNow(ctx, row.ID); err != nil {
		s.logger.Warn("immediate delivery failed, left for the next flush",
			zap.Int64("outbox_id", row.ID),
			zap.Error(err),
		)
	}
	return row, nil
}

// TryDeliverNow makes one delivery attempt for a row. It returns db.ErrNotFound for an
// unknown row and the document-store error when the in-app write failed.
func (s *Service) TryDeliverNow(ctx context.Context, id int64) error {
	row, err := s.repo.GetOutboxRow(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	log := s.logger.With(zap.Int64("outbox_id", row.ID), zap.Int64("history_id", row.HistoryID))

	if !row.ExpiresAt.After(now) {
		if err := s.repo.CompleteOutboxRow(ctx, row.ID, db.OutboxStatusExpired); err != nil {
			return err
		}
		metrics.RecordOutboxDelivery("expired")
		log.Info("outbox row expired before delivery")
		return nil
	}

	user := row.User
	if user == nil {
		if user, err = s.repo.GetUser(ctx, row.UserID); err != nil {
			return s.recordFailure(ctx, row, now, "resolve user", err)
		}
	}
	profileID := profileIDFor(user)

	if err := s.store.SetMerge(ctx, docstore.UserNotificationsCollection(profileID), notificationDocID(row.ID), notificationDoc(row)); err != nil {
		return s.recordFailure(ctx, row, now, "write notification document", err)
	}

	s.pushToDevices(ctx, row, user, profileID)

	if err := s.repo.CompleteOutboxRow(ctx, row.ID, db.OutboxStatusSent); err != nil {
		return err
	}
	metrics.RecordOutboxDelivery("sent")
	log.Info("notification delivered", zap.String("profile_id", profileID))
	return nil
}

func (s *Service) recordFailure(ctx context.Context, row *db.OutboxRow, now time.Time, step string, cause error) error {
	attempts := row.Attempts + 1
	next := now.Add(Backoff(attempts))
	metrics.RecordOutboxDelivery("failed")

	s.logger.Warn("notification delivery failed",
		zap.Int64("outbox_id", row.ID),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(cause),
	)

	deliveryErr := fmt.Errorf("%s: %w", step, cause)
	if err := s.repo.MarkOutboxFailed(ctx, row.ID, attempts, cause.Error(), next); err != nil {
		return errors.Join(deliveryErr, err)
	}
	return deliveryErr
}

// FlushPending delivers due rows oldest first, one at a time.
func (s *Service) FlushPending(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = DefaultFlushLimit
	}
	began := time.Now()
	defer func() { metrics.RecordFlushDuration("outbox", time.Since(began)) }()

	start := s.now()

	rows, err := s.repo.ListDueOutboxRows(ctx, start, limit)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		sum.Processed++

		if err := s.TryDeliverNow(ctx, row.ID); err != nil {
			s.logger.Debug("outbox row not delivered", zap.Int64("outbox_id", row.ID), zap.Error(err))
		}

		exists, err := s.repo.OutboxRowExists(ctx, row.ID)
		if err != nil {
			s.logger.Error("failed to check outbox row", zap.Int64("outbox_id", row.ID), zap.Error(err))
			sum.Failed++
			continue
		}
		if exists {
			sum.Failed++
		} else {
			sum.Sent++
		}
	}

	if sum.Processed > 0 {
		s.logger.Info("outbox flushed",
			zap.Int("processed", sum.Processed),
			zap.Int("sent", sum.Sent),
			zap.Int("failed", sum.Failed),
		)
	}
	return sum, ctx.Err()
}

// CleanupExpired deletes every row past its expiry, whatever its status.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpiredOutboxRows(ctx, s.now())
	if err != nil {
		return 0, err
	}
	metrics.RecordOutboxExpiredRemoved(n)
	return n, nil
}
