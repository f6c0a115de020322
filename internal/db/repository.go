package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for the notification outbox
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new outbox repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const outboxColumns = `
	o.id, o.type, o.status, o.title, o.body, o.data,
	o.attempts, o.last_error, o.created_at, o.sent_at, o.expires_at, o.next_attempt_at,
	o.user_id, o.signalement_id, o.history_id
`

func scanOutbox(row pgx.Row, extra ...any) (*OutboxRow, error) {
	var o OutboxRow
	dest := []any{
		&o.ID,
		&o.Type,
		&o.Status,
		&o.Title,
		&o.Body,
		&o.Data,
		&o.Attempts,
		&o.LastError,
		&o.CreatedAt,
		&o.SentAt,
		&o.ExpiresAt,
		&o.NextAttemptAt,
		&o.UserID,
		&o.SignalementID,
		&o.HistoryID,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOutboxRow inserts a row unless one already exists for the same history row.
// It reports whether a new row was written; on conflict row is left untouched.
func (r *Repository) CreateOutboxRow(ctx context.Context, row *OutboxRow) (bool, error) {
	query := `
		INSERT INTO notification_outbox (
			type, status, title, body, data, attempts,
			expires_at, next_attempt_at, user_id, signalement_id, history_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (history_id) DO NOTHING
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		row.Type,
		row.Status,
		row.Title,
		row.Body,
		row.Data,
		row.Attempts,
		row.ExpiresAt,
		row.NextAttemptAt,
		row.UserID,
		row.SignalementID,
		row.HistoryID,
	).Scan(&row.ID, &row.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		r.logger.Error("failed to create outbox row",
			zap.Error(err),
			zap.Int64("history_id", row.HistoryID),
		)
		return false, fmt.Errorf("insert outbox row: %w", err)
	}

	r.logger.Debug("outbox row created",
		zap.Int64("outbox_id", row.ID),
		zap.Int64("history_id", row.HistoryID),
		zap.Int64("user_id", row.UserID),
	)

	return true, nil
}

// GetOutboxRowByHistory returns the row created for a status-history row.
func (r *Repository) GetOutboxRowByHistory(ctx context.Context, historyID int64) (*OutboxRow, error) {
	query := `SELECT ` + outboxColumns + ` FROM notification_outbox o WHERE o.history_id = $1`

	row, err := scanOutbox(r.db.Pool().QueryRow(ctx, query, historyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("outbox row for history %d: %w", historyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query outbox row by history: %w", err)
	}

	return row, nil
}

// GetOutboxRow retrieves a row by ID together with its target user
func (r *Repository) GetOutboxRow(ctx context.Context, id int64) (*OutboxRow, error) {
	query := `
		SELECT ` + outboxColumns + `,
			u.id, u.email, u.nom, u.prenom, u.firebase_uid, u.fcm_token
		FROM notification_outbox o
		LEFT JOIN users u ON u.id = o.user_id
		WHERE o.id = $1
	`

	// user columns are NULL when the account is gone
	var (
		userID             *int64
		email, nom, prenom *string
		firebaseUID, token *string
	)
	row, err := scanOutbox(r.db.Pool().QueryRow(ctx, query, id),
		&userID,
		&email,
		&nom,
		&prenom,
		&firebaseUID,
		&token,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("outbox row %d: %w", id, ErrNotFound)
	}

	if err != nil {
		r.logger.Error("failed to get outbox row",
			zap.Error(err),
			zap.Int64("outbox_id", id),
		)
		return nil, fmt.Errorf("query outbox row: %w", err)
	}

	if userID != nil {
		row.User = &User{
			ID:          *userID,
			Email:       deref(email),
			Nom:         deref(nom),
			Prenom:      deref(prenom),
			FirebaseUID: firebaseUID,
			FCMToken:    token,
		}
	}
	return row, nil
}

// OutboxRowExists reports whether the row is still queued.
func (r *Repository) OutboxRowExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notification_outbox WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check outbox row: %w", err)
	}
	return exists, nil
}

// ListDueOutboxRows returns PENDING or FAILED rows whose next attempt is due, oldest id first.
func (r *Repository) ListDueOutboxRows(ctx context.Context, now time.Time, limit int) ([]*OutboxRow, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM notification_outbox o
		WHERE o.status IN ('PENDING', 'FAILED')
			AND (o.next_attempt_at IS NULL OR o.next_attempt_at <= $1)
		ORDER BY o.id ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due outbox rows: %w", err)
	}
	defer rows.Close()

	var due []*OutboxRow
	for rows.Next() {
		row, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		due = append(due, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return due, nil
}

// MarkOutboxFailed records a failed delivery attempt and schedules the next one.
func (r *Repository) MarkOutboxFailed(
	ctx context.Context,
	id int64,
	attempts int,
	errorMsg string,
	nextAttemptAt time.Time,
) error {
	query := `
		UPDATE notification_outbox
		SET status = $1, attempts = $2, last_error = $3, next_attempt_at = $4
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, OutboxStatusFailed, attempts, errorMsg, nextAttemptAt, id)
	if err != nil {
		r.logger.Error("failed to mark outbox row failed",
			zap.Error(err),
			zap.Int64("outbox_id", id),
		)
		return fmt.Errorf("update outbox row: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("outbox row %d: %w", id, ErrNotFound)
	}

	return nil
}

// CompleteOutboxRow removes a row that reached a terminal status (SENT or EXPIRED).
// The outbox is a queue, terminal rows are not kept.
func (r *Repository) CompleteOutboxRow(ctx context.Context, id int64, status string) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notification_outbox WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete outbox row: %w", err)
	}

	r.logger.Debug("outbox row completed",
		zap.Int64("outbox_id", id),
		zap.String("status", status),
		zap.Int64("deleted", result.RowsAffected()),
	)

	return nil
}

// DeleteExpiredOutboxRows deletes every row whose expiry has passed, whatever its status.
func (r *Repository) DeleteExpiredOutboxRows(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notification_outbox WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired outbox rows: %w", err)
	}

	if n := result.RowsAffected(); n > 0 {
		r.logger.Info("expired outbox rows removed", zap.Int64("count", n))
	}

	return result.RowsAffected(), nil
}
