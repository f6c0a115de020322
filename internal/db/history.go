package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// History and signalement relations are LEFT JOINed so a missing relation surfaces as a nil
// pointer on the row instead of silently dropping it from the batch.
const historyQuery = `
	SELECT
		h.id, h.signalement_id, h.manager_id, h.ancien_statut, h.nouveau_statut,
		h.date_changement, h.sync_status, h.synced_at, h.sync_error, h.sync_attempts,
		s.id, s.user_id, s.statut, s.description, s.latitude, s.longitude,
		s.surface_m2, s.budget, s.date_signalement, s.firebase_id,
		m.id, m.email, m.nom, m.prenom, m.firebase_uid
	FROM signalement_status_history h
	LEFT JOIN signalements s ON s.id = h.signalement_id
	LEFT JOIN users m ON m.id = h.manager_id
`

// nullable mirrors of the joined columns
type joinedSignalement struct {
	ID              *int64
	UserID          *int64
	Status          *string
	Description     *string
	Latitude        *float64
	Longitude       *float64
	SurfaceM2       *float64
	Budget          *float64
	DateSignalement *time.Time
	FirebaseID      *string
}

type joinedUser struct {
	ID          *int64
	Email       *string
	Nom         *string
	Prenom      *string
	FirebaseUID *string
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func scanHistory(row pgx.Row) (*HistoryRow, error) {
	var (
		h HistoryRow
		s joinedSignalement
		m joinedUser
	)

	err := row.Scan(
		&h.ID,
		&h.SignalementID,
		&h.ManagerID,
		&h.PreviousStatus,
		&h.NewStatus,
		&h.ChangedAt,
		&h.SyncStatus,
		&h.SyncedAt,
		&h.SyncError,
		&h.SyncAttempts,
		&s.ID,
		&s.UserID,
		&s.Status,
		&s.Description,
		&s.Latitude,
		&s.Longitude,
		&s.SurfaceM2,
		&s.Budget,
		&s.DateSignalement,
		&s.FirebaseID,
		&m.ID,
		&m.Email,
		&m.Nom,
		&m.Prenom,
		&m.FirebaseUID,
	)
	if err != nil {
		return nil, err
	}

	if s.ID != nil {
		h.Signalement = &Signalement{
			ID:              *s.ID,
			UserID:          s.UserID,
			Status:          deref(s.Status),
			Description:     deref(s.Description),
			Latitude:        deref(s.Latitude),
			Longitude:       deref(s.Longitude),
			SurfaceM2:       s.SurfaceM2,
			Budget:          s.Budget,
			DateSignalement: deref(s.DateSignalement),
			FirebaseID:      s.FirebaseID,
		}
	}

	if m.ID != nil {
		h.Manager = &User{
			ID:          *m.ID,
			Email:       deref(m.Email),
			Nom:         deref(m.Nom),
			Prenom:      deref(m.Prenom),
			FirebaseUID: m.FirebaseUID,
		}
	}

	return &h, nil
}

// GetHistoryRow retrieves a status-history row with its signalement and manager
func (r *Repository) GetHistoryRow(ctx context.Context, id int64) (*HistoryRow, error) {
	h, err := scanHistory(r.db.Pool().QueryRow(ctx, historyQuery+` WHERE h.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("history row %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query history row: %w", err)
	}
	return h, nil
}

// ListUnsyncedHistory returns PENDING or FAILED history rows, oldest first.
func (r *Repository) ListUnsyncedHistory(ctx context.Context, limit int) ([]*HistoryRow, error) {
	query := historyQuery + `
		WHERE h.sync_status IN ('PENDING', 'FAILED')
		ORDER BY h.id ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced history: %w", err)
	}
	defer rows.Close()

	var history []*HistoryRow
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		history = append(history, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return history, nil
}

// MarkHistorySynced sets a history row SYNCED and clears its last error.
func (r *Repository) MarkHistorySynced(ctx context.Context, id int64, attempts int, syncedAt time.Time) error {
	query := `
		UPDATE signalement_status_history
		SET sync_status = $1, synced_at = $2, sync_error = NULL, sync_attempts = $3
		WHERE id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, SyncStatusSynced, syncedAt, attempts, id)
	if err != nil {
		return fmt.Errorf("mark history synced: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("history row %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkHistorySyncFailed sets a history row FAILED so the next sweep retries it.
func (r *Repository) MarkHistorySyncFailed(ctx context.Context, id int64, attempts int, errorMsg string) error {
	query := `
		UPDATE signalement_status_history
		SET sync_status = $1, sync_error = $2, sync_attempts = $3
		WHERE id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, SyncStatusFailed, errorMsg, attempts, id)
	if err != nil {
		r.logger.Error("failed to mark history sync failure",
			zap.Error(err),
			zap.Int64("history_id", id),
		)
		return fmt.Errorf("mark history failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("history row %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetUser retrieves a user by ID
func (r *Repository) GetUser(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, email, nom, prenom, firebase_uid, fcm_token
		FROM users
		WHERE id = $1
	`

	var u User
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&u.ID,
		&u.Email,
		&u.Nom,
		&u.Prenom,
		&u.FirebaseUID,
		&u.FCMToken,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// ClearUserPushToken forgets the cached push token, only if it is still the given one.
func (r *Repository) ClearUserPushToken(ctx context.Context, userID int64, token string) (bool, error) {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE users SET fcm_token = NULL WHERE id = $1 AND fcm_token = $2`,
		userID, token,
	)
	if err != nil {
		return false, fmt.Errorf("clear push token: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListSignalementsAfter pages through signalements by id (keyset pagination).
func (r *Repository) ListSignalementsAfter(ctx context.Context, afterID int64, limit int) ([]*Signalement, error) {
	query := `
		SELECT
			id, user_id, statut, description, latitude, longitude,
			surface_m2, budget, date_signalement, firebase_id
		FROM signalements
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query signalements: %w", err)
	}
	defer rows.Close()

	var page []*Signalement
	for rows.Next() {
		var s Signalement
		var description *string
		err := rows.Scan(
			&s.ID,
			&s.UserID,
			&s.Status,
			&description,
			&s.Latitude,
			&s.Longitude,
			&s.SurfaceM2,
			&s.Budget,
			&s.DateSignalement,
			&s.FirebaseID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan signalement: %w", err)
		}
		s.Description = deref(description)
		page = append(page, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return page, nil
}
