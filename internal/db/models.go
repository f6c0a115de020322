package db

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// OutboxRow is a pending user notification keyed by the status change that produced it.
type OutboxRow struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	Status        string         `json:"status"`
	Title         string         `json:"title"`
	Body          string         `json:"body"`
	Data          map[string]any `json:"data"`
	Attempts      int            `json:"attempts"`
	LastError     *string        `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	ExpiresAt     time.Time      `json:"expires_at"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	UserID        int64          `json:"user_id"`
	SignalementID *int64         `json:"signalement_id,omitempty"`
	HistoryID     int64          `json:"history_id"`

	// User is populated by GetOutboxRow.
	User *User `json:"-"`
}

// Outbox status constants
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
	OutboxStatusExpired = "EXPIRED"
)

// Outbox type constants
const (
	OutboxTypeStatusChanged = "STATUS_CHANGED"
)

// HistoryRow is one status transition of a signalement plus its mirror-sync bookkeeping.
type HistoryRow struct {
	ID             int64      `json:"id"`
	SignalementID  int64      `json:"signalement_id"`
	ManagerID      int64      `json:"manager_id"`
	PreviousStatus string     `json:"ancien_statut"`
	NewStatus      string     `json:"nouveau_statut"`
	ChangedAt      time.Time  `json:"date_changement"`
	SyncStatus     string     `json:"sync_status"`
	SyncedAt       *time.Time `json:"synced_at,omitempty"`
	SyncError      *string    `json:"sync_error,omitempty"`
	SyncAttempts   int        `json:"sync_attempts"`

	Signalement *Signalement `json:"-"`
	Manager     *User        `json:"-"`
}

// Sync status constants
const (
	SyncStatusPending = "PENDING"
	SyncStatusSynced  = "SYNCED"
	SyncStatusFailed  = "FAILED"
)

// Signalement statuses. Stored values may be lower case (mobile client writes).
const (
	StatusActif   = "ACTIF"
	StatusEnCours = "EN_COURS"
	StatusResolu  = "RESOLU"
	StatusRejete  = "REJETE"
)

// NormalizeStatus upper-cases and trims a stored status for comparison.
func NormalizeStatus(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

// Signalement is a reported road problem.
type Signalement struct {
	ID              int64     `json:"id"`
	UserID          *int64    `json:"user_id,omitempty"`
	Status          string    `json:"statut"`
	Description     string    `json:"description"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	SurfaceM2       *float64  `json:"surface_m2,omitempty"`
	Budget          *float64  `json:"budget,omitempty"`
	DateSignalement time.Time `json:"date_signalement"`
	FirebaseID      *string   `json:"firebase_id,omitempty"`
}

// User is a citizen or manager account.
type User struct {
	ID          int64   `json:"id"`
	Email       string  `json:"email"`
	Nom         string  `json:"nom"`
	Prenom      string  `json:"prenom"`
	FirebaseUID *string `json:"firebase_uid,omitempty"`
	FCMToken    *string `json:"-"`
}
