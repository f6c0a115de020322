// Package docstore is the document-store side of the mirror: Firestore in production and an
// in-process store for tests and local runs.
package docstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the document does not exist.
var ErrNotFound = errors.New("document not found")

// Collections written by roadsync.
const (
	CollectionSignalements = "signalements"
	CollectionStatusDiffs  = "signalement_status_diffs"
	CollectionUsers        = "users"
	CollectionLocks        = "sync_locks"
)

// Write is one merge-set inside an atomic batch.
type Write struct {
	Collection string
	ID         string
	Data       map[string]any
}

// Tx is the read-then-write view available inside RunTransaction.
// All reads must happen before the first Set.
type Tx interface {
	Get(collection, id string) (map[string]any, error)
	Set(collection, id string, data map[string]any) error
}

// Store is the subset of document-store operations the sync pipeline relies on.
// Every write has merge semantics: fields not present in data are left alone.
type Store interface {
	SetMerge(ctx context.Context, collection, id string, data map[string]any) error
	Get(ctx context.Context, collection, id string) (map[string]any, error)
	FindIDs(ctx context.Context, collection, field string, value any) ([]string, error)
	Batch(ctx context.Context, writes []Write) error
	RemoveFromArray(ctx context.Context, collection, id, field string, value any) error
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// ISOTime renders t the way the mobile client parses timestamps (UTC, millisecond precision).
func ISOTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// UserNotificationsCollection is the in-app inbox of one user profile document.
func UserNotificationsCollection(profileID string) string {
	return CollectionUsers + "/" + profileID + "/notifications"
}
