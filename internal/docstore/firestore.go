package docstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore caps a batched write at 500 operations.
const maxBatchWrites = 500

// FirestoreStore implements Store on a Firestore client.
type FirestoreStore struct {
	client *firestore.Client
	logger *zap.Logger
}

// NewFirestoreStore wraps a client obtained from the process-wide Firebase app.
func NewFirestoreStore(client *firestore.Client, logger *zap.Logger) *FirestoreStore {
	return &FirestoreStore{client: client, logger: logger}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// SetMerge writes data into the document, creating it if needed.
func (s *FirestoreStore) SetMerge(ctx context.Context, collection, id string, data map[string]any) error {
	if _, err := s.client.Collection(collection).Doc(id).Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("firestore set %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get reads one document.
func (s *FirestoreStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if isNotFound(err) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("firestore get %s/%s: %w", collection, id, err)
	}
	return snap.Data(), nil
}

// FindIDs returns the ids of documents where field == value.
func (s *FirestoreStore) FindIDs(ctx context.Context, collection, field string, value any) ([]string, error) {
	snaps, err := s.client.Collection(collection).Where(field, "==", value).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore query %s where %s: %w", collection, field, err)
	}

	ids := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		ids = append(ids, snap.Ref.ID)
	}
	return ids, nil
}

// Batch commits the writes atomically.
func (s *FirestoreStore) Batch(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	if len(writes) > maxBatchWrites {
		return fmt.Errorf("batch of %d writes exceeds firestore limit of %d", len(writes), maxBatchWrites)
	}

	batch := s.client.Batch()
	for _, w := range writes {
		batch.Set(s.client.Collection(w.Collection).Doc(w.ID), w.Data, firestore.MergeAll)
	}

	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("firestore batch commit (%d writes): %w", len(writes), err)
	}
	return nil
}

// RemoveFromArray drops value from an array field; a missing document is not an error.
func (s *FirestoreStore) RemoveFromArray(ctx context.Context, collection, id, field string, value any) error {
	_, err := s.client.Collection(collection).Doc(id).Update(ctx, []firestore.Update{
		{Path: field, Value: firestore.ArrayRemove(value)},
	})
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("firestore array remove %s/%s.%s: %w", collection, id, field, err)
	}
	return nil
}

// RunTransaction runs fn in a Firestore read-write transaction. Firestore retries fn on
// contention, so fn must not have side effects outside tx.
func (s *FirestoreStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, ftx *firestore.Transaction) error {
		return fn(ctx, &firestoreTx{client: s.client, tx: ftx})
	})
}

type firestoreTx struct {
	client *firestore.Client
	tx     *firestore.Transaction
}

func (t *firestoreTx) Get(collection, id string) (map[string]any, error) {
	snap, err := t.tx.Get(t.client.Collection(collection).Doc(id))
	if isNotFound(err) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snap.Data(), nil
}

func (t *firestoreTx) Set(collection, id string, data map[string]any) error {
	return t.tx.Set(t.client.Collection(collection).Doc(id), data, firestore.MergeAll)
}

// Close releases the underlying client.
func (s *FirestoreStore) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
