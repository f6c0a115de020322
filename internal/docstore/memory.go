package docstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store. Transactions are serialised against each other;
// plain writes are not blocked by a running transaction.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	docs map[string]map[string]any

	writes int

	// FailWith, when set, is consulted before every write. A non-nil error aborts the write.
	FailWith func(collection, id string) error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]any)}
}

func key(collection, id string) string {
	return collection + "/" + id
}

func (m *MemoryStore) checkFail(collection, id string) error {
	if m.FailWith == nil {
		return nil
	}
	return m.FailWith(collection, id)
}

// mergeInto applies Firestore MergeAll semantics: nested maps merge, everything else replaces.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			existing, ok := dst[k].(map[string]any)
			if !ok {
				existing = make(map[string]any, len(sub))
			}
			mergeInto(existing, sub)
			dst[k] = existing
			continue
		}
		dst[k] = v
	}
}

// sameValue compares like Firestore equality filters do for scalars; maps and slices never match.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}

func cloneDoc(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			out[k] = cloneDoc(sub)
			continue
		}
		if arr, ok := v.([]any); ok {
			out[k] = append([]any(nil), arr...)
			continue
		}
		out[k] = v
	}
	return out
}

func (m *MemoryStore) setLocked(collection, id string, data map[string]any) {
	k := key(collection, id)
	doc, ok := m.docs[k]
	if !ok {
		doc = make(map[string]any, len(data))
	}
	mergeInto(doc, cloneDoc(data))
	m.docs[k] = doc
	m.writes++
}

// SetMerge writes data into the document, creating it if needed.
func (m *MemoryStore) SetMerge(ctx context.Context, collection, id string, data map[string]any) error {
	if err := m.checkFail(collection, id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(collection, id, data)
	return nil
}

// Get returns a copy of the document.
func (m *MemoryStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[key(collection, id)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return cloneDoc(doc), nil
}

// FindIDs returns the ids of documents directly in collection where field == value, sorted.
func (m *MemoryStore) FindIDs(ctx context.Context, collection, field string, value any) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := collection + "/"
	var ids []string
	for k, doc := range m.docs {
		id, ok := strings.CutPrefix(k, prefix)
		if !ok || strings.Contains(id, "/") {
			continue
		}
		if sameValue(doc[field], value) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Batch applies all writes or none.
func (m *MemoryStore) Batch(ctx context.Context, writes []Write) error {
	for _, w := range writes {
		if err := m.checkFail(w.Collection, w.ID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range writes {
		m.setLocked(w.Collection, w.ID, w.Data)
	}
	return nil
}

// RemoveFromArray drops every element equal to value from the array field.
func (m *MemoryStore) RemoveFromArray(ctx context.Context, collection, id, field string, value any) error {
	if err := m.checkFail(collection, id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key(collection, id)]
	if !ok {
		return nil
	}
	arr, ok := doc[field].([]any)
	if !ok {
		return nil
	}
	kept := arr[:0:0]
	for _, v := range arr {
		if !sameValue(v, value) {
			kept = append(kept, v)
		}
	}
	doc[field] = kept
	m.writes++
	return nil
}

// RunTransaction executes fn; its writes are applied only if fn returns nil.
func (m *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &memoryTx{store: m}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for _, w := range tx.pending {
		if err := m.checkFail(w.Collection, w.ID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range tx.pending {
		m.setLocked(w.Collection, w.ID, w.Data)
	}
	return nil
}

// Writes returns how many document writes have been applied.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Len returns the number of stored documents.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

type memoryTx struct {
	store   *MemoryStore
	pending []Write
}

func (t *memoryTx) Get(collection, id string) (map[string]any, error) {
	if len(t.pending) > 0 {
		return nil, fmt.Errorf("transaction read after write on %s/%s", collection, id)
	}
	return t.store.Get(context.Background(), collection, id)
}

func (t *memoryTx) Set(collection, id string, data map[string]any) error {
	t.pending = append(t.pending, Write{Collection: collection, ID: id, Data: data})
	return nil
}
