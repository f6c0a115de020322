package statussync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/roadsync/internal/db"
	"github.com/lalithlochan/roadsync/internal/docstore"
	"github.com/lalithlochan/roadsync/internal/lease"
)

type fakeRepo struct {
	mu           sync.Mutex
	history      map[int64]*db.HistoryRow
	signalements []*db.Signalement

	// gate, when set, blocks ListSignalementsAfter until closed.
	gate    chan struct{}
	entered chan struct{}
	pages   atomic.Int32
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{history: make(map[int64]*db.HistoryRow)}
}

func (r *fakeRepo) ListUnsyncedHistory(ctx context.Context, limit int) ([]*db.HistoryRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*db.HistoryRow
	for _, h := range r.history {
		if h.SyncStatus == db.SyncStatusPending || h.SyncStatus == db.SyncStatusFailed {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) MarkHistorySynced(ctx context.Context, id int64, attempts int, syncedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[id]
	h.SyncStatus = db.SyncStatusSynced
	h.SyncAttempts = attempts
	h.SyncedAt = &syncedAt
	h.SyncError = nil
	return nil
}

func (r *fakeRepo) MarkHistorySyncFailed(ctx context.Context, id int64, attempts int, errorMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[id]
	h.SyncStatus = db.SyncStatusFailed
	h.SyncAttempts = attempts
	h.SyncError = &errorMsg
	return nil
}

func (r *fakeRepo) ListSignalementsAfter(ctx context.Context, afterID int64, limit int) ([]*db.Signalement, error) {
	r.pages.Add(1)
	if r.gate != nil {
		if r.entered != nil {
			close(r.entered)
			r.entered = nil
		}
		<-r.gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var page []*db.Signalement
	for _, s := range r.signalements {
		if s.ID > afterID {
			page = append(page, s)
			if len(page) == limit {
				break
			}
		}
	}
	return page, nil
}

var changedAt = time.Date(2025, 3, 2, 9, 30, 0, 0, time.UTC)

func historyRow(id, sid int64, from, to string) *db.HistoryRow {
	return &db.HistoryRow{
		ID:             id,
		SignalementID:  sid,
		ManagerID:      9,
		PreviousStatus: from,
		NewStatus:      to,
		ChangedAt:      changedAt,
		SyncStatus:     db.SyncStatusPending,
		Signalement:    &db.Signalement{ID: sid, Status: to},
		Manager:        &db.User{ID: 9},
	}
}

func newService(repo *fakeRepo, store *docstore.MemoryStore) *Service {
	locker := lease.NewDocLocker(store, "test", zap.NewNop())
	return New(repo, store, locker, Config{}, zap.NewNop())
}

func TestProgressFor(t *testing.T) {
	tests := map[string]int{
		"EN_COURS":    50,
		"en_cours":    50,
		"  resolu \n": 100,
		"RESOLU":      100,
		"ACTIF":       0,
		"REJETE":      0,
		"":            0,
		"inconnu":     0,
		"EN COURS":    0,
	}
	for status, want := range tests {
		assert.Equal(t, want, ProgressFor(status), "status %q", status)
	}
}

func TestPushOne_WritesDiffAndMirror(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	svc := newService(newFakeRepo(), store)

	require.NoError(t, svc.PushOne(ctx, historyRow(31, 7, "ACTIF", "EN_COURS")))

	diff, err := store.Get(ctx, docstore.CollectionStatusDiffs, "pg_7__h_31")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"signalement_pg_id": int64(7),
		"ancien_statut":     "ACTIF",
		"nouveau_statut":    "EN_COURS",
		"manager_pg_id":     int64(9),
		"date_changement":   "2025-03-02T09:30:00.000Z",
		"source":            "pg",
		"version":           int64(31),
	}, diff)

	mirror, err := store.Get(ctx, docstore.CollectionSignalements, "pg_7")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"pg_id":                    int64(7),
		"statut":                   "EN_COURS",
		"avancement":               50,
		"last_status_diff_version": int64(31),
		"last_status_changed_at":   "2025-03-02T09:30:00.000Z",
		"updated_from":             "pg",
	}, mirror)
}

func TestPushOne_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	svc := newService(newFakeRepo(), store)

	h := historyRow(31, 7, "ACTIF", "EN_COURS")
	require.NoError(t, svc.PushOne(ctx, h))
	require.NoError(t, svc.PushOne(ctx, h))

	ids, err := store.FindIDs(ctx, docstore.CollectionStatusDiffs, "version", int64(31))
	require.NoError(t, err)
	assert.Equal(t, []string{"pg_7__h_31"}, ids)
	assert.Equal(t, 2, store.Len())
}

func TestPushOne_RequiresRelations(t *testing.T) {
	svc := newService(newFakeRepo(), docstore.NewMemoryStore())

	h := historyRow(1, 7, "ACTIF", "EN_COURS")
	h.Manager = nil
	assert.Error(t, svc.PushOne(context.Background(), h))

	h = historyRow(1, 7, "ACTIF", "EN_COURS")
	h.Signalement = nil
	assert.Error(t, svc.PushOne(context.Background(), h))
}

func TestPushOne_UpdatesCrossReferencedDocument(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	svc := newService(newFakeRepo(), store)
	require.NoError(t, store.SetMerge(ctx, docstore.CollectionSignalements, "mobile-abc", map[string]any{"photo": "x.jpg"}))

	h := historyRow(2, 7, "EN_COURS", "RESOLU")
	fid := "mobile-abc"
	h.Signalement.FirebaseID = &fid
	require.NoError(t, svc.PushOne(ctx, h))

	doc, err := store.Get(ctx, docstore.CollectionSignalements, "mobile-abc")
	require.NoError(t, err)
	assert.Equal(t, 100, doc["avancement"])
	assert.Equal(t, "x.jpg", doc["photo"])
}

func TestPushOne_UpdatesDocumentsFoundByPgID(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	svc := newService(newFakeRepo(), store)
	require.NoError(t, store.SetMerge(ctx, docstore.CollectionSignalements, "m1", map[string]any{"pg_id": int64(7)}))
	require.NoError(t, store.SetMerge(ctx, docstore.CollectionSignalements, "m2", map[string]any{"pg_id": int64(7)}))
	require.NoError(t, store.SetMerge(ctx, docstore.CollectionSignalements, "other", map[string]any{"pg_id": int64(8)}))

	require.NoError(t, svc.PushOne(ctx, historyRow(3, 7, "ACTIF", "RESOLU")))

	for _, id := range []string{"m1", "m2", "pg_7"} {
		doc, err := store.Get(ctx, docstore.CollectionSignalements, id)
		require.NoError(t, err)
		assert.Equal(t, int64(3), doc["last_status_diff_version"], id)
	}
	other, err := store.Get(ctx, docstore.CollectionSignalements, "other")
	require.NoError(t, err)
	assert.NotContains(t, other, "statut")
}

func TestPushOne_AppDocumentFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	svc := newService(newFakeRepo(), store)
	require.NoError(t, store.SetMerge(ctx, docstore.CollectionSignalements, "m1", map[string]any{"pg_id": int64(7)}))
	store.FailWith = func(collection, id string) error {
		if id == "m1" {
			return errors.New("permission denied")
		}
		return nil
	}

	assert.NoError(t, svc.PushOne(ctx, historyRow(3, 7, "ACTIF", "RESOLU")))
}

func TestPushOne_MirrorFailureFails(t *testing.T) {
	store := docstore.NewMemoryStore()
	store.FailWith = func(collection, id string) error {
		if collection == docstore.CollectionSignalements {
			return errors.New("unavailable")
		}
		return nil
	}
	svc := newService(newFakeRepo(), store)

	assert.Error(t, svc.PushOne(context.Background(), historyRow(3, 7, "ACTIF", "RESOLU")))
}

func TestFlushPendingStatusDiffs_LastChangeWins(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	store := docstore.NewMemoryStore()
	svc := newService(repo, store)

	repo.history[11] = historyRow(11, 7, "ACTIF", "EN_COURS")
	repo.history[12] = historyRow(12, 7, "EN_COURS", "RESOLU")

	sum, err := svc.FlushPendingStatusDiffs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 2, Synced: 2}, sum)

	mirror, err := store.Get(ctx, docstore.CollectionSignalements, "pg_7")
	require.NoError(t, err)
	assert.Equal(t, 100, mirror["avancement"])
	assert.Equal(t, int64(12), mirror["last_status_diff_version"])

	for _, id := range []int64{11, 12} {
		h := repo.history[id]
		assert.Equal(t, db.SyncStatusSynced, h.SyncStatus)
		assert.Equal(t, 1, h.SyncAttempts)
		assert.NotNil(t, h.SyncedAt)
		assert.Nil(t, h.SyncError)
	}
}

func TestFlushPendingStatusDiffs_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := newService(repo, docstore.NewMemoryStore())

	repo.history[1] = historyRow(1, 7, "ACTIF", "EN_COURS")
	broken := historyRow(2, 8, "ACTIF", "EN_COURS")
	broken.Manager = nil
	broken.SyncStatus = db.SyncStatusFailed
	broken.SyncAttempts = 4
	repo.history[2] = broken
	repo.history[3] = historyRow(3, 9, "ACTIF", "REJETE")
	synced := historyRow(4, 9, "REJETE", "ACTIF")
	synced.SyncStatus = db.SyncStatusSynced
	repo.history[4] = synced

	sum, err := svc.FlushPendingStatusDiffs(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 3, Synced: 2, Failed: 1}, sum)

	assert.Equal(t, db.SyncStatusFailed, repo.history[2].SyncStatus)
	assert.Equal(t, 5, repo.history[2].SyncAttempts)
	require.NotNil(t, repo.history[2].SyncError)
	assert.Contains(t, *repo.history[2].SyncError, "manager")
	assert.Equal(t, db.SyncStatusSynced, repo.history[3].SyncStatus)
}

func TestFlushPendingStatusDiffs_RespectsLimit(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, docstore.NewMemoryStore())
	for i := int64(1); i <= 60; i++ {
		repo.history[i] = historyRow(i, i, "ACTIF", "EN_COURS")
	}

	sum, err := svc.FlushPendingStatusDiffs(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 50, sum.Processed)
	assert.Equal(t, db.SyncStatusPending, repo.history[51].SyncStatus)
	assert.Equal(t, db.SyncStatusSynced, repo.history[50].SyncStatus)
}

func seedSignalements(repo *fakeRepo, n int) {
	for i := 1; i <= n; i++ {
		uid := int64(100 + i%3)
		s := &db.Signalement{
			ID:              int64(i),
			UserID:          &uid,
			Status:          []string{"ACTIF", "en_cours", "RESOLU"}[i%3],
			Description:     fmt.Sprintf("nid de poule %d", i),
			Latitude:        -18.9,
			Longitude:       47.5,
			DateSignalement: changedAt,
		}
		if i%2 == 0 {
			area := 12.5
			s.SurfaceM2 = &area
		}
		repo.signalements = append(repo.signalements, s)
	}
}

func TestBulkSync_WritesEveryMirror(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	seedSignalements(repo, 450)
	store := docstore.NewMemoryStore()
	svc := newService(repo, store)

	res, err := svc.BulkSync(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Signalements: 450, Written: 450}, res)
	assert.Equal(t, int32(3), repo.pages.Load())

	doc, err := store.Get(ctx, docstore.CollectionSignalements, "pg_4")
	require.NoError(t, err)
	assert.Equal(t, int64(4), doc["pg_id"])
	assert.Equal(t, "en_cours", doc["statut"])
	assert.Equal(t, 50, doc["avancement"])
	assert.Equal(t, 12.5, doc["surface_m2"])
	assert.Nil(t, doc["budget"])
	assert.Equal(t, int64(101), doc["user_pg_id"])
	assert.Equal(t, "2025-03-02T09:30:00.000Z", doc["date_signalement"])
	assert.Equal(t, "pg", doc["updated_from"])

	lock, err := store.Get(ctx, docstore.CollectionLocks, BulkLockID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), lock["leaseUntil"])
	assert.Equal(t, "manual: completed", lock["reason"])
}

func TestBulkSync_LockHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	seedSignalements(repo, 3)
	store := docstore.NewMemoryStore()

	other := lease.NewDocLocker(store, "other-process", zap.NewNop())
	ok, err := other.TryAcquire(ctx, BulkLockID, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = newService(repo, store).BulkSync(ctx, "manual")
	assert.ErrorIs(t, err, lease.ErrLockHeld)
	assert.Equal(t, int32(0), repo.pages.Load())
}

func TestBulkSync_CountsFailedBatchesAsSkipped(t *testing.T) {
	repo := newFakeRepo()
	seedSignalements(repo, 10)
	store := docstore.NewMemoryStore()
	store.FailWith = func(collection, id string) error {
		if id == "pg_3" {
			return errors.New("unavailable")
		}
		return nil
	}
	svc := New(repo, store, lease.NewDocLocker(store, "t", zap.NewNop()), Config{BatchSize: 4}, zap.NewNop())

	res, err := svc.BulkSync(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Signalements: 10, Written: 6, Skipped: 4}, res)
}

func TestBulkSync_ConcurrentCallersShareOneRun(t *testing.T) {
	repo := newFakeRepo()
	seedSignalements(repo, 5)
	repo.gate = make(chan struct{})
	repo.entered = make(chan struct{})
	entered := repo.entered
	store := docstore.NewMemoryStore()
	svc := newService(repo, store)

	var wg sync.WaitGroup
	results := make([]BulkResult, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = svc.BulkSync(context.Background(), "first")
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = svc.BulkSync(context.Background(), "second")
	}()
	time.Sleep(50 * time.Millisecond)
	close(repo.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, 5, results[0].Written)
	assert.Equal(t, int32(1), repo.pages.Load())

	lock, err := store.Get(context.Background(), docstore.CollectionLocks, BulkLockID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(lock["reason"].(string), "first"))
}

func TestBulkSync_StarterCancelDoesNotStopSharedRun(t *testing.T) {
	repo := newFakeRepo()
	seedSignalements(repo, 5)
	repo.gate = make(chan struct{})
	repo.entered = make(chan struct{})
	entered := repo.entered
	store := docstore.NewMemoryStore()
	svc := newService(repo, store)

	apiCtx, cancelAPI := context.WithCancel(context.Background())
	apiErr := make(chan error, 1)
	go func() {
		_, err := svc.BulkSync(apiCtx, "ops-api")
		apiErr <- err
	}()
	<-entered

	type result struct {
		res BulkResult
		err error
	}
	joined := make(chan result, 1)
	go func() {
		res, err := svc.BulkSync(context.Background(), "cli")
		joined <- result{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelAPI()
	assert.ErrorIs(t, <-apiErr, context.Canceled)

	close(repo.gate)
	got := <-joined
	require.NoError(t, got.err)
	assert.Equal(t, BulkResult{Signalements: 5, Written: 5}, got.res)

	lock, err := store.Get(context.Background(), docstore.CollectionLocks, BulkLockID)
	require.NoError(t, err)
	assert.Equal(t, "ops-api: completed", lock["reason"])
	assert.Equal(t, int64(0), lock["leaseUntil"])
}

func TestFlushPendingStatusDiffs_DurationIgnoresInjectedClock(t *testing.T) {
	store := docstore.NewMemoryStore()
	svc := newService(newFakeRepo(), store).WithClock(func() time.Time {
		return time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	})
	before := flushDurationSum(t, "status_diffs")

	_, err := svc.FlushPendingStatusDiffs(context.Background(), 10)
	require.NoError(t, err)

	assert.Less(t, flushDurationSum(t, "status_diffs")-before, 60.0)
}

// flushDurationSum reads the summed seconds of the flush-duration histogram for job.
func flushDurationSum(t *testing.T, job string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "roadsync_flush_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "job" && l.GetValue() == job {
					return m.GetHistogram().GetSampleSum()
				}
			}
		}
	}
	return 0
}
