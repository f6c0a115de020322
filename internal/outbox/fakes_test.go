package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lalithlochan/roadsync/internal/db"
	"github.com/lalithlochan/roadsync/internal/push"
)

// fakeRepo keeps outbox rows in memory with the same selection rules as the SQL.
type fakeRepo struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]*db.OutboxRow
	history map[int64]*db.HistoryRow
	users   map[int64]*db.User
	now     func() time.Time

	cleared []string
}

func newFakeRepo(now func() time.Time) *fakeRepo {
	return &fakeRepo{
		rows:    make(map[int64]*db.OutboxRow),
		history: make(map[int64]*db.HistoryRow),
		users:   make(map[int64]*db.User),
		now:     now,
	}
}

func (r *fakeRepo) CreateOutboxRow(ctx context.Context, row *db.OutboxRow) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.rows {
		if existing.HistoryID == row.HistoryID {
			return false, nil
		}
	}
	r.nextID++
	row.ID = r.nextID
	row.CreatedAt = r.now()
	cp := *row
	r.rows[row.ID] = &cp
	return true, nil
}

func (r *fakeRepo) GetOutboxRowByHistory(ctx context.Context, historyID int64) (*db.OutboxRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.HistoryID == historyID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("outbox row for history %d: %w", historyID, db.ErrNotFound)
}

func (r *fakeRepo) GetOutboxRow(ctx context.Context, id int64) (*db.OutboxRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("outbox row %d: %w", id, db.ErrNotFound)
	}
	cp := *row
	if u, ok := r.users[row.UserID]; ok {
		uc := *u
		cp.User = &uc
	}
	return &cp, nil
}

func (r *fakeRepo) OutboxRowExists(ctx context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[id]
	return ok, nil
}

func (r *fakeRepo) ListDueOutboxRows(ctx context.Context, now time.Time, limit int) ([]*db.OutboxRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*db.OutboxRow
	for _, row := range r.rows {
		if row.Status != db.OutboxStatusPending && row.Status != db.OutboxStatusFailed {
			continue
		}
		if row.NextAttemptAt != nil && row.NextAttemptAt.After(now) {
			continue
		}
		cp := *row
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *fakeRepo) MarkOutboxFailed(ctx context.Context, id int64, attempts int, errorMsg string, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return db.ErrNotFound
	}
	row.Status = db.OutboxStatusFailed
	row.Attempts = attempts
	row.LastError = &errorMsg
	row.NextAttemptAt = &next
	return nil
}

func (r *fakeRepo) CompleteOutboxRow(ctx context.Context, id int64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *fakeRepo) DeleteExpiredOutboxRows(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, row := range r.rows {
		if !row.ExpiresAt.After(now) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) GetHistoryRow(ctx context.Context, id int64) (*db.HistoryRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.history[id]
	if !ok {
		return nil, fmt.Errorf("history row %d: %w", id, db.ErrNotFound)
	}
	return h, nil
}

func (r *fakeRepo) GetUser(ctx context.Context, id int64) (*db.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, db.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (r *fakeRepo) ClearUserPushToken(ctx context.Context, userID int64, token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok || u.FCMToken == nil || *u.FCMToken != token {
		return false, nil
	}
	u.FCMToken = nil
	r.cleared = append(r.cleared, token)
	return true, nil
}

func (r *fakeRepo) row(id int64) *db.OutboxRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		cp := *row
		return &cp
	}
	return nil
}

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// fakeGateway records sends and fails tokens listed in errs.
type fakeGateway struct {
	mu   sync.Mutex
	sent []push.Message
	errs map[string]error
}

func (g *fakeGateway) Send(ctx context.Context, msg push.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, msg)
	if err, ok := g.errs[msg.Token]; ok {
		return err
	}
	return nil
}

func (g *fakeGateway) tokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.sent))
	for _, m := range g.sent {
		out = append(out, m.Token)
	}
	return out
}

var errUnregistered = fmt.Errorf("fcm send: %w", push.ErrTokenUnregistered)

var errProviderDown = errors.New("provider unavailable")
