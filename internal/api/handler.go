// Package api is the ops HTTP surface: health, metrics and manual job triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lalithlochan/roadsync/internal/db"
	"github.com/lalithlochan/roadsync/internal/lease"
	"github.com/lalithlochan/roadsync/internal/outbox"
	"github.com/lalithlochan/roadsync/internal/statussync"
)

const maxFlushLimit = 500

// Jobs runs flushes; scheduler.Runner in production so manual and scheduled runs of the
// same kind never overlap.
type Jobs interface {
	FlushOutbox(ctx context.Context, limit int) (outbox.Summary, error)
	FlushStatusDiffs(ctx context.Context, limit int) (statussync.Summary, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

type Enqueuer interface {
	EnqueueSignalementStatusChange(ctx context.Context, ev outbox.StatusChangeEvent) (*db.OutboxRow, error)
}

type BulkSyncer interface {
	BulkSync(ctx context.Context, reason string) (statussync.BulkResult, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// StatusChangeRequest is the body of POST /internal/status-changes
type StatusChangeRequest struct {
	HistoryID int64 `json:"history_id"`
}

// StatusChangeResponse describes the outbox row of an accepted status change
type StatusChangeResponse struct {
	OutboxID  int64  `json:"outbox_id"`
	HistoryID int64  `json:"history_id"`
	Status    string `json:"status"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	jobs     Jobs
	enqueuer Enqueuer
	bulk     BulkSyncer
	health   HealthChecker // nil skips the database check
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, jobs Jobs, enqueuer Enqueuer, bulk BulkSyncer, health HealthChecker) *Handler {
	return &Handler{
		logger:   logger,
		jobs:     jobs,
		enqueuer: enqueuer,
		bulk:     bulk,
		health:   health,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Health(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "unhealthy", "Database unreachable", "")
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// FlushOutbox handles POST /internal/outbox/flush
func (h *Handler) FlushOutbox(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r, outbox.DefaultFlushLimit)
	if !ok {
		return
	}

	sum, err := h.jobs.FlushOutbox(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, err, "Outbox flush failed")
		return
	}
	h.writeJSON(w, http.StatusOK, sum)
}

// CleanupOutbox handles POST /internal/outbox/cleanup
func (h *Handler) CleanupOutbox(w http.ResponseWriter, r *http.Request) {
	removed, err := h.jobs.CleanupExpired(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Outbox cleanup failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// FlushStatusDiffs handles POST /internal/status-diffs/flush
func (h *Handler) FlushStatusDiffs(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r, statussync.DefaultFlushLimit)
	if !ok {
		return
	}

	sum, err := h.jobs.FlushStatusDiffs(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, err, "Status diff flush failed")
		return
	}
	h.writeJSON(w, http.StatusOK, sum)
}

// BulkSync handles POST /internal/bulk-sync
func (h *Handler) BulkSync(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "ops-api"
	}

	res, err := h.bulk.BulkSync(r.Context(), reason)
	if err != nil {
		h.writeServiceError(w, err, "Bulk sync failed")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// CreateStatusChange handles POST /internal/status-changes
func (h *Handler) CreateStatusChange(w http.ResponseWriter, r *http.Request) {
	var req StatusChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.HistoryID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing history_id", "history_id must be a positive integer")
		return
	}

	row, err := h.enqueuer.EnqueueSignalementStatusChange(r.Context(), outbox.StatusChangeEvent{HistoryID: req.HistoryID})
	if err != nil {
		h.writeServiceError(w, err, "Failed to enqueue status change")
		return
	}

	h.logger.Info("status change accepted",
		zap.Int64("history_id", req.HistoryID),
		zap.Int64("outbox_id", row.ID),
	)

	h.writeJSON(w, http.StatusAccepted, StatusChangeResponse{
		OutboxID:  row.ID,
		HistoryID: row.HistoryID,
		Status:    row.Status,
	})
}

func (h *Handler) parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxFlushLimit {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit",
			"limit must be an integer between 1 and "+strconv.Itoa(maxFlushLimit))
		return 0, false
	}
	return limit, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Not found", err.Error())
	case errors.Is(err, lease.ErrLockHeld):
		h.writeError(w, http.StatusConflict, "lock_held", "Job already running elsewhere", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "timeout", title, "")
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
