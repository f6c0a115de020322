package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadsync_http_requests_total",
			Help: "Total ops HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roadsync_http_request_duration_seconds",
			Help:    "Ops HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"method", "path"},
	)

	outboxEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadsync_outbox_enqueued_total",
			Help: "Outbox enqueue calls by result (created, existing)",
		},
		[]string{"result"},
	)

	outboxDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadsync_outbox_deliveries_total",
			Help: "Outbox delivery attempts by outcome (sent, failed, expired)",
		},
		[]string{"outcome"},
	)

	outboxExpiredRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roadsync_outbox_expired_removed_total",
			Help: "Outbox rows removed by the expiry cleanup",
		},
	)

	pushSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadsync_push_total",
			Help: "Push gateway calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	pushTokensPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roadsync_push_tokens_purged_total",
			Help: "Push tokens purged after the provider rejected them",
		},
	)

	statusDiffs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadsync_status_diffs_total",
			Help: "Status history rows processed by outcome (synced, failed)",
		},
		[]string{"outcome"},
	)

	flushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roadsync_flush_duration_seconds",
			Help:    "Duration of a flush job run by job",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"job"},
	)

	leaseAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadsync_lease_acquisitions_total",
			Help: "Lease acquisition attempts by lock and result (acquired, held, error)",
		},
		[]string{"lock", "result"},
	)

	mirrorDocsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roadsync_mirror_documents_written_total",
			Help: "Signalement mirror documents written by the bulk sync",
		},
	)

	intakeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadsync_intake_messages_total",
			Help: "SQS intake messages by result (enqueued, poison, error)",
		},
		[]string{"result"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roadsync_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roadsync_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordOutboxEnqueued records whether an enqueue created a row or found the existing one
func RecordOutboxEnqueued(created bool) {
	if created {
		outboxEnqueued.WithLabelValues("created").Inc()
		return
	}
	outboxEnqueued.WithLabelValues("existing").Inc()
}

// RecordOutboxDelivery records the outcome of one delivery attempt
func RecordOutboxDelivery(outcome string) {
	outboxDeliveries.WithLabelValues(outcome).Inc()
}

// RecordOutboxExpiredRemoved adds rows removed by cleanup
func RecordOutboxExpiredRemoved(n int64) {
	outboxExpiredRemoved.Add(float64(n))
}

// RecordPush records one push gateway call
func RecordPush(provider, outcome string) {
	pushSent.WithLabelValues(provider, outcome).Inc()
}

// RecordTokenPurged records a purged push token
func RecordTokenPurged() {
	pushTokensPurged.Inc()
}

// RecordStatusDiff records the outcome of syncing one history row
func RecordStatusDiff(outcome string) {
	statusDiffs.WithLabelValues(outcome).Inc()
}

// RecordFlushDuration records how long a job run took
func RecordFlushDuration(job string, d time.Duration) {
	flushDuration.WithLabelValues(job).Observe(d.Seconds())
}

// RecordLeaseAcquisition records a lease attempt
func RecordLeaseAcquisition(lock, result string) {
	leaseAcquisitions.WithLabelValues(lock, result).Inc()
}

// RecordMirrorDocsWritten adds documents written by the bulk sync
func RecordMirrorDocsWritten(n int) {
	mirrorDocsWritten.Add(float64(n))
}

// RecordIntakeMessage records the handling of one SQS intake message
func RecordIntakeMessage(result string) {
	intakeMessages.WithLabelValues(result).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// pathLabel maps a request to a bounded label (usually the chi route pattern).
func Middleware(pathLabel func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			RecordRequest(r.Method, pathLabel(r), wrapped.status, time.Since(start))
		})
	}
}
