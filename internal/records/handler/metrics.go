package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carbon-dna/ledger/internal/ledger"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_records_appended_total",
		Help: "Total records appended to the ledger.",
	})

	ledgerAnchorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_anchors_total",
		Help: "Total period anchors written.",
	})

	ledgerHeadConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_head_conflicts_total",
		Help: "Total append attempts rejected after losing a chain-head race.",
	})

	ledgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_verifications_total",
		Help: "Total verification runs by scope and result.",
	}, []string{"scope", "result"})

	ledgerTamperFindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_tamper_findings_total",
		Help: "Total failed verifications by failure reason.",
	}, []string{"reason"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ledgerRequestsTotal.WithLabelValues(method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records a successful ledger append.
func RecordAppend() {
	ledgerRecordsTotal.Inc()
}

// RecordAnchor records a written period anchor.
func RecordAnchor() {
	ledgerAnchorsTotal.Inc()
}

// RecordAppendConflict records an append that gave up after head conflicts.
func RecordAppendConflict() {
	ledgerHeadConflictsTotal.Inc()
}

// RecordVerification records a verification run. scope is "record", "chain",
// or "anchor".
func RecordVerification(scope string, res *ledger.VerificationResult) {
	if res.OK {
		ledgerVerificationsTotal.WithLabelValues(scope, "ok").Inc()
		return
	}
	ledgerVerificationsTotal.WithLabelValues(scope, "failed").Inc()
	ledgerTamperFindingsTotal.WithLabelValues(res.Reason).Inc()
}
