package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Scan metrics
	ScansTotal      *prometheus.CounterVec
	ScanLatency     *prometheus.HistogramVec
	FindingsTotal   *prometheus.CounterVec
	RejectedTotal   *prometheus.CounterVec
	PayloadBytes    prometheus.Histogram
	QuarantineTotal *prometheus.CounterVec
	ActiveWorkers   prometheus.Gauge

	// Audit metrics
	AuditBatchTime   prometheus.Histogram
	AuditBatchSize   prometheus.Histogram
	AuditDropped     prometheus.Counter
	ClickHouseErrors *prometheus.CounterVec

	// API metrics
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	// Reference data
	RulesLoaded  *prometheus.GaugeVec
	HashesLoaded *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		// ========== Scan Metrics ==========
		ScansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgscan_scans_total",
				Help: "Total number of completed scans by tier and risk level",
			},
			[]string{"tier", "risk_level"},
		),

		ScanLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imgscan_scan_seconds",
				Help:    "Time spent in the scan engine by tier",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"tier"},
		),

		FindingsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgscan_findings_total",
				Help: "Total number of findings by category and severity",
			},
			[]string{"category", "severity"},
		),

		RejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgscan_rejected_total",
				Help: "Total number of requests rejected before analysis by reason",
			},
			[]string{"reason"}, // empty, too_large, extension, depth, body
		),

		PayloadBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "imgscan_payload_bytes",
				Help:    "Size of scanned payloads",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),

		QuarantineTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgscan_quarantine_total",
				Help: "Total number of payloads written to quarantine by outcome",
			},
			[]string{"status"},
		),

		ActiveWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "imgscan_active_workers",
				Help: "Number of crawl workers currently scanning",
			},
		),

		// ========== Audit Metrics ==========
		AuditBatchTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "imgscan_audit_batch_seconds",
				Help:    "Time spent on audit batch inserts to ClickHouse",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),

		AuditBatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "imgscan_audit_batch_size",
				Help:    "Number of scan events in each audit batch",
				Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
			},
		),

		AuditDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "imgscan_audit_dropped_total",
				Help: "Scan events dropped because the audit queue was full",
			},
		),

		ClickHouseErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgscan_clickhouse_errors_total",
				Help: "Total number of failed ClickHouse operations by type",
			},
			[]string{"query_type"}, // select, batch_insert
		),

		// ========== API Metrics ==========
		APIRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgscan_api_requests_total",
				Help: "Total number of API requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		APILatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imgscan_api_latency_seconds",
				Help:    "API request latency by endpoint",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"endpoint", "method"},
		),

		// ========== Reference Data ==========
		RulesLoaded: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "imgscan_rules_loaded",
				Help: "Number of signature rules active per tier",
			},
			[]string{"tier"},
		),

		HashesLoaded: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "imgscan_hashes_loaded",
				Help: "Number of known-malicious hashes by algorithm",
			},
			[]string{"algorithm"},
		),
	}

	return m
}

// Global metrics instance
var (
	globalMetrics *Metrics
	once          sync.Once
)

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	once.Do(func() {
		globalMetrics = NewMetrics()
	})
	return globalMetrics
}

// ========== Helper Methods ==========

// RecordScan records a completed scan and its findings
func (m *Metrics) RecordScan(tier, riskLevel string, payloadBytes int, durationSeconds float64, findings map[[2]string]int) {
	m.ScansTotal.WithLabelValues(tier, riskLevel).Inc()
	m.ScanLatency.WithLabelValues(tier).Observe(durationSeconds)
	m.PayloadBytes.Observe(float64(payloadBytes))
	for key, n := range findings {
		m.FindingsTotal.WithLabelValues(key[0], key[1]).Add(float64(n))
	}
}

// RecordRejected records a request refused before analysis
func (m *Metrics) RecordRejected(reason string) {
	m.RejectedTotal.WithLabelValues(reason).Inc()
}

// RecordAPIRequest records an API request
func (m *Metrics) RecordAPIRequest(endpoint, method string, statusCode int, durationSeconds float64) {
	status := "success"
	if statusCode >= 400 {
		status = "error"
	}
	m.APIRequests.WithLabelValues(endpoint, method, status).Inc()
	m.APILatency.WithLabelValues(endpoint, method).Observe(durationSeconds)
}

// RecordAuditBatch records an audit batch insert
func (m *Metrics) RecordAuditBatch(size int, durationSeconds float64) {
	m.AuditBatchSize.Observe(float64(size))
	m.AuditBatchTime.Observe(durationSeconds)
}

// UpdateCorpusStats sets the reference data gauges
func (m *Metrics) UpdateCorpusStats(rulesByTier map[string]int, hashesByAlgorithm map[string]int) {
	for tier, n := range rulesByTier {
		m.RulesLoaded.WithLabelValues(tier).Set(float64(n))
	}
	for alg, n := range hashesByAlgorithm {
		m.HashesLoaded.WithLabelValues(alg).Set(float64(n))
	}
}
