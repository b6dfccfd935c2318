package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sharebox/sharebox/internal/config"
)

const namespace = "sharebox"

// Access decision labels
const (
	PathUser = "user"
	PathLink = "link"

	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
	OutcomeError = "error"
)

// Grant kinds
const (
	GrantKindUser = "user"
	GrantKindLink = "link"
)

// Manager owns the Prometheus registry and every sharebox metric. All
// methods are safe on a nil *Manager, which records nothing.
type Manager struct {
	config   config.MetricsConfig
	registry *prometheus.Registry
	dataDir  string
	requests requestTally

	// HTTP Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Access Metrics
	accessDecisionsTotal *prometheus.CounterVec
	grantsIssuedTotal    *prometheus.CounterVec
	orphanedObjectsTotal prometheus.Counter
	uploadsTotal         *prometheus.CounterVec
	uploadBytes          prometheus.Histogram

	// Authentication Metrics
	authAttemptsTotal *prometheus.CounterVec

	// System Metrics
	diskUsedBytes     prometheus.Gauge
	diskFreeBytes     prometheus.Gauge
	memoryUsedPercent prometheus.Gauge
}

// NewManager creates the registry and registers all metrics
func NewManager(cfg config.MetricsConfig, dataDir string) *Manager {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30
	}

	m := &Manager{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		dataDir:  dataDir,
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.accessDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Access decisions by path, outcome and reason",
		},
		[]string{"path", "outcome", "reason"},
	)

	m.grantsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_issued_total",
			Help:      "Per-user grants and share links issued",
		},
		[]string{"kind"},
	)

	m.orphanedObjectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_objects_total",
			Help:      "Objects stored whose file record could not be created",
		},
	)

	m.uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "total",
			Help:      "Uploads by status",
		},
		[]string{"status"},
	)

	m.uploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "size_bytes",
			Help:      "Uploaded file size in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8), // 1KB to 16MB
		},
	)

	m.authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Register and login attempts",
		},
		[]string{"action", "status"},
	)

	m.diskUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "disk_used_bytes",
		Help:      "Used bytes on the data directory's filesystem",
	})
	m.diskFreeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "disk_free_bytes",
		Help:      "Free bytes on the data directory's filesystem",
	})
	m.memoryUsedPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "memory_used_percent",
		Help:      "System memory usage percentage",
	})

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.accessDecisionsTotal,
		m.grantsIssuedTotal,
		m.orphanedObjectsTotal,
		m.uploadsTotal,
		m.uploadBytes,
		m.authAttemptsTotal,
		m.diskUsedBytes,
		m.diskFreeBytes,
		m.memoryUsedPercent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Path is where the handler should be mounted
func (m *Manager) Path() string {
	if m == nil {
		return ""
	}
	return m.config.Path
}

// RecordHTTPRequest records one served request
func (m *Manager) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	m.requests.add(strings.HasPrefix(status, "5"))
}

// RecordAccessDecision counts one engine decision
func (m *Manager) RecordAccessDecision(path, outcome, reason string) {
	if m == nil {
		return
	}
	m.accessDecisionsTotal.WithLabelValues(path, outcome, reason).Inc()
}

// AccessDecisionCounter returns the decision counter for one label set
func (m *Manager) AccessDecisionCounter(path, outcome, reason string) prometheus.Counter {
	return m.accessDecisionsTotal.WithLabelValues(path, outcome, reason)
}

// RecordGrantIssued counts issued grants of the given kind
func (m *Manager) RecordGrantIssued(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.grantsIssuedTotal.WithLabelValues(kind).Add(float64(count))
}

// GrantsIssuedCounter returns the issuance counter for one kind
func (m *Manager) GrantsIssuedCounter(kind string) prometheus.Counter {
	return m.grantsIssuedTotal.WithLabelValues(kind)
}

// RecordOrphanedObject counts an object left without a file record
func (m *Manager) RecordOrphanedObject() {
	if m == nil {
		return
	}
	m.orphanedObjectsTotal.Inc()
}

// OrphanedObjectsCounter returns the orphaned object counter
func (m *Manager) OrphanedObjectsCounter() prometheus.Counter {
	return m.orphanedObjectsTotal
}

// RecordUpload counts an upload attempt and, on success, its size
func (m *Manager) RecordUpload(success bool, size int64) {
	if m == nil {
		return
	}
	if !success {
		m.uploadsTotal.WithLabelValues("failure").Inc()
		return
	}
	m.uploadsTotal.WithLabelValues("success").Inc()
	m.uploadBytes.Observe(float64(size))
}

// RecordAuthAttempt counts a register or login attempt
func (m *Manager) RecordAuthAttempt(action, status string) {
	if m == nil {
		return
	}
	m.authAttemptsTotal.WithLabelValues(action, status).Inc()
}

// Start refreshes the system gauges every interval until ctx is done
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}

	m.refreshHostGauges()
	go func() {
		ticker := time.NewTicker(time.Duration(m.config.Interval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshHostGauges()
			}
		}
	}()
}

// RequestCounts returns the served and failed request totals
func (m *Manager) RequestCounts() RequestCounts {
	if m == nil {
		return RequestCounts{}
	}
	return m.requests.snapshot()
}
