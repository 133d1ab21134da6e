package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scopekv/scopekv/internal/config"
)

// Registration outcome labels recorded by RecordRegistration.
const (
	RegistrationNew       = "registered"
	RegistrationExisting  = "existing"
	RegistrationCollision = "collision"
	RegistrationInvalid   = "invalid"
)

// Manager defines the interface for metrics collection
type Manager interface {
	// Store metrics
	RecordStoreOperation(store, operation string, success bool, duration time.Duration)
	ObserveValueSize(store string, size int)
	RecordCorruptEntry(store string)

	// Registry metrics
	RecordRegistration(status string)
	UpdateScopeCount(count int)
	AddPrunedScopes(count int)

	// Export
	GetMetricsHandler() http.Handler
	GetMetricsSnapshot() (map[string]interface{}, error)
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	config    config.MetricsConfig
	namespace string
	registry  *prometheus.Registry

	// Store metrics
	storeOpsTotal       *prometheus.CounterVec
	storeOpDuration     *prometheus.HistogramVec
	valueSizeBytes      *prometheus.HistogramVec
	corruptEntriesTotal *prometheus.CounterVec

	// Registry metrics
	registrationsTotal *prometheus.CounterVec
	scopesGauge        prometheus.Gauge
	prunedScopesTotal  prometheus.Counter

	// Internal counters
	totalOps      atomic.Uint64
	totalFailures atomic.Uint64
}

// Noop returns a Manager that records nothing.
func Noop() Manager {
	return &noopManager{}
}

// NewManager creates a new metrics manager. When metrics are disabled a
// no-op implementation is returned.
func NewManager(cfg config.MetricsConfig) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "scopekv"
	}

	m := &metricsManager{
		config:    cfg,
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
	}
	m.initializeMetrics()
	return m
}

// initializeMetrics creates all Prometheus metrics
func (m *metricsManager) initializeMetrics() {
	namespace := m.namespace

	// Store Metrics
	m.storeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"store", "operation", "status"},
	)

	m.storeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"store", "operation"},
	)

	m.valueSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "value_size_bytes",
			Help:      "Value size in bytes",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 12), // 16B to 256MB
		},
		[]string{"store"},
	)

	m.corruptEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "corrupt_entries_total",
			Help:      "Total number of entries that failed to decode",
		},
		[]string{"store"},
	)

	// Registry Metrics
	m.registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Total number of scope registration attempts",
		},
		[]string{"status"},
	)

	m.scopesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "scopes",
			Help:      "Number of registered scopes",
		},
	)

	m.prunedScopesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pruned_scopes_total",
			Help:      "Total number of scopes removed by pruning",
		},
	)

	// Register all metrics
	m.registerMetrics()
}

// registerMetrics registers all metrics with the Prometheus registry
func (m *metricsManager) registerMetrics() {
	metrics := []prometheus.Collector{
		// Store
		m.storeOpsTotal,
		m.storeOpDuration,
		m.valueSizeBytes,
		m.corruptEntriesTotal,

		// Registry
		m.registrationsTotal,
		m.scopesGauge,
		m.prunedScopesTotal,
	}

	for _, metric := range metrics {
		m.registry.MustRegister(metric)
	}
}

// Store Metrics Implementation

func (m *metricsManager) RecordStoreOperation(store, operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
		m.totalFailures.Add(1)
	}
	m.totalOps.Add(1)
	m.storeOpsTotal.WithLabelValues(store, operation, status).Inc()
	m.storeOpDuration.WithLabelValues(store, operation).Observe(duration.Seconds())
}

func (m *metricsManager) ObserveValueSize(store string, size int) {
	m.valueSizeBytes.WithLabelValues(store).Observe(float64(size))
}

func (m *metricsManager) RecordCorruptEntry(store string) {
	m.corruptEntriesTotal.WithLabelValues(store).Inc()
}

// Registry Metrics Implementation

func (m *metricsManager) RecordRegistration(status string) {
	m.registrationsTotal.WithLabelValues(status).Inc()
}

func (m *metricsManager) UpdateScopeCount(count int) {
	m.scopesGauge.Set(float64(count))
}

func (m *metricsManager) AddPrunedScopes(count int) {
	if count > 0 {
		m.prunedScopesTotal.Add(float64(count))
	}
}

// Export and Health Implementation

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsManager) GetMetricsSnapshot() (map[string]interface{}, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	snapshot := map[string]interface{}{
		"timestamp":        time.Now().Unix(),
		"namespace":        m.namespace,
		"total_operations": m.totalOps.Load(),
		"total_failures":   m.totalFailures.Load(),
	}

	for _, mf := range families {
		var total float64
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
		snapshot[mf.GetName()] = total
	}

	return snapshot, nil
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordStoreOperation(store, operation string, success bool, duration time.Duration) {
}
func (n *noopManager) ObserveValueSize(store string, size int)  {}
func (n *noopManager) RecordCorruptEntry(store string)          {}
func (n *noopManager) RecordRegistration(status string)         {}
func (n *noopManager) UpdateScopeCount(count int)               {}
func (n *noopManager) AddPrunedScopes(count int)                {}
func (n *noopManager) GetMetricsHandler() http.Handler          { return http.NotFoundHandler() }
func (n *noopManager) GetMetricsSnapshot() (map[string]interface{}, error) {
	return nil, fmt.Errorf("metrics disabled")
}
