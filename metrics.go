package multitenancy

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector collects per-tenant connection and query statistics.
// A nil *MetricsCollector is valid and records nothing.
type MetricsCollector struct {
	queryCounts       map[ID]int64
	queryDurations    map[ID]time.Duration
	connectionCounts  map[ID]int32
	acquireCounts     map[ID]int64
	discardCounts     map[ID]int64
	errorCounts       map[ID]int64
	mu                sync.RWMutex
	queriesDesc       *prometheus.Desc
	queryDurationDesc *prometheus.Desc
	activeDesc        *prometheus.Desc
	acquiredDesc      *prometheus.Desc
	discardedDesc     *prometheus.Desc
	errorsDesc        *prometheus.Desc
}

// NewMetricsCollector creates a new MetricsCollector
func NewMetricsCollector() *MetricsCollector {
	labels := []string{"tenant"}
	return &MetricsCollector{
		queryCounts:      make(map[ID]int64),
		queryDurations:   make(map[ID]time.Duration),
		connectionCounts: make(map[ID]int32),
		acquireCounts:    make(map[ID]int64),
		discardCounts:    make(map[ID]int64),
		errorCounts:      make(map[ID]int64),
		queriesDesc: prometheus.NewDesc("tenancy_queries_total",
			"Statements executed on tenant-bound connections.", labels, nil),
		queryDurationDesc: prometheus.NewDesc("tenancy_query_seconds_total",
			"Cumulative statement time on tenant-bound connections.", labels, nil),
		activeDesc: prometheus.NewDesc("tenancy_connections_active",
			"Tenant-bound connections currently borrowed.", labels, nil),
		acquiredDesc: prometheus.NewDesc("tenancy_connections_acquired_total",
			"Tenant-bound connections handed out.", labels, nil),
		discardedDesc: prometheus.NewDesc("tenancy_connections_discarded_total",
			"Connections closed because their session could not be reset.", labels, nil),
		errorsDesc: prometheus.NewDesc("tenancy_errors_total",
			"Failed statements, acquisitions and schema bindings.", labels, nil),
	}
}

// RecordQuery records a query execution for a tenant
func (mc *MetricsCollector) RecordQuery(tenantID ID, duration time.Duration, success bool) {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.queryCounts[tenantID]++
	mc.queryDurations[tenantID] += duration
	if !success {
		mc.errorCounts[tenantID]++
	}
}

// RecordConnectionAcquired increments the connection count for a tenant
func (mc *MetricsCollector) RecordConnectionAcquired(tenantID ID) {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.connectionCounts[tenantID]++
	mc.acquireCounts[tenantID]++
}

// RecordConnectionReleased decrements the connection count for a tenant
func (mc *MetricsCollector) RecordConnectionReleased(tenantID ID) {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.connectionCounts[tenantID] > 0 {
		mc.connectionCounts[tenantID]--
	}
}

// RecordConnectionDiscarded counts a connection closed instead of pooled.
func (mc *MetricsCollector) RecordConnectionDiscarded(tenantID ID) {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.discardCounts[tenantID]++
}

func (mc *MetricsCollector) recordError(tenantID ID) {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.errorCounts[tenantID]++
}

// GetTenantMetrics returns metrics for a specific tenant
func (mc *MetricsCollector) GetTenantMetrics(tenantID ID) TenantMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return mc.snapshot(tenantID)
}

// GetAllTenantMetrics returns metrics for all tenants
func (mc *MetricsCollector) GetAllTenantMetrics() map[ID]TenantMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	result := make(map[ID]TenantMetrics)
	for _, tenantID := range mc.tenants() {
		result[tenantID] = mc.snapshot(tenantID)
	}
	return result
}

// TenantMetrics holds metrics information for a tenant
type TenantMetrics struct {
	TenantID              ID            `json:"tenant_id"`
	QueryCount            int64         `json:"query_count"`
	ErrorCount            int64         `json:"error_count"`
	ActiveConnectionCount int32         `json:"active_connections"`
	AcquiredCount         int64         `json:"acquired"`
	DiscardedCount        int64         `json:"discarded"`
	AverageQueryDuration  time.Duration `json:"average_query_duration"`
}

// Reset resets all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.queryCounts = make(map[ID]int64)
	mc.queryDurations = make(map[ID]time.Duration)
	mc.connectionCounts = make(map[ID]int32)
	mc.acquireCounts = make(map[ID]int64)
	mc.discardCounts = make(map[ID]int64)
	mc.errorCounts = make(map[ID]int64)
}

// Describe implements prometheus.Collector.
func (mc *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.queriesDesc
	ch <- mc.queryDurationDesc
	ch <- mc.activeDesc
	ch <- mc.acquiredDesc
	ch <- mc.discardedDesc
	ch <- mc.errorsDesc
}

// Collect implements prometheus.Collector.
func (mc *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for tenantID, m := range mc.GetAllTenantMetrics() {
		label := string(tenantID)
		mc.mu.RLock()
		total := mc.queryDurations[tenantID]
		mc.mu.RUnlock()

		ch <- prometheus.MustNewConstMetric(mc.queriesDesc, prometheus.CounterValue, float64(m.QueryCount), label)
		ch <- prometheus.MustNewConstMetric(mc.queryDurationDesc, prometheus.CounterValue, total.Seconds(), label)
		ch <- prometheus.MustNewConstMetric(mc.activeDesc, prometheus.GaugeValue, float64(m.ActiveConnectionCount), label)
		ch <- prometheus.MustNewConstMetric(mc.acquiredDesc, prometheus.CounterValue, float64(m.AcquiredCount), label)
		ch <- prometheus.MustNewConstMetric(mc.discardedDesc, prometheus.CounterValue, float64(m.DiscardedCount), label)
		ch <- prometheus.MustNewConstMetric(mc.errorsDesc, prometheus.CounterValue, float64(m.ErrorCount), label)
	}
}

func (mc *MetricsCollector) snapshot(tenantID ID) TenantMetrics {
	var avgDuration time.Duration
	if mc.queryCounts[tenantID] > 0 {
		avgDuration = mc.queryDurations[tenantID] / time.Duration(mc.queryCounts[tenantID])
	}

	return TenantMetrics{
		TenantID:              tenantID,
		QueryCount:            mc.queryCounts[tenantID],
		ErrorCount:            mc.errorCounts[tenantID],
		ActiveConnectionCount: mc.connectionCounts[tenantID],
		AcquiredCount:         mc.acquireCounts[tenantID],
		DiscardedCount:        mc.discardCounts[tenantID],
		AverageQueryDuration:  avgDuration,
	}
}

// tenants collects every tenant ID seen by any counter.
func (mc *MetricsCollector) tenants() []ID {
	seen := make(map[ID]bool)
	var ids []ID
	for _, m := range []map[ID]int64{mc.queryCounts, mc.acquireCounts, mc.discardCounts, mc.errorCounts} {
		for tenantID := range m {
			if !seen[tenantID] {
				seen[tenantID] = true
				ids = append(ids, tenantID)
			}
		}
	}
	return ids
}
