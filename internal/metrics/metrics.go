package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// Cache metrics
	CacheLookupTotal   *prometheus.CounterVec
	CacheFetchDuration *prometheus.HistogramVec

	// Backend collaborator metrics
	BackendRequestTotal    *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec

	// Draft store metrics
	StoreOperationTotal *prometheus.CounterVec

	// Invalidation bus metrics
	InvalidationTotal *prometheus.CounterVec

	// Version chain metrics
	ChainTransitionTotal *prometheus.CounterVec

	// Local HTTP bridge metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		CacheLookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_cache_lookups_total",
			Help: "Cache lookups by collection and result (hit, miss, error, stale_write_ignored)",
		}, []string{"collection", "result"}),

		CacheFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studio_cache_fetch_duration_seconds",
			Help:    "Duration of cache fetcher invocations",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection", "status"}),

		BackendRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_backend_requests_total",
			Help: "Requests sent to the script backend",
		}, []string{"operation", "status"}),

		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studio_backend_request_duration_seconds",
			Help:    "Script backend request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		StoreOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_store_operations_total",
			Help: "Draft store operations",
		}, []string{"operation", "status"}),

		InvalidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_invalidations_total",
			Help: "Cache invalidation events by direction (published, received) and status",
		}, []string{"direction", "status"}),

		ChainTransitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_chain_transitions_total",
			Help: "Version chain state transitions",
		}, []string{"operation", "status"}),

		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_http_requests_total",
			Help: "Total number of HTTP requests served to UI collaborators",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studio_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	m.CacheLookupTotal = registerOrGet(m.CacheLookupTotal).(*prometheus.CounterVec)
	m.CacheFetchDuration = registerOrGet(m.CacheFetchDuration).(*prometheus.HistogramVec)
	m.BackendRequestTotal = registerOrGet(m.BackendRequestTotal).(*prometheus.CounterVec)
	m.BackendRequestDuration = registerOrGet(m.BackendRequestDuration).(*prometheus.HistogramVec)
	m.StoreOperationTotal = registerOrGet(m.StoreOperationTotal).(*prometheus.CounterVec)
	m.InvalidationTotal = registerOrGet(m.InvalidationTotal).(*prometheus.CounterVec)
	m.ChainTransitionTotal = registerOrGet(m.ChainTransitionTotal).(*prometheus.CounterVec)
	m.HTTPRequestTotal = registerOrGet(m.HTTPRequestTotal).(*prometheus.CounterVec)
	m.HTTPRequestDuration = registerOrGet(m.HTTPRequestDuration).(*prometheus.HistogramVec)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// Status maps an error to the status label used across metrics.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
