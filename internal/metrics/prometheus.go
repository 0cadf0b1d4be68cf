package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors for request and cache-refresh activity, fed by
// RecordRequest and RecordCacheRefresh, in the pull-based shape /_/metrics
// (promhttp) expects. Kept separate from defaultCollector so a deployment
// can run the JSON file export, the Prometheus endpoint, or both.
var (
	promOnce sync.Once
	promReg  *prometheus.Registry

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlproxy_requests_total",
		Help: "Total number of endpoint requests, by endpoint and status",
	}, []string{"endpoint", "method", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlproxy_request_duration_seconds",
		Help:    "Endpoint request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method"})

	cacheRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlproxy_cache_refresh_total",
		Help: "Total number of cache snapshot refreshes, by cache and outcome",
	}, []string{"cache_id", "outcome"})

	dbHealthyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sqlproxy_db_healthy",
		Help: "1 if the most recent health check passed for every connection, else 0",
	})
)

func registry() *prometheus.Registry {
	promOnce.Do(func() {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(requestsTotal, requestDuration, cacheRefreshTotal, dbHealthyGauge)
	})
	return promReg
}

// Registry returns the process-wide Prometheus registry, lazily registering
// the sqlproxy_* collectors on first use.
func Registry() *prometheus.Registry {
	return registry()
}

// RecordRequest updates the Prometheus request counters/histogram for one
// completed endpoint call.
func RecordRequest(endpoint, method string, status int, duration time.Duration) {
	registry()
	requestsTotal.WithLabelValues(endpoint, method, statusLabel(status)).Inc()
	requestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordCacheRefresh updates the Prometheus cache refresh counter for one
// cache snapshot attempt.
func RecordCacheRefresh(cacheID string, success bool) {
	registry()
	outcome := "success"
	if !success {
		outcome = "error"
	}
	cacheRefreshTotal.WithLabelValues(cacheID, outcome).Inc()
}

// SetDBHealthy updates the db health gauge exposed alongside the other
// Prometheus collectors.
func SetDBHealthy(healthy bool) {
	registry()
	if healthy {
		dbHealthyGauge.Set(1)
	} else {
		dbHealthyGauge.Set(0)
	}
}

func statusLabel(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
