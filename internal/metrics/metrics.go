// Package metrics exposes sgcache's operational counters and histograms
// as Prometheus collectors (SPEC_FULL.md §2 domain stack). The teacher's
// internal/rpc.Metrics hand-rolls the same request-count/latency/error
// bookkeeping with its own maps and mutexes; this package keeps the same
// shape of counters (per-operation count, error count, latency, slow
// query count) but registers them with client_golang instead, so they
// can be scraped rather than only read back in-process.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the collectors sgcached registers against a
// *prometheus.Registry (kept distinct from the global default registry
// so tests can spin up isolated instances).
type Registry struct {
	Requests        *prometheus.CounterVec
	RequestErrors   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	SlowQueries     *prometheus.CounterVec

	FollowerLag      prometheus.Gauge
	FollowerEvents   *prometheus.CounterVec
	ScannerSweeps    prometheus.Counter
	ScannerRowsTouch *prometheus.CounterVec

	ControlSessions prometheus.Gauge
}

// New constructs and registers a fresh Registry against reg.
func New(reg *prometheus.Registry) *Registry {
	m := &Registry{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sgcache_requests_total",
			Help: "Requests handled by the router, by method.",
		}, []string{"method"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sgcache_request_errors_total",
			Help: "Requests that ended in a client fault or operational error, by method and kind.",
		}, []string{"method", "kind"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sgcache_request_duration_seconds",
			Help:    "Request handling latency, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		SlowQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sgcache_slow_queries_total",
			Help: "Requests that exceeded the slow-query threshold, by method.",
		}, []string{"method"}),
		FollowerLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sgcache_follower_lag_seconds",
			Help: "Age of the last event the follower applied.",
		}),
		FollowerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sgcache_follower_events_total",
			Help: "Events applied by the follower, by event type.",
		}, []string{"event_type"}),
		ScannerSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sgcache_scanner_sweeps_total",
			Help: "Full reconciliation sweeps completed by the scanner.",
		}),
		ScannerRowsTouch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sgcache_scanner_rows_total",
			Help: "Rows reconciled by the scanner, by entity type.",
		}, []string{"entity_type"}),
		ControlSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sgcache_control_sessions_active",
			Help: "Batch sessions currently tracked by the control plane.",
		}),
	}
	reg.MustRegister(
		m.Requests, m.RequestErrors, m.RequestDuration, m.SlowQueries,
		m.FollowerLag, m.FollowerEvents, m.ScannerSweeps, m.ScannerRowsTouch,
		m.ControlSessions,
	)
	return m
}

// ObserveRequest records one completed request.
func (m *Registry) ObserveRequest(method string, dur time.Duration, errKind string) {
	m.Requests.WithLabelValues(method).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(dur.Seconds())
	if errKind != "" {
		m.RequestErrors.WithLabelValues(method, errKind).Inc()
	}
}
