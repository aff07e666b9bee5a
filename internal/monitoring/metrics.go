// Package monitoring exposes Prometheus metrics for the execution engine.
package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cocoon-run/cocoon/handler"
)

// Metrics holds the engine's Prometheus collectors. Each Metrics value
// carries its own registry so several engines can coexist in one process
// without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	HostCalls         prometheus.Counter

	// Suspension metrics
	SuspensionsTotal  prometheus.Counter
	SuspensionsOpen   prometheus.Gauge
	SuspensionsLeaked prometheus.Counter

	// Cache and pool metrics
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	InstancesDestroyed prometheus.Counter

	// Snapshot for the JSON stats API - tracks current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the JSON stats API.
type Snapshot struct {
	Executions        int64   `json:"executions"`
	Failures          int64   `json:"failures"`
	Timeouts          int64   `json:"timeouts"`
	Denials           int64   `json:"denials"`
	Suspensions       int64   `json:"suspensions"`
	OpenSuspensions   int64   `json:"open_suspensions"`
	LeakedSuspensions int64   `json:"leaked_suspensions"`
	HostCalls         int64   `json:"host_calls"`
	TotalDurationMS   float64 `json:"total_duration_ms"`
}

// New creates a metrics collector backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cocoon_executions_total",
				Help: "Total number of handler executions by terminal status and code",
			},
			[]string{"status", "code"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cocoon_execution_duration_seconds",
				Help:    "Active interpreter time per execution in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"status"},
		),
		HostCalls: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cocoon_host_calls_total",
				Help: "Total number of host function calls",
			},
		),

		SuspensionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cocoon_suspensions_total",
				Help: "Total number of suspensions",
			},
		),
		SuspensionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cocoon_suspensions_open",
				Help: "Number of suspensions awaiting resume",
			},
		),
		SuspensionsLeaked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cocoon_suspensions_leaked_total",
				Help: "Total number of suspensions reclaimed by the idle timeout",
			},
		),

		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cocoon_cache_hits_total",
				Help: "Total number of compilation cache hits",
			},
		),
		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cocoon_cache_misses_total",
				Help: "Total number of compilation cache misses",
			},
		),
		InstancesDestroyed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cocoon_instances_destroyed_total",
				Help: "Total number of sandbox instances destroyed instead of reused",
			},
		),
	}
}

// Registry returns the underlying registry for scrape handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordExecution records one terminal execution result.
func (m *Metrics) RecordExecution(status handler.Status, code handler.Code, duration time.Duration, hostCalls int) {
	m.ExecutionsTotal.WithLabelValues(string(status), string(code)).Inc()
	m.ExecutionDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	m.HostCalls.Add(float64(hostCalls))

	m.mu.Lock()
	m.snapshot.Executions++
	m.snapshot.HostCalls += int64(hostCalls)
	m.snapshot.TotalDurationMS += float64(duration.Milliseconds())
	if status == handler.StatusError {
		m.snapshot.Failures++
	}
	switch code {
	case handler.CodeTimeout:
		m.snapshot.Timeouts++
	case handler.CodePermissionDenied:
		m.snapshot.Denials++
	}
	m.mu.Unlock()
}

// RecordSuspension records a new open suspension.
func (m *Metrics) RecordSuspension() {
	m.SuspensionsTotal.Inc()
	m.SuspensionsOpen.Inc()

	m.mu.Lock()
	m.snapshot.Suspensions++
	m.snapshot.OpenSuspensions++
	m.mu.Unlock()
}

// RecordSuspensionClosed records a suspension consumed by a resume call
// or aborted at shutdown.
func (m *Metrics) RecordSuspensionClosed() {
	m.SuspensionsOpen.Dec()

	m.mu.Lock()
	m.snapshot.OpenSuspensions--
	m.mu.Unlock()
}

// RecordLeak records a suspension reclaimed by the idle timeout.
func (m *Metrics) RecordLeak() {
	m.SuspensionsLeaked.Inc()
	m.SuspensionsOpen.Dec()

	m.mu.Lock()
	m.snapshot.LeakedSuspensions++
	m.snapshot.OpenSuspensions--
	m.mu.Unlock()
}

// RecordCacheLookup records one compilation cache lookup.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// RecordInstanceDestroyed records a sandbox instance destroyed instead of
// returned to the pool.
func (m *Metrics) RecordInstanceDestroyed() {
	m.InstancesDestroyed.Inc()
}

// Current returns a copy of the snapshot values.
func (m *Metrics) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
