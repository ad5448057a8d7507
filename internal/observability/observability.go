package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the crawl pipeline.
type Metrics struct {
	registry *prometheus.Registry

	TaskTransitions *prometheus.CounterVec
	TasksCreated    *prometheus.CounterVec
	OutboxDispatch  *prometheus.CounterVec
	OutboxLag       prometheus.Histogram
	RecoveryRuns    *prometheus.CounterVec
	IdentityStatus  *prometheus.GaugeVec
	QueueDepth      prometheus.Gauge
}

var (
	initOnce sync.Once
	shared   *Metrics
)

// NewMetrics builds and registers the pipeline instruments on a fresh
// registry that also carries the standard Go and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlhub_task_transitions_total",
			Help: "Task status transitions by target status.",
		}, []string{"to"}),
		TasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlhub_tasks_created_total",
			Help: "Tasks created, by task type.",
		}, []string{"type"}),
		OutboxDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlhub_outbox_dispatch_total",
			Help: "Outbox dispatch attempts by result (sent, failed).",
		}, []string{"result"}),
		OutboxLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlhub_outbox_dispatch_lag_seconds",
			Help:    "Time between outbox row creation and successful publish.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		RecoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlhub_recovery_rows_total",
			Help: "Rows touched by recovery jobs, by job and result.",
		}, []string{"job", "result"}),
		IdentityStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlhub_identity_pool_status",
			Help: "Client identities in the pool by status.",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlhub_queue_depth",
			Help: "Number of task messages waiting in the Redis queue.",
		}),
	}
	registry.MustRegister(
		m.TaskTransitions,
		m.TasksCreated,
		m.OutboxDispatch,
		m.OutboxLag,
		m.RecoveryRuns,
		m.IdentityStatus,
		m.QueueDepth,
	)
	return m
}

// Default returns a process-wide Metrics instance, created on first use.
func Default() *Metrics {
	initOnce.Do(func() {
		shared = NewMetrics()
	})
	return shared
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetIdentityCounts replaces the identity pool gauges with a fresh
// snapshot. Statuses absent from the snapshot are reset to zero.
func (m *Metrics) SetIdentityCounts(counts map[string]int) {
	m.IdentityStatus.Reset()
	for status, n := range counts {
		m.IdentityStatus.WithLabelValues(status).Set(float64(n))
	}
}
