package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wallet_session"

// Outcome labels for flow counters.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeOffline  = "offline"
	OutcomeRejected = "rejected"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	flows            *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	storageFailures  *prometheus.CounterVec
	handleReplaced   prometheus.Counter
	unlocked         prometheus.Gauge
	subscribers      prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		flows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_flows_total",
			Help:      "Login flows by method and outcome.",
		}, []string{"method", "outcome"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Credential exchange latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		storageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_failures_total",
			Help:      "Persistent store operations that failed after retries.",
		}, []string{"op"}),
		handleReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_handle_replacements_total",
			Help:      "Times the active chain handle was replaced.",
		}),
		unlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unlocked",
			Help:      "1 while the session is unlocked.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Active session state subscribers.",
		}),
	}
	reg.MustRegister(
		m.flows,
		m.exchangeDuration,
		m.storageFailures,
		m.handleReplaced,
		m.unlocked,
		m.subscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// The recording methods are nil-safe so callers can run without metrics.

func (m *Metrics) Flow(method, outcome string) {
	if m == nil {
		return
	}
	m.flows.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ExchangeSeconds(method string, seconds float64) {
	if m == nil {
		return
	}
	m.exchangeDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) StorageFailure(op string) {
	if m == nil {
		return
	}
	m.storageFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) HandleReplaced() {
	if m == nil {
		return
	}
	m.handleReplaced.Inc()
}

func (m *Metrics) SetUnlocked(unlocked bool) {
	if m == nil {
		return
	}
	if unlocked {
		m.unlocked.Set(1)
		return
	}
	m.unlocked.Set(0)
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
