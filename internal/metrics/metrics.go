// Package metrics holds the Prometheus collectors of workflowd.
//
// All methods are safe on a nil *Metrics, so components can be built without one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "workflowd"

// Metrics groups the collectors registered on a private registry.
type Metrics struct {
	registry           *prometheus.Registry
	claims             *prometheus.CounterVec
	releases           prometheus.Counter
	contractViolations prometheus.Counter
	reconnects         prometheus.Counter
	events             *prometheus.CounterVec
	reconciles         prometheus.Counter
	servicesAlive      prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_claims_total",
			Help:      "Task claim attempts by result (claimed, taken).",
		}, []string{"result"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_releases_total",
			Help:      "Successful task lock releases.",
		}),
		contractViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contract_violations_total",
			Help:      "Releases of tasks that were not locked.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_reconnects_total",
			Help:      "Storage reconnect attempts after connectivity errors.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Handled inbound events by name and result.",
		}, []string{"event", "result"}),
		reconciles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_reconciles_total",
			Help:      "Service heartbeat reconciliations.",
		}),
		servicesAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_alive",
			Help:      "Services reported alive at the last liveness check.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.claims, m.releases, m.contractViolations, m.reconnects,
		m.events, m.reconciles, m.servicesAlive,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Claim(claimed bool) {
	if m == nil {
		return
	}
	result := "taken"
	if claimed {
		result = "claimed"
	}
	m.claims.WithLabelValues(result).Inc()
}

func (m *Metrics) Release() {
	if m == nil {
		return
	}
	m.releases.Inc()
}

func (m *Metrics) ContractViolation() {
	if m == nil {
		return
	}
	m.contractViolations.Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Event(name string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(name, result).Inc()
}

func (m *Metrics) Reconcile() {
	if m == nil {
		return
	}
	m.reconciles.Inc()
}

func (m *Metrics) ServicesAlive(n int) {
	if m == nil {
		return
	}
	m.servicesAlive.Set(float64(n))
}
