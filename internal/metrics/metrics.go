package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scopes"

// Registry owns the collectors for one process. A nil *Registry is valid and
// records nothing, so components can take one unconditionally.
type Registry struct {
	reg *prometheus.Registry

	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	invocations      *prometheus.CounterVec
	spawns           *prometheus.CounterVec
	running          prometheus.Gauge
	known            prometheus.Gauge
	queries          *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "dispatches_total",
				Help:      "Requests dispatched by object adapters.",
			},
			[]string{"adapter", "operation", "status"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "dispatch_duration_seconds",
				Help:      "Servant dispatch duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"adapter", "operation"},
		),
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "invocations_total",
				Help:      "Outbound proxy invocations by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		spawns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "spawns_total",
				Help:      "Scope process launches by result.",
			},
			[]string{"result"},
		),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "running_scopes",
			Help:      "Scope processes currently supervised by the registry.",
		}),
		known: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "known_scopes",
			Help:      "Scopes currently listed by the registry.",
		}),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "finished_total",
				Help:      "Queries that reached a terminal state, by reason.",
			},
			[]string{"kind", "reason"},
		),
	}
	r.reg.MustRegister(
		r.dispatches,
		r.dispatchDuration,
		r.invocations,
		r.spawns,
		r.running,
		r.known,
		r.queries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) ObserveDispatch(adapter, operation, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.dispatches.WithLabelValues(adapter, operation, status).Inc()
	r.dispatchDuration.WithLabelValues(adapter, operation).Observe(d.Seconds())
}

func (r *Registry) ObserveInvocation(mode, outcome string) {
	if r == nil {
		return
	}
	r.invocations.WithLabelValues(mode, outcome).Inc()
}

func (r *Registry) ObserveSpawn(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.spawns.WithLabelValues(result).Inc()
}

func (r *Registry) SetRunning(n int) {
	if r == nil {
		return
	}
	r.running.Set(float64(n))
}

func (r *Registry) SetKnown(n int) {
	if r == nil {
		return
	}
	r.known.Set(float64(n))
}

func (r *Registry) ObserveQuery(kind, reason string) {
	if r == nil {
		return
	}
	r.queries.WithLabelValues(kind, reason).Inc()
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Handler serves the collected metrics in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}
