package telemetry

import (
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
)

// Prometheus implements Metrics on top of a prometheus registry. Counter keys
// become the `key` label of <namespace>_events_total and gauge keys the
// `key` label of <namespace>_gauge.
type Prometheus struct {
	registry *prometheus.Registry
	counters *prometheus.CounterVec
	gauges   *prometheus.GaugeVec

	values *xsync.MapOf[string, *atomic.Uint64]
}

// NewPrometheus registers the replication collectors in a fresh registry.
func NewPrometheus(namespace string) *Prometheus {
	registry := prometheus.NewRegistry()
	m := &Prometheus{
		registry: registry,
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Replication events by key.",
		}, []string{"key"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gauge",
			Help:      "Replication gauges by key.",
		}, []string{"key"}),
		values: xsync.NewMapOf[string, *atomic.Uint64](),
	}
	registry.MustRegister(m.counters, m.gauges)
	return m
}

func (m *Prometheus) Add(key string, delta uint64) {
	if m == nil {
		return
	}
	m.counters.WithLabelValues(key).Add(float64(delta))
	m.value(key).Add(delta)
}

func (m *Prometheus) Store(key string, value uint64) {
	if m == nil {
		return
	}
	m.gauges.WithLabelValues(key).Set(float64(value))
	m.value(key).Store(value)
}

func (m *Prometheus) value(key string) *atomic.Uint64 {
	v, _ := m.values.LoadOrCompute(key, func() *atomic.Uint64 { return new(atomic.Uint64) })
	return v
}

// Snapshot returns the current value of every key for diagnostics.
func (m *Prometheus) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, m.values.Size())
	m.values.Range(func(key string, v *atomic.Uint64) bool {
		out[key] = v.Load()
		return true
	})
	return out
}

// Keys lists the recorded keys in order.
func (m *Prometheus) Keys() []string {
	keys := make([]string, 0, m.values.Size())
	m.values.Range(func(key string, _ *atomic.Uint64) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Registry exposes the underlying registry.
func (m *Prometheus) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
