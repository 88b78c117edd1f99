package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics is a Metrics implementation backed by a
// prometheus.Registerer. Unlike ClueMetrics (which creates OTEL instruments
// lazily per name), Prometheus vectors must be registered once per metric
// name before use, so instruments are created on first observation and
// cached by name.
type PrometheusMetrics struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics returns a Metrics implementation registering
// instruments against reg (e.g. prometheus.DefaultRegisterer).
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func tagKeys(tags []string) []string {
	keys := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		keys = append(keys, tags[i])
	}
	return keys
}

func tagValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		labels[tags[i]] = v
	}
	return labels
}

// IncCounter implements Metrics.
func (m *PrometheusMetrics) IncCounter(name string, value float64, tags ...string) {
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, tagKeys(tags))
		m.reg.MustRegister(vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()
	vec.With(tagValues(tags)).Add(value)
}

// RecordTimer implements Metrics, recording duration in seconds.
func (m *PrometheusMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, tagKeys(tags))
		m.reg.MustRegister(vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()
	vec.With(tagValues(tags)).Observe(duration.Seconds())
}

// RecordGauge implements Metrics.
func (m *PrometheusMetrics) RecordGauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, tagKeys(tags))
		m.reg.MustRegister(vec)
		m.gauges[name] = vec
	}
	m.mu.Unlock()
	vec.With(tagValues(tags)).Set(value)
}
