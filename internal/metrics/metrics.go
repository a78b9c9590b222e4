// Package metrics exposes Prometheus collectors for dispatches and validator
// calls. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quorum"

// Metrics groups the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	dispatches       *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	calls            *prometheus.CounterVec
	callLatency      prometheus.Histogram
	retries          prometheus.Counter
	absent           prometheus.Counter
	partial          prometheus.Counter
	validators       prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry along
// with the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Consensus dispatches by algorithm and result.",
		}, []string{"algorithm", "result"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time from fan-out to resolved result.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validator_calls_total",
			Help:      "Settled validator calls by outcome kind.",
		}, []string{"outcome"}),
		callLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validator_call_duration_seconds",
			Help:      "Time for one validator to settle, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validator_retries_total",
			Help:      "Retry attempts after a transient validator failure.",
		}),
		absent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validator_absent_total",
			Help:      "Validators still unsettled when a dispatch deadline fired.",
		}),
		partial: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_dispatches_total",
			Help:      "Dispatches resolved with at least one absent validator.",
		}),
		validators: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validators",
			Help:      "Validators currently registered.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatches,
		m.dispatchDuration,
		m.calls,
		m.callLatency,
		m.retries,
		m.absent,
		m.partial,
		m.validators,
	)
	return m
}

// Registry returns the Prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDispatch records one resolved dispatch.
func (m *Metrics) ObserveDispatch(algorithm, result string, absent int, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(algorithm, result).Inc()
	m.dispatchDuration.Observe(d.Seconds())
	if absent > 0 {
		m.absent.Add(float64(absent))
		m.partial.Inc()
	}
}

// ObserveCall records one settled validator call.
func (m *Metrics) ObserveCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
	m.callLatency.Observe(d.Seconds())
}

// Retry counts one retry attempt.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// SetValidators reports the registry size.
func (m *Metrics) SetValidators(n int) {
	if m == nil {
		return
	}
	m.validators.Set(float64(n))
}
