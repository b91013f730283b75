// Package telemetry exposes Prometheus metrics and OpenTelemetry spans for
// governed calls.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ppiankov/callwarden/internal/audit"
)

const namespace = "callwarden"

// Metrics holds the process metrics.
//
//   - callwarden_decisions_total{effect,source}
//   - callwarden_policy_errors_total
//   - callwarden_audit_dropped_total
//   - callwarden_audit_write_errors_total
//   - callwarden_call_duration_seconds{effect}
//   - callwarden_bundle_reloads_total{result}
type Metrics struct {
	registry *prometheus.Registry

	decisions    *prometheus.CounterVec
	policyErrors prometheus.Counter
	auditDropped prometheus.Counter
	auditErrors  prometheus.Counter
	duration     *prometheus.HistogramVec
	reloads      *prometheus.CounterVec
}

// NewMetrics registers the metrics with registry, or with a fresh registry
// when nil.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Governed calls by final effect and deciding gate",
		}, []string{"effect", "source"}),
		policyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_errors_total",
			Help:      "Calls where at least one contract failed to evaluate",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit events dropped because the queue was full or closed",
		}),
		auditErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_errors_total",
			Help:      "Audit sink writes that failed",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from the attempt check to the audit event, tool execution included",
			// 100µs to ~6.5s
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 9),
		}, []string{"effect"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_reloads_total",
			Help:      "Bundle reload attempts by result",
		}, []string{"result"}),
	}
	registry.MustRegister(m.decisions, m.policyErrors, m.auditDropped, m.auditErrors, m.duration, m.reloads)
	return m
}

// Record counts one finished call.
func (m *Metrics) Record(ev *audit.Event, elapsed time.Duration) {
	source := string(ev.Source)
	if source == "" {
		source = "none"
	}
	m.decisions.WithLabelValues(string(ev.Decision), source).Inc()
	if ev.PolicyError {
		m.policyErrors.Inc()
	}
	m.duration.WithLabelValues(string(ev.Decision)).Observe(elapsed.Seconds())
}

// AuditDropped is an audit.WithDropHook callback.
func (m *Metrics) AuditDropped() { m.auditDropped.Inc() }

// AuditError is an audit.WithErrorHook callback.
func (m *Metrics) AuditError(error) { m.auditErrors.Inc() }

// Reload counts a bundle reload.
func (m *Metrics) Reload(ok bool) {
	if ok {
		m.reloads.WithLabelValues("success").Inc()
		return
	}
	m.reloads.WithLabelValues("failure").Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
