// Package metrics exposes security counters for scraping on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keyforge"

// Metrics groups the service's collectors. A nil *Metrics is valid and
// records nothing, which keeps tests and optional wiring simple.
type Metrics struct {
	registry *prometheus.Registry

	logins        *prometheus.CounterVec
	lockouts      *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	hwidBinds     *prometheus.CounterVec
	hwidVerifies  *prometheus.CounterVec
	auditDropped  prometheus.Counter
	auditFailures prometheus.Counter
	storeErrors   *prometheus.CounterVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in
// tests to avoid clashing with the default registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		lockouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_total",
			Help:      "Lockouts entered, by tracker scope.",
		}, []string{"scope"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by route class.",
		}, []string{"class"}),
		hwidBinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hwid_bind_total",
			Help:      "HWID bind attempts by outcome.",
		}, []string{"outcome"}),
		hwidVerifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hwid_verify_total",
			Help:      "HWID verifications by result.",
		}, []string{"result"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit entries dropped because the buffer was full.",
		}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_persist_failures_total",
			Help:      "Audit entries that could not be persisted.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Backing store failures surfaced as Unavailable.",
		}, []string{"store"}),
	}

	reg.MustRegister(
		m.logins, m.lockouts, m.rateLimited, m.hwidBinds, m.hwidVerifies,
		m.auditDropped, m.auditFailures, m.storeErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) LoginAttempt(outcome string) {
	if m != nil {
		m.logins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Lockout(scope string) {
	if m != nil {
		m.lockouts.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) RateLimited(class string) {
	if m != nil {
		m.rateLimited.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) HWIDBind(outcome string) {
	if m != nil {
		m.hwidBinds.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) HWIDVerify(matched bool) {
	if m == nil {
		return
	}
	result := "mismatch"
	if matched {
		result = "match"
	}
	m.hwidVerifies.WithLabelValues(result).Inc()
}

func (m *Metrics) AuditDropped() {
	if m != nil {
		m.auditDropped.Inc()
	}
}

func (m *Metrics) AuditPersistFailed() {
	if m != nil {
		m.auditFailures.Inc()
	}
}

func (m *Metrics) StoreError(store string) {
	if m != nil {
		m.storeErrors.WithLabelValues(store).Inc()
	}
}
