package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label == "" {
				return m.GetCounter().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.LoginAttempt("success")
	m.LoginAttempt("failure")
	m.LoginAttempt("failure")
	m.Lockout("account")
	m.RateLimited("auth")
	m.HWIDBind("already_locked")
	m.HWIDVerify(true)
	m.HWIDVerify(false)
	m.AuditDropped()
	m.StoreError("redis")

	assert.Equal(t, 2.0, counterValue(t, reg, "keyforge_login_attempts_total", "failure"))
	assert.Equal(t, 1.0, counterValue(t, reg, "keyforge_lockouts_total", "account"))
	assert.Equal(t, 1.0, counterValue(t, reg, "keyforge_rate_limited_total", "auth"))
	assert.Equal(t, 1.0, counterValue(t, reg, "keyforge_hwid_verify_total", "mismatch"))
	assert.Equal(t, 1.0, counterValue(t, reg, "keyforge_audit_dropped_total", ""))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LoginAttempt("success")
		m.HWIDVerify(true)
		m.AuditDropped()
	})
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RateLimited("general")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.True(t, strings.Contains(string(body), `keyforge_rate_limited_total{class="general"} 1`))
}
