package http_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
)

func TestExtractClientIP_DirectConnection_IgnoresHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	req.Header.Set("X-Real-IP", "192.168.1.1")

	cfg := pkghttp.NewIPConfig([]string{"10.0.0.0/8", "172.16.0.0/12", "127.0.0.1/32"})

	assert.Equal(t, "203.0.113.10", pkghttp.ExtractClientIP(req, cfg))
}

func TestExtractClientIP_TrustedProxy_UsesForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.42, 10.0.0.7")

	cfg := pkghttp.NewIPConfig([]string{"10.0.0.0/8"})

	assert.Equal(t, "203.0.113.42", pkghttp.ExtractClientIP(req, cfg))
}

func TestExtractClientIP_SpoofedLeftmostHopIgnored(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	// The client sent "1.1.1.1" itself; the proxy appended the real peer.
	req.Header.Set("X-Forwarded-For", "1.1.1.1, 203.0.113.43")

	cfg := pkghttp.NewIPConfig([]string{"10.0.0.0/8"})

	assert.Equal(t, "203.0.113.43", pkghttp.ExtractClientIP(req, cfg))
}

func TestExtractClientIP_IPv6_TrustedProxy(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[::1]:54321"
	req.Header.Set("X-Forwarded-For", "2001:db8::1")

	cfg := pkghttp.NewIPConfig([]string{"::1"})

	assert.Equal(t, "2001:db8::1", pkghttp.ExtractClientIP(req, cfg))
}

func TestExtractClientIP_FallsBackToRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	req.Header.Set("X-Real-IP", "198.51.100.9")

	cfg := pkghttp.NewIPConfig([]string{"10.0.0.0/8"})

	assert.Equal(t, "198.51.100.9", pkghttp.ExtractClientIP(req, cfg))
}

func TestExtractClientIP_NilConfig_UsesRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	assert.Equal(t, "203.0.113.10", pkghttp.ExtractClientIP(req, nil))
}

func TestExtractClientIP_InvalidCIDRsTrustNothing(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	cfg := pkghttp.NewIPConfig([]string{"invalid-cidr-range", "also-invalid"})

	assert.Equal(t, "203.0.113.10", pkghttp.ExtractClientIP(req, cfg))
}

func TestExtractClientIP_RemoteAddrWithoutPort(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.20"

	assert.Equal(t, "198.51.100.20", pkghttp.ExtractClientIP(req, nil))
}

func TestExtractClientIP_GarbageRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "not-an-ip"

	assert.Equal(t, "unknown", pkghttp.ExtractClientIP(req, nil))
}

func TestAPIKeyFingerprint(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, pkghttp.APIKeyFingerprint(req))

	req.Header.Set(pkghttp.APIKeyHeader, "kfg_abc")
	fp := pkghttp.APIKeyFingerprint(req)
	assert.Len(t, fp, 64)
	assert.NotContains(t, fp, "kfg_abc")

	other := httptest.NewRequest("GET", "/", nil)
	other.Header.Set(pkghttp.APIKeyHeader, "kfg_abd")
	assert.NotEqual(t, fp, pkghttp.APIKeyFingerprint(other))
}
