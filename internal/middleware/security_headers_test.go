package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders_Production(t *testing.T) {
	handler := SecurityHeaders(SecurityHeadersConfig{Env: "production"})

	req := httptest.NewRequest("GET", "/api/v1/auth/me", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()

	handler(okHandler()).ServeHTTP(w, req)

	tests := []struct {
		header   string
		expected string
	}{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "no-referrer"},
		{"Cache-Control", "no-store"},
		{"Cross-Origin-Opener-Policy", "same-origin"},
	}

	for _, tt := range tests {
		if got := w.Header().Get(tt.header); got != tt.expected {
			t.Errorf("Header %s: got %q, want %q", tt.header, got, tt.expected)
		}
	}

	if csp := w.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "default-src 'none'") {
		t.Errorf("CSP should deny by default: %s", csp)
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); !strings.HasPrefix(hsts, "max-age=31536000") {
		t.Errorf("HSTS missing behind TLS proxy: %q", hsts)
	}
}

func TestSecurityHeaders_NoHSTSOverPlainHTTP(t *testing.T) {
	for _, env := range []string{"production", "development"} {
		handler := SecurityHeaders(SecurityHeadersConfig{Env: env})
		w := httptest.NewRecorder()
		handler(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

		if got := w.Header().Get("Strict-Transport-Security"); got != "" {
			t.Errorf("%s: unexpected HSTS %q over plain HTTP", env, got)
		}
		if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
			t.Errorf("%s: X-Frame-Options: got %q, want DENY", env, got)
		}
	}
}
