package logger

import (
	"log/slog"
	"net/url"
	"strings"
)

// SanitizedEmail masks an email address for logging (e.g., "u***@*******.com")
func SanitizedEmail(email string) string {
	username, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "[invalid-email]"
	}

	if len(username) > 1 {
		username = username[:1] + strings.Repeat("*", len(username)-1)
	}

	labels := strings.Split(domain, ".")
	for i := 0; i < len(labels)-1; i++ {
		labels[i] = strings.Repeat("*", len(labels[i]))
	}

	return username + "@" + strings.Join(labels, ".")
}

// ShortFingerprint keeps enough of a hardware fingerprint to correlate log
// lines without recording the whole value.
func ShortFingerprint(fp string) string {
	if len(fp) <= 8 {
		return strings.Repeat("*", len(fp))
	}
	return fp[:8] + "..."
}

// RedactedAttr returns "[REDACTED]" in production and the value elsewhere.
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, "[REDACTED]")
	}
	return slog.String(key, value)
}

var sensitiveParams = []string{
	"password", "token", "secret", "api_key", "apikey", "email", "auth", "fingerprint", "hwid",
}

// SanitizeQueryString reports whether the query string names a sensitive
// parameter and must be redacted as a whole.
func SanitizeQueryString(rawQuery string) bool {
	if rawQuery == "" {
		return false
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		// Unparseable queries are redacted rather than guessed at.
		return true
	}
	for key := range values {
		key = strings.ToLower(key)
		for _, p := range sensitiveParams {
			if strings.Contains(key, p) {
				return true
			}
		}
	}
	return false
}
